package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestAtIsSortable(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := At(base)
	second := At(base)
	later := At(base.Add(time.Second))

	if !(first < second && second < later) {
		t.Fatalf("ids not ordered: %s %s %s", first, second, later)
	}
	parsed, err := ulid.Parse(later)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := ulid.Time(parsed.Time()); !got.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected timestamp %v", got)
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
