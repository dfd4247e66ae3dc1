package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"usergate.org/internal/auth"
)

func secretFromLink(t *testing.T, link string) string {
	t.Helper()
	trimmed := strings.TrimSuffix(link, "/")
	secret := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if len(secret) != auth.ResetSecretLength {
		t.Fatalf("secret %q has length %d", secret, len(secret))
	}
	return secret
}

func TestGenerateResetSecret(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		secret, err := auth.GenerateResetSecret()
		if err != nil {
			t.Fatalf("GenerateResetSecret: %v", err)
		}
		if len(secret) != auth.ResetSecretLength {
			t.Fatalf("length %d", len(secret))
		}
		for _, r := range secret {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				t.Fatalf("unexpected rune %q", r)
			}
		}
		if _, dup := seen[secret]; dup {
			t.Fatalf("duplicate secret")
		}
		seen[secret] = struct{}{}
	}
}

func TestPasswordResetWithinWindow(t *testing.T) {
	f := newFixture(t, auth.WithResetBaseURL("https://id.example.com/recover"))
	f.identity(t, "a@x.com", "oldpass123", nil)
	ctx := context.Background()

	req, err := f.svc.RequestPasswordReset(ctx, "A@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if !strings.HasPrefix(req.Link, "https://id.example.com/recover/") || !strings.HasSuffix(req.Link, "/") {
		t.Fatalf("unexpected link %s", req.Link)
	}
	if !req.ExpiresAt.Equal(f.clock.Now().Add(auth.ResetTicketTTL)) {
		t.Fatalf("unexpected expiry %v", req.ExpiresAt)
	}
	mail := f.mailer.last(t)
	if mail.email != "a@x.com" || mail.link != req.Link {
		t.Fatalf("unexpected mail %+v", mail)
	}
	secret := secretFromLink(t, req.Link)

	if _, err := f.store.FindTicket(ctx, secret); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("raw secret must not be stored")
	}

	f.clock.Advance(9*time.Minute + 59*time.Second)
	if err := f.svc.ConsumePasswordReset(ctx, secret, "newpass123"); err != nil {
		t.Fatalf("ConsumePasswordReset: %v", err)
	}
	if _, err := f.svc.IssueSession(ctx, "a@x.com", "oldpass123"); !errors.Is(err, auth.ErrAuthentication) {
		t.Fatalf("old password should fail, got %v", err)
	}
	f.login(t, "a@x.com", "newpass123")

	err = f.svc.ConsumePasswordReset(ctx, secret, "another123")
	if !errors.Is(err, auth.ErrInvalidTicket) || !errors.Is(err, auth.ErrTicket) {
		t.Fatalf("second consumption should be invalid, got %v", err)
	}
}

func TestPasswordResetExpired(t *testing.T) {
	f := newFixture(t)
	f.identity(t, "a@x.com", "oldpass123", nil)
	ctx := context.Background()

	req, err := f.svc.RequestPasswordReset(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	secret := secretFromLink(t, req.Link)

	f.clock.Advance(11 * time.Minute)
	if err := f.svc.ConsumePasswordReset(ctx, secret, "newpass123"); !errors.Is(err, auth.ErrExpiredTicket) {
		t.Fatalf("expected expired ticket, got %v", err)
	}
	f.login(t, "a@x.com", "oldpass123")

	if err := f.svc.ConsumePasswordReset(ctx, secret, "newpass123"); !errors.Is(err, auth.ErrInvalidTicket) {
		t.Fatalf("expired ticket must not be consumable later, got %v", err)
	}
}

func TestPasswordResetRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.ConsumePasswordReset(ctx, "short", "newpass123"); !errors.Is(err, auth.ErrInvalidTicket) {
		t.Fatalf("expected invalid ticket, got %v", err)
	}
	unknown := strings.Repeat("a", auth.ResetSecretLength)
	if err := f.svc.ConsumePasswordReset(ctx, unknown, "newpass123"); !errors.Is(err, auth.ErrInvalidTicket) {
		t.Fatalf("expected invalid ticket, got %v", err)
	}
	if err := f.svc.ConsumePasswordReset(ctx, unknown, ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := f.svc.RequestPasswordReset(ctx, " "); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPasswordResetUnknownEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RequestPasswordReset(context.Background(), "ghost@x.com")
	if !errors.Is(err, auth.ErrIdentityNotFound) || !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected identity not found, got %v", err)
	}

	concealed := newFixture(t, auth.WithConcealUnknownEmail(true))
	req, err := concealed.svc.RequestPasswordReset(context.Background(), "ghost@x.com")
	if err != nil {
		t.Fatalf("concealed request should succeed, got %v", err)
	}
	secret := secretFromLink(t, req.Link)
	if err := concealed.svc.ConsumePasswordReset(context.Background(), secret, "newpass123"); !errors.Is(err, auth.ErrInvalidTicket) {
		t.Fatalf("concealed link must not be usable, got %v", err)
	}
	if len(concealed.mailer.sent) != 0 {
		t.Fatalf("no mail should be sent for unknown email")
	}
}

func TestPasswordResetMailFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp down")
	f.identity(t, "a@x.com", "oldpass123", nil)
	if _, err := f.svc.RequestPasswordReset(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("mail failure leaked: %v", err)
	}
}

func TestPasswordResetConcurrentConsumption(t *testing.T) {
	f := newFixture(t)
	f.identity(t, "a@x.com", "oldpass123", nil)
	ctx := context.Background()
	req, err := f.svc.RequestPasswordReset(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	secret := secretFromLink(t, req.Link)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.ConsumePasswordReset(ctx, secret, "newpass123")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, auth.ErrInvalidTicket):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}
}
