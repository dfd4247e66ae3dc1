// Package redis keeps the revocation ledger and reset tickets in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"usergate.org/internal/auth"
)

// DefaultTicketRetention keeps tickets well past their validity window so that
// expiry is reported as expired rather than unknown.
const DefaultTicketRetention = 24 * time.Hour

var (
	_ auth.RevocationLedger = (*Store)(nil)
	_ auth.TicketStore      = (*Store)(nil)
)

type Store struct {
	c         rdb.UniversalClient
	prefix    string
	retention time.Duration
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func WithTicketRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

func New(c rdb.UniversalClient, opts ...Option) *Store {
	s := &Store{c: c, prefix: "usergate:", retention: DefaultTicketRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial opens a client against addr and verifies it answers.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	c := rdb.NewClient(&rdb.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, auth.Unavailable("redis ping", err)
	}
	return New(c, opts...), nil
}

func (s *Store) Close() error { return s.c.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.c.Ping(ctx).Err())
}

func (s *Store) revokedKey(fp string) string { return s.prefix + "revoked:" + fp }
func (s *Store) ticketKey(hash string) string { return s.prefix + "reset:" + hash }

// Revoke stores the fingerprint without expiry. An existing entry keeps its original timestamp.
func (s *Store) Revoke(ctx context.Context, entry auth.RevocationEntry) error {
	at := entry.RevokedAt.UTC().Format(time.RFC3339Nano)
	return classify("revoke token", s.c.SetNX(ctx, s.revokedKey(entry.Fingerprint), at, 0).Err())
}

func (s *Store) IsRevoked(ctx context.Context, fingerprint string) (bool, error) {
	n, err := s.c.Exists(ctx, s.revokedKey(fingerprint)).Result()
	if err != nil {
		return false, classify("check revocation", err)
	}
	return n > 0, nil
}

type ticketRecord struct {
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreateTicket(ctx context.Context, ticket auth.ResetTicket) error {
	raw, err := json.Marshal(ticketRecord{Email: ticket.Email, CreatedAt: ticket.CreatedAt})
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	return classify("create ticket", s.c.Set(ctx, s.ticketKey(ticket.SecretHash), raw, s.retention).Err())
}

func (s *Store) FindTicket(ctx context.Context, secretHash string) (*auth.ResetTicket, error) {
	raw, err := s.c.Get(ctx, s.ticketKey(secretHash)).Bytes()
	return decodeTicket("find ticket", secretHash, raw, err)
}

// ConsumeTicket relies on GETDEL so concurrent callers cannot both receive the ticket.
func (s *Store) ConsumeTicket(ctx context.Context, secretHash string) (*auth.ResetTicket, error) {
	raw, err := s.c.GetDel(ctx, s.ticketKey(secretHash)).Bytes()
	return decodeTicket("consume ticket", secretHash, raw, err)
}

func decodeTicket(op, secretHash string, raw []byte, err error) (*auth.ResetTicket, error) {
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, auth.ErrNotFound
		}
		return nil, classify(op, err)
	}
	var rec ticketRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return &auth.ResetTicket{SecretHash: secretHash, Email: rec.Email, CreatedAt: rec.CreatedAt}, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, rdb.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return auth.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
