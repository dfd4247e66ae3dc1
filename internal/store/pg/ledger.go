package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"usergate.org/internal/auth"
	"usergate.org/internal/ids"
)

// Revoke inserts the fingerprint; an existing row is left untouched.
func (s *Store) Revoke(ctx context.Context, entry auth.RevocationEntry) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens (fingerprint, revoked_at)
		values ($1, $2)
		on conflict (fingerprint) do nothing
	`, entry.Fingerprint, entry.RevokedAt)
	return classify("revoke token", err)
}

func (s *Store) IsRevoked(ctx context.Context, fingerprint string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from revoked_tokens where fingerprint = $1)`, fingerprint,
	).Scan(&revoked)
	if err != nil {
		return false, classify("check revocation", err)
	}
	return revoked, nil
}

func (s *Store) CreateTicket(ctx context.Context, ticket auth.ResetTicket) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_tickets (secret_hash, email, created_at)
		values ($1, $2, $3)
	`, ticket.SecretHash, ticket.Email, ticket.CreatedAt)
	return classify("create ticket", err)
}

func (s *Store) FindTicket(ctx context.Context, secretHash string) (*auth.ResetTicket, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	ticket := auth.ResetTicket{SecretHash: secretHash}
	err := s.db.QueryRowContext(ctx,
		`select email, created_at from password_reset_tickets where secret_hash = $1`, secretHash,
	).Scan(&ticket.Email, &ticket.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, classify("find ticket", err)
	}
	return &ticket, nil
}

// ConsumeTicket deletes and returns the ticket in one statement, so only one caller can win.
func (s *Store) ConsumeTicket(ctx context.Context, secretHash string) (*auth.ResetTicket, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	ticket := auth.ResetTicket{SecretHash: secretHash}
	err := s.db.QueryRowContext(ctx,
		`delete from password_reset_tickets where secret_hash = $1 returning email, created_at`, secretHash,
	).Scan(&ticket.Email, &ticket.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, classify("consume ticket", err)
	}
	return &ticket, nil
}

func (s *Store) Record(ctx context.Context, rec auth.ActivityRecord) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = ids.At(rec.OccurredAt)
	}
	details := rec.Details
	if details == nil {
		details = map[string]string{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into activities (id, email, action, status, details, occurred_at)
		values ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Email, rec.Action, rec.Status, raw, rec.OccurredAt)
	return classify("record activity", err)
}

func (s *Store) ListActivity(ctx context.Context, email string) ([]auth.ActivityRecord, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, email, action, status, details, occurred_at
		from activities
		where email = $1
		order by occurred_at, id
	`, email)
	if err != nil {
		return nil, classify("list activity", err)
	}
	defer rows.Close()

	var out []auth.ActivityRecord
	for rows.Next() {
		var (
			rec auth.ActivityRecord
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.Action, &rec.Status, &raw, &rec.OccurredAt); err != nil {
			return nil, classify("scan activity", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list activity", err)
	}
	return out, nil
}
