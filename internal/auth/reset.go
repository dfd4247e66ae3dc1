package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const (
	// ResetSecretLength is the exact length of every reset secret.
	ResetSecretLength = 50
	// ResetTicketTTL is how long a ticket stays consumable after creation.
	ResetTicketTTL = 10 * time.Minute

	resetAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Fingerprint derives the identifier stored in place of a raw secret or token.
func Fingerprint(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateResetSecret returns ResetSecretLength characters drawn uniformly from [A-Za-z0-9].
func GenerateResetSecret() (string, error) {
	limit := big.NewInt(int64(len(resetAlphabet)))
	var b strings.Builder
	b.Grow(ResetSecretLength)
	for i := 0; i < ResetSecretLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate reset secret: %w", err)
		}
		b.WriteByte(resetAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// RequestPasswordReset creates a ticket for email and sends the link out of band.
// Unknown emails yield ErrIdentityNotFound unless concealment is enabled,
// in which case a link-shaped response is returned and nothing is stored.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (*ResetRequest, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	secret, err := GenerateResetSecret()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	req := &ResetRequest{
		Link:      s.resetBaseURL + secret + "/",
		ExpiresAt: now.Add(ResetTicketTTL),
	}

	identity, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*Identity, error) {
		return s.creds.FindIdentityByEmail(ctx, email)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.record(ctx, email, ActionResetRequest, StatusFailed, map[string]string{"reason": "unknown email"})
			if s.concealEmails {
				return req, nil
			}
			return nil, ErrIdentityNotFound
		}
		return nil, storeError("find identity", err)
	}

	ticket := ResetTicket{SecretHash: Fingerprint(secret), Email: identity.Email, CreatedAt: now}
	_, err = bounded(ctx, s.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.tickets.CreateTicket(ctx, ticket)
	})
	if err != nil {
		return nil, storeError("create ticket", err)
	}

	if err := s.mailer.SendPasswordReset(ctx, identity.Email, req.Link, req.ExpiresAt); err != nil {
		s.logger.Warn("password reset mail failed", zap.String("email", identity.Email), zap.Error(err))
	}
	s.record(ctx, identity.Email, ActionResetRequest, StatusSuccess, nil)
	return req, nil
}

// ConsumePasswordReset sets a new password if secret names a live ticket.
// The ticket is removed with a conditional delete, so of two concurrent calls exactly one succeeds.
func (s *Service) ConsumePasswordReset(ctx context.Context, secret, newPassword string) error {
	if len(secret) != ResetSecretLength {
		return ErrInvalidTicket
	}
	if newPassword == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash := Fingerprint(secret)

	ticket, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*ResetTicket, error) {
		return s.tickets.FindTicket(ctx, hash)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidTicket
		}
		return storeError("find ticket", err)
	}

	if s.now().Sub(ticket.CreatedAt) > ResetTicketTTL {
		// Remove so the expired ticket can never be consumed later.
		if _, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*ResetTicket, error) {
			return s.tickets.ConsumeTicket(ctx, hash)
		}); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("expired ticket cleanup failed", zap.Error(err))
		}
		s.record(ctx, ticket.Email, ActionResetComplete, StatusFailed, map[string]string{"reason": "expired"})
		return ErrExpiredTicket
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	consumed, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*ResetTicket, error) {
		return s.tickets.ConsumeTicket(ctx, hash)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidTicket
		}
		return storeError("consume ticket", err)
	}

	identity, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*Identity, error) {
		return s.creds.FindIdentityByEmail(ctx, consumed.Email)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidTicket
		}
		return storeError("find identity", err)
	}
	_, err = bounded(ctx, s.storeTimeout, func(ctx context.Context) (*Identity, error) {
		return s.creds.UpdateIdentity(ctx, identity.ID, IdentityPatch{PasswordHash: &passwordHash})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidTicket
		}
		// The ticket is already gone; the user has to request a new link.
		s.logger.Warn("password reset lost after ticket consumption",
			zap.String("email", consumed.Email), zap.Error(err))
		s.record(ctx, consumed.Email, ActionResetComplete, StatusFailed, map[string]string{"reason": "password not updated"})
		return storeError("update identity", err)
	}
	s.record(ctx, consumed.Email, ActionResetComplete, StatusSuccess, nil)
	return nil
}
