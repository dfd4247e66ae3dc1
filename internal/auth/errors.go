package auth

import (
	"errors"
	"fmt"
)

// Error families. Variants wrap their family so errors.Is matches both.
var (
	ErrAuthentication   = errors.New("auth: authentication failed")
	ErrAuthorization    = errors.New("auth: permission denied")
	ErrToken            = errors.New("auth: token rejected")
	ErrTicket           = errors.New("auth: reset ticket rejected")
	ErrNotFound         = errors.New("auth: not found")
	ErrStoreUnavailable = errors.New("auth: store unavailable")
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrConflict         = errors.New("auth: already exists")
)

var (
	ErrInvalidToken     = fmt.Errorf("%w: invalid token", ErrToken)
	ErrExpiredToken     = fmt.Errorf("%w: token expired", ErrToken)
	ErrRevokedToken     = fmt.Errorf("%w: token revoked", ErrToken)
	ErrMalformedToken   = fmt.Errorf("%w: identity claim missing", ErrToken)
	ErrUnknownIdentity  = fmt.Errorf("%w: unknown identity", ErrToken)
	ErrInactiveIdentity = fmt.Errorf("%w: identity inactive", ErrToken)

	ErrInvalidTicket = fmt.Errorf("%w: invalid or expired token", ErrTicket)
	ErrExpiredTicket = fmt.Errorf("%w: token has expired", ErrTicket)

	ErrIdentityNotFound = fmt.Errorf("%w: identity", ErrNotFound)
	ErrRoleNotFound     = fmt.Errorf("%w: role", ErrNotFound)
)

// Unavailable wraps an infrastructure failure so callers can match ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
