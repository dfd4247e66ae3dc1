package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"usergate.org/internal/auth"
	"usergate.org/internal/ids"
)

const identityColumns = `id, email, full_name, password_hash, is_active, role_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*auth.Identity, error) {
	var (
		identity auth.Identity
		roleID   sql.NullString
	)
	if err := row.Scan(&identity.ID, &identity.Email, &identity.FullName, &identity.PasswordHash,
		&identity.IsActive, &roleID, &identity.CreatedAt, &identity.UpdatedAt); err != nil {
		return nil, err
	}
	identity.RoleID = roleID.String
	return &identity, nil
}

func (s *Store) FindIdentityByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where email = $1`, email)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, classify("find identity by email", err)
	}
	return identity, nil
}

func (s *Store) FindIdentityByID(ctx context.Context, id string) (*auth.Identity, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id = $1`, id)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, classify("find identity", err)
	}
	return identity, nil
}

func (s *Store) CreateIdentity(ctx context.Context, identity *auth.Identity) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into identities (id, email, full_name, password_hash, is_active, role_id)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, identity.ID, identity.Email, identity.FullName, identity.PasswordHash, identity.IsActive, nullIfEmpty(identity.RoleID))
	if err := row.Scan(&identity.CreatedAt, &identity.UpdatedAt); err != nil {
		return classify("create identity", err)
	}
	return nil
}

// UpdateIdentity applies the patch in one statement; a missing row yields auth.ErrNotFound.
func (s *Store) UpdateIdentity(ctx context.Context, id string, patch auth.IdentityPatch) (*auth.Identity, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if patch.Empty() {
		return s.FindIdentityByID(ctx, id)
	}

	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	add := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if patch.Email != nil {
		add("email", *patch.Email)
	}
	if patch.FullName != nil {
		add("full_name", *patch.FullName)
	}
	if patch.PasswordHash != nil {
		add("password_hash", *patch.PasswordHash)
	}
	if patch.IsActive != nil {
		add("is_active", *patch.IsActive)
	}
	if patch.RoleID != nil {
		add("role_id", nullIfEmpty(*patch.RoleID))
	}
	setClauses = append(setClauses, "updated_at = now()")
	query := fmt.Sprintf(`update identities set %s where id = $%d returning %s`,
		strings.Join(setClauses, ", "), idx, identityColumns)
	args = append(args, id)

	identity, err := scanIdentity(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, classify("update identity", err)
	}
	return identity, nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]auth.Identity, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `select `+identityColumns+` from identities order by created_at, id`)
	if err != nil {
		return nil, classify("list identities", err)
	}
	defer rows.Close()

	var out []auth.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, classify("scan identity", err)
		}
		out = append(out, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list identities", err)
	}
	return out, nil
}
