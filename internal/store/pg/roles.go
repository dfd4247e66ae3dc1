package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"usergate.org/internal/auth"
	"usergate.org/internal/ids"
)

const roleColumns = `id, name, permissions, created_at, updated_at`

func scanRole(row rowScanner) (*auth.Role, error) {
	var (
		role  auth.Role
		perms []byte
	)
	if err := row.Scan(&role.ID, &role.Name, &perms, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &role.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return &role, nil
}

func encodePermissions(perms []auth.Capability) ([]byte, error) {
	if perms == nil {
		perms = []auth.Capability{}
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return nil, fmt.Errorf("marshal permissions: %w", err)
	}
	return b, nil
}

func (s *Store) FindRoleByID(ctx context.Context, id string) (*auth.Role, error) {
	return s.findRole(ctx, `select `+roleColumns+` from roles where id = $1`, id)
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (*auth.Role, error) {
	return s.findRole(ctx, `select `+roleColumns+` from roles where name = $1`, name)
}

func (s *Store) findRole(ctx context.Context, query, arg string) (*auth.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	role, err := scanRole(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, classify("find role", err)
	}
	return role, nil
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	perms, err := encodePermissions(role.Permissions)
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, permissions)
		values ($1, $2, $3)
		returning created_at, updated_at
	`, role.ID, role.Name, perms)
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		return classify("create role", err)
	}
	return nil
}

func (s *Store) UpdateRole(ctx context.Context, role *auth.Role) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	perms, err := encodePermissions(role.Permissions)
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		update roles set name = $1, permissions = $2, updated_at = now()
		where id = $3
		returning updated_at
	`, role.Name, perms, role.ID)
	if err := row.Scan(&role.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return classify("update role", err)
	}
	return nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, classify("list roles", err)
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, classify("scan role", err)
		}
		out = append(out, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list roles", err)
	}
	return out, nil
}
