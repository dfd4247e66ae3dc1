// Package memory is a mutex-guarded auth.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"usergate.org/internal/auth"
	"usergate.org/internal/ids"
)

var _ auth.Store = (*Store)(nil)

// Store keeps every record in process memory.
type Store struct {
	mu sync.RWMutex

	identities map[string]auth.Identity
	emails     map[string]string
	roles      map[string]auth.Role
	roleNames  map[string]string
	revoked    map[string]auth.RevocationEntry
	tickets    map[string]auth.ResetTicket
	activity   []auth.ActivityRecord
}

func New() *Store {
	return &Store{
		identities: make(map[string]auth.Identity),
		emails:     make(map[string]string),
		roles:      make(map[string]auth.Role),
		roleNames:  make(map[string]string),
		revoked:    make(map[string]auth.RevocationEntry),
		tickets:    make(map[string]auth.ResetTicket),
	}
}

// Ping always succeeds unless ctx is done.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) FindIdentityByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[email]
	if !ok {
		return nil, auth.ErrNotFound
	}
	identity := s.identities[id]
	return &identity, nil
}

func (s *Store) FindIdentityByID(ctx context.Context, id string) (*auth.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &identity, nil
}

func (s *Store) CreateIdentity(ctx context.Context, identity *auth.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.emails[identity.Email]; exists {
		return fmt.Errorf("%w: email %s", auth.ErrConflict, identity.Email)
	}
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	s.identities[identity.ID] = *identity
	s.emails[identity.Email] = identity.ID
	return nil
}

func (s *Store) UpdateIdentity(ctx context.Context, id string, patch auth.IdentityPatch) (*auth.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if patch.Email != nil && *patch.Email != identity.Email {
		if _, taken := s.emails[*patch.Email]; taken {
			return nil, fmt.Errorf("%w: email %s", auth.ErrConflict, *patch.Email)
		}
		delete(s.emails, identity.Email)
		identity.Email = *patch.Email
		s.emails[identity.Email] = id
	}
	if patch.FullName != nil {
		identity.FullName = *patch.FullName
	}
	if patch.PasswordHash != nil {
		identity.PasswordHash = *patch.PasswordHash
	}
	if patch.IsActive != nil {
		identity.IsActive = *patch.IsActive
	}
	if patch.RoleID != nil {
		identity.RoleID = *patch.RoleID
	}
	s.identities[id] = identity
	return &identity, nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]auth.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindRoleByID(ctx context.Context, id string) (*auth.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneRole(role), nil
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (*auth.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roleNames[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneRole(s.roles[id]), nil
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roleNames[role.Name]; exists {
		return fmt.Errorf("%w: role %s", auth.ErrConflict, role.Name)
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	s.roles[role.ID] = *cloneRole(*role)
	s.roleNames[role.Name] = role.ID
	return nil
}

func (s *Store) UpdateRole(ctx context.Context, role *auth.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.roles[role.ID]
	if !ok {
		return auth.ErrNotFound
	}
	if role.Name != current.Name {
		if _, taken := s.roleNames[role.Name]; taken {
			return fmt.Errorf("%w: role %s", auth.ErrConflict, role.Name)
		}
		delete(s.roleNames, current.Name)
		s.roleNames[role.Name] = role.ID
	}
	s.roles[role.ID] = *cloneRole(*role)
	return nil
}

// DeleteRole removes a role. Identities keep their dangling reference, which resolves to no permissions.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(s.roles, id)
	delete(s.roleNames, role.Name)
	return nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, *cloneRole(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Revoke(ctx context.Context, entry auth.RevocationEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.revoked[entry.Fingerprint]; exists {
		return nil
	}
	s.revoked[entry.Fingerprint] = entry
	return nil
}

func (s *Store) IsRevoked(ctx context.Context, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[fingerprint]
	return ok, nil
}

func (s *Store) CreateTicket(ctx context.Context, ticket auth.ResetTicket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[ticket.SecretHash] = ticket
	return nil
}

func (s *Store) FindTicket(ctx context.Context, secretHash string) (*auth.ResetTicket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[secretHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &ticket, nil
}

func (s *Store) ConsumeTicket(ctx context.Context, secretHash string) (*auth.ResetTicket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[secretHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	delete(s.tickets, secretHash)
	return &ticket, nil
}

func (s *Store) Record(ctx context.Context, record auth.ActivityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	if record.ID == "" {
		record.ID = ids.At(record.OccurredAt)
	}
	record.Details = maps.Clone(record.Details)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, record)
	return nil
}

func (s *Store) ListActivity(ctx context.Context, email string) ([]auth.ActivityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.ActivityRecord
	for _, rec := range s.activity {
		if rec.Email == email {
			out = append(out, rec)
		}
	}
	return out, nil
}

func cloneRole(r auth.Role) *auth.Role {
	r.Permissions = append([]auth.Capability(nil), r.Permissions...)
	return &r
}
