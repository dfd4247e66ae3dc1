package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAccessTTL    = 5 * time.Minute
	DefaultRefreshTTL   = 24 * time.Hour
	DefaultStoreTimeout = 3 * time.Second
	DefaultAdminRole    = "Admin"
	DefaultResetBaseURL = "http://localhost:8000/api/v1/account/password/recover/"
)

// Activity actions emitted by the service.
const (
	ActionLogin         = "login"
	ActionLogout        = "logout"
	ActionRefresh       = "refresh"
	ActionResetRequest  = "password_reset_request"
	ActionResetComplete = "password_reset"
)

// Service is the authentication and authorization decision engine.
type Service struct {
	creds    CredentialStore
	ledger   RevocationLedger
	tickets  TicketStore
	recorder ActivityRecorder
	mailer   Mailer
	hasher   PasswordHasher
	logger   *zap.Logger
	now      func() time.Time

	codec         *tokenCodec
	tokenSecret   []byte
	privateKey    *rsa.PrivateKey
	publicKey     *rsa.PublicKey
	keyID         string
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	storeTimeout  time.Duration
	adminRole     string
	resetBaseURL  string
	concealEmails bool

	evaluator *Evaluator
	// dummyHash is verified against when the email is unknown so both paths cost the same.
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret signs tokens with HS256 using secret.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		s.tokenSecret = []byte(secret)
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying JWTs. It takes precedence over a secret.
func WithRS256Keys(privatePEM, publicPEM string) ServiceOption {
	return func(s *Service) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		s.privateKey = priv
		s.publicKey = pub
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) ServiceOption {
	return func(s *Service) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer sets the iss claim written and required on every token.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithStoreTimeout bounds every store lookup made by the service.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func WithRecorder(r ActivityRecorder) ServiceOption {
	return func(s *Service) error {
		if r != nil {
			s.recorder = r
		}
		return nil
	}
}

func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.mailer = m
		}
		return nil
	}
}

func WithPasswordHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithAdminRole sets the role name that satisfies AdminPolicy.
func WithAdminRole(name string) ServiceOption {
	return func(s *Service) error {
		if name = strings.TrimSpace(name); name != "" {
			s.adminRole = name
		}
		return nil
	}
}

// WithResetBaseURL sets the prefix of delivered reset links. The secret and a trailing slash are appended.
func WithResetBaseURL(base string) ServiceOption {
	return func(s *Service) error {
		base = strings.TrimSpace(base)
		if base == "" {
			return nil
		}
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		s.resetBaseURL = base
		return nil
	}
}

// WithConcealUnknownEmail makes reset requests for unknown emails succeed silently.
func WithConcealUnknownEmail(conceal bool) ServiceOption {
	return func(s *Service) error {
		s.concealEmails = conceal
		return nil
	}
}

// NewService wires the engine to its collaborators.
func NewService(creds CredentialStore, ledger RevocationLedger, tickets TicketStore, opts ...ServiceOption) (*Service, error) {
	if creds == nil || ledger == nil || tickets == nil {
		return nil, errors.New("auth: credential store, revocation ledger and ticket store are required")
	}
	svc := &Service{
		creds:        creds,
		ledger:       ledger,
		tickets:      tickets,
		recorder:     nopRecorder{},
		mailer:       nopMailer{},
		hasher:       NewArgon2Hasher(),
		logger:       zap.NewNop(),
		now:          time.Now,
		accessTTL:    DefaultAccessTTL,
		refreshTTL:   DefaultRefreshTTL,
		storeTimeout: DefaultStoreTimeout,
		adminRole:    DefaultAdminRole,
		resetBaseURL: DefaultResetBaseURL,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(svc); err != nil {
			return nil, err
		}
	}

	switch {
	case svc.privateKey != nil:
		svc.codec = newRSACodec(svc.privateKey, svc.publicKey)
	case len(svc.tokenSecret) > 0:
		svc.codec = newHMACCodec(svc.tokenSecret)
	default:
		return nil, errors.New("auth: signing key is not configured")
	}
	svc.codec.keyID = svc.keyID
	svc.codec.issuer = svc.issuer
	svc.codec.now = svc.now

	dummy, err := svc.hasher.Hash("usergate-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("auth: prepare hasher: %w", err)
	}
	svc.dummyHash = dummy
	svc.evaluator = NewEvaluator(creds, svc.storeTimeout)
	return svc, nil
}

// AdminRole returns the distinguished admin role name.
func (s *Service) AdminRole() string { return s.adminRole }

// IssueSession verifies credentials and returns a fresh token pair.
// Unknown email, wrong password and inactive account all yield ErrAuthentication.
func (s *Service) IssueSession(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrAuthentication
	}

	identity, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*Identity, error) {
		return s.creds.FindIdentityByEmail(ctx, email)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.hasher.Verify(s.dummyHash, password)
			s.record(ctx, email, ActionLogin, StatusFailed, map[string]string{"reason": "invalid credentials"})
			return nil, ErrAuthentication
		}
		return nil, storeError("find identity", err)
	}
	if !s.hasher.Verify(identity.PasswordHash, password) {
		s.record(ctx, email, ActionLogin, StatusFailed, map[string]string{"reason": "invalid credentials"})
		return nil, ErrAuthentication
	}
	if !identity.IsActive {
		s.record(ctx, email, ActionLogin, StatusFailed, map[string]string{"reason": "inactive"})
		return nil, ErrAuthentication
	}

	pair, err := s.issuePair(identity.ID)
	if err != nil {
		return nil, err
	}
	session := &Session{
		Tokens:     pair,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Role:       s.roleName(ctx, identity),
	}
	s.record(ctx, identity.Email, ActionLogin, StatusSuccess, nil)
	return session, nil
}

// RefreshSession exchanges a refresh token for a new pair and revokes the presented token.
func (s *Service) RefreshSession(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		return nil, ErrInvalidToken
	}
	identity, err := s.validate(ctx, rawRefresh, TokenRefresh)
	if err != nil {
		return nil, err
	}
	if err := s.revoke(ctx, rawRefresh); err != nil {
		return nil, err
	}
	pair, err := s.issuePair(identity.ID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, identity.Email, ActionRefresh, StatusSuccess, nil)
	return &pair, nil
}

// RevokeSession appends the token's fingerprint to the ledger. Revoking twice is a no-op.
func (s *Service) RevokeSession(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrInvalidToken
	}
	if err := s.revoke(ctx, rawToken); err != nil {
		return err
	}
	if identity, ok := IdentityFromContext(ctx); ok {
		s.record(ctx, identity.Email, ActionLogout, StatusSuccess, nil)
	}
	return nil
}

// RevokeRefresh revokes a refresh token held by ownerID. A token issued to another identity is
// rejected with ErrInvalidToken and left untouched. An expired token needs no revocation.
func (s *Service) RevokeRefresh(ctx context.Context, ownerID, rawRefresh string) error {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" || ownerID == "" {
		return ErrInvalidToken
	}
	claims, err := s.codec.parse(rawRefresh, TokenRefresh)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return nil
		}
		return err
	}
	if claims.UserID != ownerID {
		return ErrInvalidToken
	}
	return s.revoke(ctx, rawRefresh)
}

// Authenticate resolves a bearer token to an identity.
// An empty token yields (nil, nil): no identity, no error.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (*Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, nil
	}
	return s.validate(ctx, rawToken, TokenAccess)
}

// Authorize applies the capability policy for resource and verb.
func (s *Service) Authorize(ctx context.Context, identity *Identity, resource Resource, verb Verb) (bool, error) {
	return s.Evaluate(ctx, identity, CapabilityPolicy{}, Request{Resource: resource, Verb: verb})
}

// IsAdmin applies the name-based admin policy.
func (s *Service) IsAdmin(ctx context.Context, identity *Identity) (bool, error) {
	return s.Evaluate(ctx, identity, s.AdminPolicy(), Request{})
}

// AdminPolicy returns the name-based policy for the configured admin role.
func (s *Service) AdminPolicy() Policy {
	return AdminPolicy{RoleName: s.adminRole}
}

// Evaluate runs an arbitrary policy against a freshly resolved role.
func (s *Service) Evaluate(ctx context.Context, identity *Identity, policy Policy, req Request) (bool, error) {
	return s.evaluator.Evaluate(ctx, identity, policy, req)
}

// AssignRole points an identity at the named role. The update only applies if the identity still exists.
func (s *Service) AssignRole(ctx context.Context, identityID, roleName string) (*Identity, error) {
	identityID = strings.TrimSpace(identityID)
	roleName = strings.TrimSpace(roleName)
	if identityID == "" || roleName == "" {
		return nil, fmt.Errorf("%w: identity id and role name are required", ErrInvalidInput)
	}
	role, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*Role, error) {
		return s.creds.FindRoleByName(ctx, roleName)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, storeError("find role", err)
	}
	roleID := role.ID
	updated, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*Identity, error) {
		return s.creds.UpdateIdentity(ctx, identityID, IdentityPatch{RoleID: &roleID})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, storeError("update identity", err)
	}
	return updated, nil
}

func (s *Service) validate(ctx context.Context, raw string, want TokenType) (*Identity, error) {
	fingerprint := Fingerprint(raw)
	revoked, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (bool, error) {
		return s.ledger.IsRevoked(ctx, fingerprint)
	})
	if err != nil {
		return nil, storeError("check revocation", err)
	}
	if revoked {
		return nil, ErrRevokedToken
	}

	claims, err := s.codec.parse(raw, want)
	if err != nil {
		return nil, err
	}

	identity, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*Identity, error) {
		return s.creds.FindIdentityByID(ctx, claims.UserID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnknownIdentity
		}
		return nil, storeError("find identity", err)
	}
	if !identity.IsActive {
		return nil, ErrInactiveIdentity
	}
	return identity, nil
}

func (s *Service) revoke(ctx context.Context, raw string) error {
	entry := RevocationEntry{Fingerprint: Fingerprint(raw), RevokedAt: s.now().UTC()}
	_, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.ledger.Revoke(ctx, entry)
	})
	if err != nil {
		return storeError("revoke token", err)
	}
	return nil
}

func (s *Service) issuePair(identityID string) (TokenPair, error) {
	access, accessExp, err := s.codec.issue(identityID, TokenAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.codec.issue(identityID, TokenRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// roleName resolves the identity's role for display. Any failure reads as no role.
func (s *Service) roleName(ctx context.Context, identity *Identity) string {
	if !identity.HasRole() {
		return ""
	}
	role, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*Role, error) {
		return s.creds.FindRoleByID(ctx, identity.RoleID)
	})
	if err != nil || role == nil {
		return ""
	}
	return role.Name
}

// record emits an activity record. Failures are logged and swallowed.
func (s *Service) record(ctx context.Context, email, action, status string, details map[string]string) {
	rec := ActivityRecord{
		Email:      email,
		Action:     action,
		Status:     status,
		Details:    details,
		OccurredAt: s.now().UTC(),
	}
	_, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.recorder.Record(ctx, rec)
	})
	if err != nil {
		s.logger.Warn("activity record failed",
			zap.String("action", action),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// bounded runs fn with a deadline so no store call blocks past timeout.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

// storeError passes domain errors through and marks everything else as unavailable.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidInput):
		return err
	default:
		return Unavailable(op, err)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM data")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an RSA private key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM data")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported key type %q", block.Type)
	}
}
