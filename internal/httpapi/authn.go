package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"usergate.org/internal/auth"
	"usergate.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the bearer token to an identity and stores both in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			obs.ObserveAuthn("missing")
			unauthorized(w, r, err.Error())
			return
		}

		identity, err := a.svc.Authenticate(r.Context(), token)
		obs.ObserveAuthn(authnResult(err))
		if err != nil {
			if errors.Is(err, auth.ErrStoreUnavailable) {
				writeServiceError(w, r, err)
				return
			}
			unauthorized(w, r, "invalid token")
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), identity)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePolicy admits the request when policy allows the caller on resource with the request method.
func (a *API) requirePolicy(policy auth.Policy, resource auth.Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				unauthorized(w, r, "authentication required")
				return
			}
			verb, ok := auth.ParseVerb(r.Method)
			if !ok {
				writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			allowed, err := a.svc.Evaluate(r.Context(), identity, policy, auth.Request{Resource: resource, Verb: verb})
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			obs.ObserveDecision(resource.String(), verb.String(), allowed)
			if !allowed {
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="usergate"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func authnResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, auth.ErrExpiredToken):
		return "expired"
	case errors.Is(err, auth.ErrRevokedToken):
		return "revoked"
	case errors.Is(err, auth.ErrInactiveIdentity):
		return "inactive"
	case errors.Is(err, auth.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "invalid"
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
