package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"usergate.org/internal/auth"
	"usergate.org/internal/obs"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Access           string    `json:"access"`
	Refresh          string    `json:"refresh"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UserID           string    `json:"user_id,omitempty"`
	Email            string    `json:"email,omitempty"`
	Role             string    `json:"role,omitempty"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type logoutRequest struct {
	Refresh string `json:"refresh"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type recoverRequest struct {
	Password string `json:"password"`
}

type messageResponse struct {
	Message   string `json:"message"`
	ResetLink string `json:"reset_link,omitempty"`
}

func pairResponse(p auth.TokenPair) tokenResponse {
	return tokenResponse{
		Access:           p.AccessToken,
		Refresh:          p.RefreshToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, err := a.svc.IssueSession(r.Context(), req.Email, req.Password)
	if err != nil {
		obs.ObserveAuthn("login_failed")
		writeServiceError(w, r, err)
		return
	}
	obs.ObserveAuthn("login_success")

	resp := pairResponse(session.Tokens)
	resp.UserID = session.IdentityID
	resp.Email = session.Email
	resp.Role = session.Role
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.svc.RefreshSession(r.Context(), req.Refresh)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(*pair))
}

// handleLogout revokes the presented access token and, when supplied, the caller's own refresh token.
// A refresh token belonging to someone else fails the whole request before anything is revoked.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	if req.Refresh != "" && identity != nil {
		if err := a.svc.RevokeRefresh(r.Context(), identity.ID, req.Refresh); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.RevokeSession(r.Context(), token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (a *API) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		obs.ObservePasswordReset("request", "failed")
		if errors.Is(err, auth.ErrIdentityNotFound) {
			writeError(w, r, http.StatusNotFound, "user with this email does not exist")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	obs.ObservePasswordReset("request", "success")

	resp := messageResponse{Message: "password reset link sent"}
	if a.cfg.ExposeResetLink {
		resp.ResetLink = res.Link
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePasswordRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ConsumePasswordReset(r.Context(), chi.URLParam(r, "token"), req.Password); err != nil {
		result := "invalid"
		if errors.Is(err, auth.ErrExpiredTicket) {
			result = "expired"
		}
		obs.ObservePasswordReset("consume", result)
		writeServiceError(w, r, err)
		return
	}
	obs.ObservePasswordReset("consume", "success")
	writeJSON(w, http.StatusOK, messageResponse{Message: "password has been reset"})
}
