package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"usergate.org/internal/auth"
)

// Admin actions recorded in the activity trail under the acting identity.
const (
	actionUserCreate     = "user_create"
	actionUserUpdate     = "user_update"
	actionUserDeactivate = "user_deactivate"
	actionRoleAssign     = "role_assign"
	actionRoleCreate     = "role_create"
	actionRoleUpdate     = "role_update"
)

type userView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	IsActive  bool      `json:"is_active"`
	RoleID    string    `json:"role_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func viewUser(i *auth.Identity) userView {
	return userView{
		ID:        i.ID,
		Email:     i.Email,
		FullName:  i.FullName,
		IsActive:  i.IsActive,
		RoleID:    i.RoleID,
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

type roleView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Permissions []auth.Capability `json:"permissions"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func viewRole(r *auth.Role) roleView {
	perms := r.Permissions
	if perms == nil {
		perms = []auth.Capability{}
	}
	return roleView{ID: r.ID, Name: r.Name, Permissions: perms, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

type activityView struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	Status     string            `json:"status"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	RoleName string `json:"role_name"`
}

type updateUserRequest struct {
	Email    *string `json:"email"`
	FullName *string `json:"full_name"`
	Password *string `json:"password"`
	IsActive *bool   `json:"is_active"`
}

type assignRoleRequest struct {
	RoleName string `json:"role_name"`
}

type roleRequest struct {
	Name        *string            `json:"name"`
	Permissions *[]auth.Capability `json:"permissions"`
}

func (a *API) mountUsers(r chi.Router) {
	byCapability := a.requirePolicy(auth.CapabilityPolicy{}, auth.ResourceUser)
	adminOnly := a.requirePolicy(a.svc.AdminPolicy(), auth.ResourceUser)

	r.Route("/users", func(r chi.Router) {
		r.With(byCapability).Get("/", a.handleListUsers)
		r.With(byCapability).Post("/", a.handleCreateUser)
		r.With(byCapability).Get("/{id}", a.handleGetUser)
		r.With(byCapability).Patch("/{id}", a.handleUpdateUser)
		r.With(byCapability).Patch("/{id}/deactivate", a.handleDeactivateUser)
		r.With(adminOnly).Get("/{id}/roles", a.handleUserRole)
		r.With(adminOnly).Patch("/{id}/roles", a.handleAssignRole)
		r.With(adminOnly).Get("/{id}/activity", a.handleUserActivity)
	})
}

func (a *API) mountRoles(r chi.Router) {
	byCapability := a.requirePolicy(auth.CapabilityPolicy{}, auth.ResourceRole)

	r.Route("/roles", func(r chi.Router) {
		r.Use(byCapability)
		r.Get("/", a.handleListRoles)
		r.Post("/", a.handleCreateRole)
		r.Get("/{id}", a.handleGetRole)
		r.Put("/{id}", a.handleUpdateRole)
	})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.admin.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for i := range users {
		out = append(out, viewUser(&users[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.admin.CreateUser(r.Context(), auth.NewUser{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		RoleName: req.RoleName,
	})
	if err != nil {
		a.audit(r.Context(), actionUserCreate, err, map[string]string{"email": req.Email})
		writeServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), actionUserCreate, nil, map[string]string{"user_id": user.ID, "email": user.Email})
	w.Header().Set("Location", fmt.Sprintf("/api/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, viewUser(user))
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.admin.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	user, err := a.admin.UpdateUser(r.Context(), id, auth.UserUpdate{
		Email:    trimmed(req.Email),
		FullName: trimmed(req.FullName),
		Password: req.Password,
		IsActive: req.IsActive,
	})
	a.audit(r.Context(), actionUserUpdate, err, map[string]string{"user_id": id})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, err := a.admin.DeactivateUser(r.Context(), id)
	a.audit(r.Context(), actionUserDeactivate, err, map[string]string{"user_id": id})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

func (a *API) handleUserRole(w http.ResponseWriter, r *http.Request) {
	user, err := a.admin.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	role, err := a.admin.RoleOf(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := map[string]any{"user_id": user.ID, "role": nil}
	if role != nil {
		resp["role"] = viewRole(role)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.audit(r.Context(), actionRoleAssign, err, map[string]string{"user_id": id})
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.AssignRole(r.Context(), id, req.RoleName)
	a.audit(r.Context(), actionRoleAssign, err, map[string]string{"user_id": id, "role_name": req.RoleName})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

func (a *API) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	records, err := a.admin.UserActivity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]activityView, 0, len(records))
	for _, rec := range records {
		out = append(out, activityView{
			ID:         rec.ID,
			Action:     rec.Action,
			Status:     rec.Status,
			Details:    rec.Details,
			OccurredAt: rec.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.admin.ListRoles(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]roleView, 0, len(roles))
	for i := range roles {
		out = append(out, viewRole(&roles[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var name string
	var perms []auth.Capability
	if req.Name != nil {
		name = *req.Name
	}
	if req.Permissions != nil {
		perms = *req.Permissions
	}
	role, err := a.admin.CreateRole(r.Context(), name, perms)
	if err != nil {
		a.audit(r.Context(), actionRoleCreate, err, map[string]string{"name": name})
		writeServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), actionRoleCreate, nil, map[string]string{"role_id": role.ID, "name": role.Name})
	w.Header().Set("Location", fmt.Sprintf("/api/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, viewRole(role))
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.admin.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRole(role))
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	role, err := a.admin.UpdateRole(r.Context(), id, auth.RoleUpdate{
		Name:        req.Name,
		Permissions: req.Permissions,
	})
	a.audit(r.Context(), actionRoleUpdate, err, map[string]string{"role_id": id})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRole(role))
}
