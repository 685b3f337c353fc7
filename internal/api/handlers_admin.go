package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yaat/clickshield/internal/auth"
	"github.com/yaat/clickshield/internal/database"
)

// ListUsers returns all users
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.db.ListUsers(r.Context())
	if err != nil {
		h.internalError(w, err, "Failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// CreateUser creates a new user
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8"`
		Name     string `json:"name" validate:"max=255"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !auth.ValidRole(input.Role) {
		input.Role = auth.RoleViewer
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		h.internalError(w, err, "Failed to hash password")
		return
	}
	user := &auth.User{Email: input.Email, PasswordHash: hash, Name: input.Name, Role: input.Role}
	if err := h.db.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "Email already exists")
			return
		}
		h.internalError(w, err, "Failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// DeleteUser removes a user. Operators cannot delete themselves.
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if session := auth.SessionFrom(r.Context()); session != nil && session.UserID == id {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	err := h.db.DeleteUser(r.Context(), id)
	if errors.Is(err, auth.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.internalError(w, err, "Failed to delete user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.db.ListTenants(r.Context())
	if err != nil {
		h.internalError(w, err, "Failed to list tenants")
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Name   string `json:"name" validate:"required,max=255"`
		Domain string `json:"domain" validate:"required,fqdn|hostname_port"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.db.CreateTenant(r.Context(), input.Name, input.Domain)
	if err != nil {
		h.internalError(w, err, "Failed to create tenant")
		return
	}
	h.log.Info().Int64("tenant", t.ID).Str("domain", t.Domain).Msg("tenant created")
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tenantFrom(r))
}

// UpdateTenant enables or disables tracking for a tenant
func (h *Handlers) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid tenant id")
		return
	}
	var input struct {
		IsActive *bool `json:"is_active" validate:"required"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.db.SetTenantActive(r.Context(), id, *input.IsActive)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Tenant not found")
		return
	}
	if err != nil {
		h.internalError(w, err, "Failed to update tenant")
		return
	}
	t, err := h.db.TenantByID(r.Context(), id)
	if err != nil {
		h.internalError(w, err, "Failed to load tenant")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetSnippet returns the script tag to install on the tenant's site
func (h *Handlers) GetSnippet(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	src := fmt.Sprintf("%s/pixel/%s.js", h.apiBase(r), t.PixelCode)
	writeJSON(w, http.StatusOK, map[string]string{
		"pixel_code": t.PixelCode,
		"script_url": src,
		"snippet":    fmt.Sprintf(`<script async src="%s"></script>`, src),
	})
}

// ListPageviews returns recent pageviews with their fraud snapshot
func (h *Handlers) ListPageviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := database.PageviewFilter{
		TenantID:       tenantFrom(r).ID,
		SuspiciousOnly: q.Get("suspicious") == "true",
		AdClicksOnly:   q.Get("ad_clicks") == "true",
		Limit:          intQuery(r, "limit", 100, 1, 1000),
		Offset:         intQuery(r, "offset", 0, 0, 1<<30),
	}
	if ipParam := q.Get("ip"); ipParam != "" {
		ip, ok := parseIP(ipParam)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid IP address")
			return
		}
		f.IP = ip
	}

	pageviews, err := h.db.ListPageviews(r.Context(), f)
	if err != nil {
		h.internalError(w, err, "Failed to list pageviews")
		return
	}
	writeJSON(w, http.StatusOK, pageviews)
}
