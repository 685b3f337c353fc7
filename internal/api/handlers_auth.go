package api

import (
	"errors"
	"net/http"

	"github.com/yaat/clickshield/internal/auth"
)

type credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// CheckSetup returns whether initial setup is complete
func (h *Handlers) CheckSetup(w http.ResponseWriter, r *http.Request) {
	count, err := h.db.CountAdmins(r.Context())
	if err != nil {
		h.internalError(w, err, "Failed to check setup")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"setup_complete": count > 0})
}

// Setup creates the initial admin user
func (h *Handlers) Setup(w http.ResponseWriter, r *http.Request) {
	count, err := h.db.CountAdmins(r.Context())
	if err != nil {
		h.internalError(w, err, "Failed to check setup")
		return
	}
	if count > 0 {
		writeError(w, http.StatusBadRequest, "Setup already complete")
		return
	}

	var input struct {
		credentials
		Name string `json:"name" validate:"max=255"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(input.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		h.internalError(w, err, "Failed to hash password")
		return
	}
	user := &auth.User{Email: input.Email, PasswordHash: hash, Name: input.Name, Role: auth.RoleAdmin}
	if err := h.db.CreateUser(r.Context(), user); err != nil {
		h.internalError(w, err, "Failed to create user")
		return
	}

	h.startSession(w, user)
}

// Login authenticates a user
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var input credentials
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.db.UserByEmail(r.Context(), input.Email)
	if err != nil && !errors.Is(err, auth.ErrUserNotFound) {
		h.internalError(w, err, "Failed to load user")
		return
	}
	if user == nil || !auth.VerifyPassword(input.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	h.startSession(w, user)
}

// startSession sets the session cookie and answers with the user and the
// token, for clients that authenticate with a bearer header
func (h *Handlers) startSession(w http.ResponseWriter, user *auth.User) {
	token, err := h.auth.Login(w, user)
	if err != nil {
		h.internalError(w, err, "Failed to start session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

// Logout clears the auth cookie
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.auth.Logout(w)
	w.WriteHeader(http.StatusNoContent)
}

// GetCurrentUser returns the current authenticated user
func (h *Handlers) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFrom(r.Context())
	user, err := h.db.UserByID(r.Context(), session.UserID)
	if errors.Is(err, auth.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.internalError(w, err, "Failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// ChangePassword changes the current user's password
func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFrom(r.Context())

	var input struct {
		CurrentPassword string `json:"current_password" validate:"required"`
		NewPassword     string `json:"new_password" validate:"required,min=8"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.db.UserByID(r.Context(), session.UserID)
	if err != nil || !auth.VerifyPassword(input.CurrentPassword, user.PasswordHash) {
		writeError(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(input.NewPassword)
	if err != nil {
		h.internalError(w, err, "Failed to hash password")
		return
	}
	if err := h.db.UpdatePassword(r.Context(), user.ID, hash); err != nil {
		h.internalError(w, err, "Failed to update password")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
