// profile_handler.go -- Handlers for the authenticated principal's own profile.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/radek-zitek-cloud/oc-gamma/internal/store"
)

// Me handles GET /auth/me -- returns the resolved principal.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request, user *store.User) {
	writeJSON(w, http.StatusOK, newPrincipalResponse(user))
}

// UpdateMe handles PUT /auth/me -- partial update of email and full_name.
// Omitted or null fields are left unchanged. 409 if the new email is taken.
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request, principal *store.User) {
	var updateInput struct {
		Email    *string `json:"email"`
		FullName *string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&updateInput); err != nil {
		logWarn(r, "failed to decode profile update", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	fields := map[string]string{}
	var email string
	if updateInput.Email != nil {
		email = NormalizeEmail(*updateInput.Email)
		if msg := ValidateEmail(email); msg != "" {
			fields["email"] = msg
		}
	}
	if updateInput.FullName != nil {
		if msg := ValidateFullName(*updateInput.FullName); msg != "" {
			fields["full_name"] = msg
		}
	}
	if len(fields) > 0 {
		ValidationFailed(w, r, fields)
		return
	}

	if updateInput.Email == nil && updateInput.FullName == nil {
		writeJSON(w, http.StatusOK, newPrincipalResponse(principal))
		return
	}

	user, ok := h.loadForUpdate(w, r, principal)
	if !ok {
		return
	}
	if updateInput.Email != nil {
		user.Email = email
	}
	if updateInput.FullName != nil {
		name := strings.TrimSpace(*updateInput.FullName)
		user.FullName = &name
		if name == "" {
			user.FullName = nil
		}
	}

	if !h.saveUser(w, r, user) {
		return
	}
	logInfo(r, "user profile updated")
	writeJSON(w, http.StatusOK, newPrincipalResponse(user))
}

// UpdateTheme handles PATCH /auth/me/theme -- sets light, dark or system.
func (h *AuthHandler) UpdateTheme(w http.ResponseWriter, r *http.Request, principal *store.User) {
	if !h.allow(w, r, opTheme, h.Limits.Theme) {
		return
	}

	var themeInput struct {
		ThemePreference string `json:"theme_preference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&themeInput); err != nil {
		logWarn(r, "failed to decode theme update", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if msg := ValidateTheme(themeInput.ThemePreference); msg != "" {
		ValidationFailed(w, r, map[string]string{"theme_preference": msg})
		return
	}

	user, ok := h.loadForUpdate(w, r, principal)
	if !ok {
		return
	}
	user.ThemePreference = themeInput.ThemePreference
	if !h.saveUser(w, r, user) {
		return
	}
	logInfo(r, "theme preference updated", "theme", user.ThemePreference)
	writeJSON(w, http.StatusOK, newPrincipalResponse(user))
}

// loadForUpdate re-reads the principal from the store so writes start from
// the full row (a cached principal carries no password hash).
func (h *AuthHandler) loadForUpdate(w http.ResponseWriter, r *http.Request, principal *store.User) (*store.User, bool) {
	user, err := h.PS.FindByID(r.Context(), principal.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logWarn(r, "principal vanished before update")
			Unauthorized(w, r, "unauthorized")
			return nil, false
		}
		InternalServerError(w, r, err)
		return nil, false
	}
	return user, true
}

// saveUser writes user and invalidates its cache entry; writes the error response on failure.
func (h *AuthHandler) saveUser(w http.ResponseWriter, r *http.Request, user *store.User) bool {
	if err := h.PS.Update(r.Context(), user); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			logInfo(r, "profile update collided with existing email or username")
			Conflict(w, r)
		case errors.Is(err, store.ErrNotFound):
			Unauthorized(w, r, "unauthorized")
		default:
			logError(r, "failed to update user", "error", err)
			InternalServerError(w, r, err)
		}
		return false
	}
	h.invalidate(r, user.ID)
	return true
}
