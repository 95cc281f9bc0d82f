// password_handler.go -- Password change for the authenticated principal.
package auth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/radek-zitek-cloud/oc-gamma/internal/store"
)

// ChangePassword handles PUT /auth/me/secret (alias /auth/me/password).
// Re-verifies the current password before accepting a new one. On success
// every token issued before now stops resolving and the caller gets a fresh cookie.
// A wrong current password is 401 with no state change.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request, principal *store.User) {
	if !h.allow(w, r, opPassword, h.Limits.Password) {
		h.Metrics.secretChange("rate_limited")
		return
	}

	var changeInput struct {
		CurrentPassword string  `json:"current_password"`
		NewPassword     string  `json:"new_password"`
		ConfirmPassword *string `json:"confirm_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&changeInput); err != nil {
		logWarn(r, "failed to decode password change input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	if changeInput.CurrentPassword == "" {
		h.Metrics.secretChange("invalid_credentials")
		Unauthorized(w, r, "invalid credentials")
		return
	}

	fields := map[string]string{}
	if msg := ValidatePassword(changeInput.NewPassword); msg != "" {
		fields["new_password"] = msg
	} else if changeInput.NewPassword == changeInput.CurrentPassword {
		fields["new_password"] = "New password must differ from the current one"
	}
	if changeInput.ConfirmPassword != nil && *changeInput.ConfirmPassword != changeInput.NewPassword {
		fields["confirm_password"] = "Passwords do not match"
	}
	if len(fields) > 0 {
		h.Metrics.secretChange("invalid")
		ValidationFailed(w, r, fields)
		return
	}

	user, ok := h.loadForUpdate(w, r, principal)
	if !ok {
		return
	}

	if !VerifyPassword(changeInput.CurrentPassword, user.PasswordHash) {
		logInfo(r, "password change attempted with incorrect current password")
		h.Metrics.secretChange("invalid_credentials")
		Unauthorized(w, r, "invalid credentials")
		return
	}

	newHash, err := HashPassword(changeInput.NewPassword)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	now := h.now()
	token, err := h.Tokens.Issue(user.ID.String(), now)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	user.PasswordHash = newHash
	user.SecretChangedAt = now.UTC().Truncate(time.Microsecond)
	if !h.saveUser(w, r, user) {
		return
	}

	// Replace the caller's cookie; their old token is now revoked.
	h.Cookies.Attach(w, token, h.Tokens.ExpiresAt(now).Sub(now))
	h.Metrics.secretChange("success")
	logInfo(r, "password changed successfully")
	OK(w, "password changed")
}
