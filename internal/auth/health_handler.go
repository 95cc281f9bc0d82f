// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"errors"
	"net/http"

	"github.com/radek-zitek-cloud/oc-gamma/internal/store"
)

// CheckHealth handles GET /health -- pings the database and principal cache,
// returns per-dependency status and the service version.
// Returns 200 if both are healthy (or the cache is disabled), 503 otherwise.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	cacheStatus := "ok"
	databaseStatus := "ok"

	if h.RS == nil {
		cacheStatus = "disabled"
	} else if err := h.RS.CheckHealth(r.Context()); err != nil {
		if errors.Is(err, store.ErrCacheDisabled) {
			cacheStatus = "disabled"
		} else {
			logError(r, "cache health check failed", "error", err)
			cacheStatus = "error"
		}
	}
	if err := h.PS.CheckHealth(r.Context()); err != nil {
		logError(r, "database health check failed", "error", err)
		databaseStatus = "error"
	}

	status, code := "ok", http.StatusOK
	if cacheStatus == "error" || databaseStatus == "error" {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Database string `json:"database"`
		Cache    string `json:"cache"`
	}{status, h.Version, databaseStatus, cacheStatus})
}
