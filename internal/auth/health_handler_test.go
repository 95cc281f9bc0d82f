package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/radek-zitek-cloud/oc-gamma/internal/store"
	"github.com/radek-zitek-cloud/oc-gamma/internal/testutil"
)

type healthBody struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

func runHealth(t *testing.T, h *AuthHandler) (int, healthBody) {
	t.Helper()
	w := httptest.NewRecorder()
	h.CheckHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding health body: %v", err)
	}
	return w.Code, body
}

func TestCheckHealth(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		code, body := runHealth(t, &AuthHandler{PS: testutil.NewMockStore(), RS: testutil.NewMockCache(), Version: "0.1.1"})
		if code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", code)
		}
		want := healthBody{Status: "ok", Version: "0.1.1", Database: "ok", Cache: "ok"}
		if body != want {
			t.Errorf("body: expected %+v, got %+v", want, body)
		}
	})

	t.Run("disabled cache is still healthy", func(t *testing.T) {
		for name, h := range map[string]*AuthHandler{
			"noop": {PS: testutil.NewMockStore(), RS: store.NoopCache{}},
			"nil":  {PS: testutil.NewMockStore()},
		} {
			code, body := runHealth(t, h)
			if code != http.StatusOK || body.Cache != "disabled" || body.Status != "ok" {
				t.Errorf("%s: expected 200 ok/disabled, got %d %+v", name, code, body)
			}
		}
	})

	t.Run("database down is degraded", func(t *testing.T) {
		ms := testutil.NewMockStore()
		ms.CheckHealthErr = errors.New("connection refused")
		code, body := runHealth(t, &AuthHandler{PS: ms, RS: testutil.NewMockCache()})
		if code != http.StatusServiceUnavailable {
			t.Errorf("status: expected 503, got %d", code)
		}
		if body.Status != "degraded" || body.Database != "error" || body.Cache != "ok" {
			t.Errorf("body: got %+v", body)
		}
	})

	t.Run("cache down is degraded", func(t *testing.T) {
		mc := testutil.NewMockCache()
		mc.CheckHealthErr = errors.New("redis: i/o timeout")
		code, body := runHealth(t, &AuthHandler{PS: testutil.NewMockStore(), RS: mc})
		if code != http.StatusServiceUnavailable {
			t.Errorf("status: expected 503, got %d", code)
		}
		if body.Status != "degraded" || body.Cache != "error" {
			t.Errorf("body: got %+v", body)
		}
	})
}
