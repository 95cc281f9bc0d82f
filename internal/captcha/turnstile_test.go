// turnstile_test.go -- unit tests for TurnstileVerifier.Verify.
package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// siteverify returns a test server answering every request with status and body.
func siteverify(t *testing.T, status int, body string, seen func(*http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestTurnstileVerifier_Verify(t *testing.T) {
	t.Run("success response returns nil", func(t *testing.T) {
		var form map[string]string
		url := siteverify(t, http.StatusOK, `{"success":true}`, func(r *http.Request) {
			r.ParseForm()
			form = map[string]string{
				"secret":   r.PostForm.Get("secret"),
				"response": r.PostForm.Get("response"),
				"remoteip": r.PostForm.Get("remoteip"),
			}
		})

		v := NewTurnstileVerifier("test-secret", url)
		if err := v.Verify(context.Background(), "token", "127.0.0.1"); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		want := map[string]string{"secret": "test-secret", "response": "token", "remoteip": "127.0.0.1"}
		for k, v := range want {
			if form[k] != v {
				t.Errorf("form %s: expected %q, got %q", k, v, form[k])
			}
		}
	})

	t.Run("rejected token wraps ErrRejected with error codes", func(t *testing.T) {
		url := siteverify(t, http.StatusOK, `{"success":false,"error-codes":["invalid-input-response"]}`, nil)

		err := NewTurnstileVerifier("test-secret", url).Verify(context.Background(), "bad-token", "127.0.0.1")
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
		if !strings.Contains(err.Error(), "invalid-input-response") {
			t.Errorf("expected error to mention error code, got %q", err.Error())
		}
	})

	t.Run("empty token is rejected without a request", func(t *testing.T) {
		called := false
		url := siteverify(t, http.StatusOK, `{"success":true}`, func(*http.Request) { called = true })

		err := NewTurnstileVerifier("test-secret", url).Verify(context.Background(), "", "127.0.0.1")
		if !errors.Is(err, ErrRejected) {
			t.Errorf("expected ErrRejected, got %v", err)
		}
		if called {
			t.Error("siteverify should not be called for an empty token")
		}
	})

	t.Run("network error is not a rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // closed before request is sent

		err := NewTurnstileVerifier("test-secret", srv.URL).Verify(context.Background(), "token", "127.0.0.1")
		if err == nil || errors.Is(err, ErrRejected) {
			t.Errorf("expected transport error, got %v", err)
		}
	})

	t.Run("non-200 status returns error", func(t *testing.T) {
		url := siteverify(t, http.StatusBadGateway, `{"success":true}`, nil)

		if err := NewTurnstileVerifier("test-secret", url).Verify(context.Background(), "token", ""); err == nil {
			t.Error("expected error for 502, got nil")
		}
	})

	t.Run("malformed JSON returns error", func(t *testing.T) {
		url := siteverify(t, http.StatusOK, "not json", nil)

		if err := NewTurnstileVerifier("test-secret", url).Verify(context.Background(), "token", ""); err == nil {
			t.Error("expected non-nil error for malformed JSON, got nil")
		}
	})

	t.Run("cancelled context returns error", func(t *testing.T) {
		url := siteverify(t, http.StatusOK, `{"success":true}`, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // cancel before calling

		if err := NewTurnstileVerifier("test-secret", url).Verify(ctx, "token", ""); err == nil {
			t.Error("expected non-nil error for cancelled context, got nil")
		}
	})

	t.Run("empty endpoint defaults to Cloudflare", func(t *testing.T) {
		if v := NewTurnstileVerifier("s", ""); v.endpoint != DefaultEndpoint {
			t.Errorf("endpoint: expected %q, got %q", DefaultEndpoint, v.endpoint)
		}
	})
}
