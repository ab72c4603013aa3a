package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/auth"
	"github.com/gridbase-io/gridbase-engine/pkg/services"
)

func oauthMux(svc services.OAuthService) *http.ServeMux {
	h := NewOAuthHandler(svc, zap.NewNop())
	return testMux(func(mux *http.ServeMux, m *auth.Middleware) {
		h.RegisterRoutes(mux, m)
	})
}

func TestOAuthStartReturnsAuthorizeURL(t *testing.T) {
	svc := &stubOAuthService{
		enabled: true,
		startFn: func(draft *services.DatasourceInput, ownerID, ownerKey string) (string, error) {
			if ownerID != "user-1" || ownerKey != "alices-key" {
				t.Errorf("owner identity not forwarded: %q %q", ownerID, ownerKey)
			}
			return "https://idp.example.com/authorize?state=abc", nil
		},
	}

	req := authedRequest(http.MethodPost, "/api/oauth/start",
		`{"datasource":{"name":"Warehouse","type":"snowflake"}}`)
	req.Header.Set(UserKeyHeader, "alices-key")
	rec := httptest.NewRecorder()
	oauthMux(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	data, ok := resp.Data.(map[string]any)
	if !ok || data["authorize_url"] != "https://idp.example.com/authorize?state=abc" {
		t.Errorf("authorize url not returned: %+v", resp.Data)
	}
}

func TestOAuthStartDisabled(t *testing.T) {
	svc := &stubOAuthService{enabled: false}
	req := authedRequest(http.MethodPost, "/api/oauth/start", `{"datasource":{}}`)
	rec := httptest.NewRecorder()
	oauthMux(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestOAuthStartMissingKey(t *testing.T) {
	svc := &stubOAuthService{
		enabled: true,
		startFn: func(draft *services.DatasourceInput, ownerID, ownerKey string) (string, error) {
			return "", apperrors.ErrUserKeyRequired
		},
	}
	req := authedRequest(http.MethodPost, "/api/oauth/start", `{"datasource":{}}`)
	rec := httptest.NewRecorder()
	oauthMux(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Error != "user_key_required" {
		t.Errorf("expected user_key_required, got %q", resp.Error)
	}
}

func TestOAuthCallbackSuccessRendersPopup(t *testing.T) {
	svc := &stubOAuthService{
		enabled: true,
		callbackFn: func(ctx context.Context, code, state string) (string, error) {
			if code != "auth-code" || state != "sealed-state" {
				t.Errorf("callback params not forwarded: %q %q", code, state)
			}
			return "ds-99", nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/oauth/callback?code=auth-code&state=sealed-state", nil)
	rec := httptest.NewRecorder()
	oauthMux(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("callback must answer HTML, got %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"window.opener", "postMessage", `"success":true`, "ds-99", "window.close()"} {
		if !strings.Contains(body, want) {
			t.Errorf("popup page missing %q", want)
		}
	}
}

func TestOAuthCallbackFailureStillRendersPopup(t *testing.T) {
	svc := &stubOAuthService{
		enabled: true,
		callbackFn: func(ctx context.Context, code, state string) (string, error) {
			return "", errors.New("invalid oauth state")
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/oauth/callback?code=c&state=s", nil)
	rec := httptest.NewRecorder()
	oauthMux(svc).ServeHTTP(rec, req)

	// The opener is waiting on a postMessage either way, so even failure
	// is a 200 HTML page.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"success":false`) || !strings.Contains(body, "postMessage") {
		t.Errorf("failure page must postMessage an error: %s", body)
	}
}

func TestOAuthCallbackExpiredState(t *testing.T) {
	svc := &stubOAuthService{
		enabled: true,
		callbackFn: func(ctx context.Context, code, state string) (string, error) {
			return "", apperrors.ErrStateExpired
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/oauth/callback?code=c&state=s", nil)
	rec := httptest.NewRecorder()
	oauthMux(svc).ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "took too long") {
		t.Errorf("expired state should tell the user to retry: %s", rec.Body.String())
	}
}

func TestOAuthCallbackProviderDenied(t *testing.T) {
	called := false
	svc := &stubOAuthService{
		enabled: true,
		callbackFn: func(ctx context.Context, code, state string) (string, error) {
			called = true
			return "", nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/oauth/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	oauthMux(svc).ServeHTTP(rec, req)

	if called {
		t.Error("exchange must not run when the provider reports an error")
	}
	if !strings.Contains(rec.Body.String(), "denied") {
		t.Errorf("expected denial message, got: %s", rec.Body.String())
	}
}
