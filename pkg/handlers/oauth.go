package handlers

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/auth"
	"github.com/gridbase-io/gridbase-engine/pkg/services"
)

// OAuthHandler drives the popup-based authorization flow. Start is an
// authenticated API call; the callback is hit by the provider redirect
// inside the popup and always answers with HTML, never JSON, because
// its audience is the opener window.
type OAuthHandler struct {
	service services.OAuthService
	logger  *zap.Logger
}

func NewOAuthHandler(service services.OAuthService, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{service: service, logger: logger}
}

// RegisterRoutes mounts the oauth endpoints on the mux.
func (h *OAuthHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/oauth/start", authMiddleware.RequireAuth(h.Start))
	mux.HandleFunc("GET /api/oauth/callback", h.Callback)
}

type oauthStartRequest struct {
	Datasource services.DatasourceInput `json:"datasource"`
}

func (h *OAuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	if !h.service.Enabled() {
		_ = ErrorResponse(w, http.StatusNotImplemented, "oauth_disabled", "No OAuth provider is configured")
		return
	}

	ownerID := auth.UserIDFromContext(r.Context())
	ownerKey := r.Header.Get(UserKeyHeader)

	var req oauthStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	authorizeURL, err := h.service.Start(&req.Datasource, ownerID, ownerKey)
	if err != nil {
		if errors.Is(err, apperrors.ErrUserKeyRequired) {
			_ = ServiceError(w, err)
			return
		}
		h.logger.Warn("failed to start oauth flow", zap.Error(err))
		_ = ErrorResponse(w, http.StatusBadRequest, "oauth_start_failed", "Could not start the authorization flow")
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data:    map[string]string{"authorize_url": authorizeURL},
	})
}

// Callback completes the exchange and renders the popup closer page.
// Failures render the same page with an error so the opener always gets
// a postMessage and the popup never strands the user.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	if providerErr := r.URL.Query().Get("error"); providerErr != "" {
		h.logger.Warn("oauth provider returned error", zap.String("error", providerErr))
		h.renderResult(w, popupResult{Error: "Authorization was denied"})
		return
	}

	datasourceID, err := h.service.Callback(r.Context(), code, state)
	if err != nil {
		h.logger.Warn("oauth callback failed", zap.Error(err))
		message := "Authorization failed"
		if errors.Is(err, apperrors.ErrStateExpired) {
			message = "Authorization took too long, please try again"
		}
		h.renderResult(w, popupResult{Error: message})
		return
	}

	h.renderResult(w, popupResult{Success: true, DatasourceID: datasourceID})
}

type popupResult struct {
	Success      bool   `json:"success"`
	DatasourceID string `json:"datasourceId,omitempty"`
	Error        string `json:"error,omitempty"`
}

var popupTemplate = template.Must(template.New("popup").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization</title></head>
<body>
<p>{{if .Result.Success}}Authorization complete. You can close this window.{{else}}{{.Result.Error}}{{end}}</p>
<script>
  if (window.opener) {
    window.opener.postMessage({{.Payload}}, "*");
  }
  window.close();
</script>
</body>
</html>
`))

func (h *OAuthHandler) renderResult(w http.ResponseWriter, result popupResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Result  popupResult
		Payload template.JS
	}{Result: result, Payload: template.JS(payload)}
	if err := popupTemplate.Execute(w, data); err != nil {
		h.logger.Error("failed to render oauth popup", zap.Error(err))
	}
}
