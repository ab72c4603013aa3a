package handlers

import (
	"net/http"
	"runtime"
	"sort"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/config"
	"github.com/gridbase-io/gridbase-engine/pkg/connectors"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Service   string   `json:"service"`
	GoVersion string   `json:"go_version"`
	Env       string   `json:"environment"`
	Backends  []string `json:"backends"`
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg    *config.Config
	logger *zap.Logger
}

func NewHealthHandler(cfg *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health returns a bare "ok" for load balancer probes.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ping returns service details including the registered backend types.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	backends := make([]string, 0)
	for _, reg := range connectors.RegisteredTypes() {
		backends = append(backends, reg.Type)
	}
	sort.Strings(backends)

	_ = WriteJSON(w, http.StatusOK, PingResponse{
		Status:    "ok",
		Version:   h.cfg.Version,
		Service:   "gridbase-engine",
		GoVersion: runtime.Version(),
		Env:       h.cfg.Env,
		Backends:  backends,
	})
}
