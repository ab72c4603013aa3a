package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/auth"
	"github.com/gridbase-io/gridbase-engine/pkg/services"
)

// DatasourcesHandler serves the datasource registry and warehouse
// operations.
type DatasourcesHandler struct {
	service services.DatasourceService
	logger  *zap.Logger
}

func NewDatasourcesHandler(service services.DatasourceService, logger *zap.Logger) *DatasourcesHandler {
	return &DatasourcesHandler{service: service, logger: logger}
}

// RegisterRoutes mounts the datasource endpoints on the mux.
func (h *DatasourcesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/datasources", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("POST /api/datasources", authMiddleware.RequireAuth(h.Create))
	mux.HandleFunc("GET /api/datasources/{id}", authMiddleware.RequireAuth(h.Get))
	mux.HandleFunc("PUT /api/datasources/{id}", authMiddleware.RequireAuth(h.Update))
	mux.HandleFunc("DELETE /api/datasources/{id}", authMiddleware.RequireAuth(h.Delete))
	mux.HandleFunc("POST /api/datasources/{id}/test", authMiddleware.RequireAuth(h.Test))
	mux.HandleFunc("POST /api/datasources/{id}/query", authMiddleware.RequireAuth(h.Query))
	mux.HandleFunc("POST /api/datasources/{id}/query-paginated", authMiddleware.RequireAuth(h.QueryPaginated))
	mux.HandleFunc("GET /api/datasources/{id}/tables", authMiddleware.RequireAuth(h.ListTables))
	mux.HandleFunc("POST /api/datasources/{id}/table-schemas", authMiddleware.RequireAuth(h.TableSchemas))
	mux.HandleFunc("GET /api/datasources/{id}/table-schemas", authMiddleware.RequireAuth(h.AllTableSchemas))
	mux.HandleFunc("POST /api/datasources/{id}/tokens", authMiddleware.RequireAuth(h.StoreTokens))
}

func (h *DatasourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())

	datasources, err := h.service.List(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to list datasources", zap.Error(err))
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: datasources})
}

func (h *DatasourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())

	ds, err := h.service.Get(r.Context(), r.PathValue("id"), ownerID)
	if err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: ds})
}

func (h *DatasourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	userKey := r.Header.Get(UserKeyHeader)

	var input services.DatasourceInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	ds, err := h.service.Create(r.Context(), ownerID, userKey, &input)
	if err != nil {
		h.logger.Warn("failed to create datasource",
			zap.String("owner_id", ownerID), zap.Error(err))
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: ds})
}

func (h *DatasourcesHandler) Update(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	userKey := r.Header.Get(UserKeyHeader)

	var input services.DatasourceInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	ds, err := h.service.Update(r.Context(), r.PathValue("id"), ownerID, userKey, &input)
	if err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: ds})
}

func (h *DatasourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())

	if err := h.service.Delete(r.Context(), r.PathValue("id"), ownerID); err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Datasource deleted"})
}

func (h *DatasourcesHandler) Test(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	userKey := r.Header.Get(UserKeyHeader)

	outcome, err := h.service.TestConnection(r.Context(), r.PathValue("id"), ownerID, userKey)
	if err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: outcome})
}

type queryRequest struct {
	SQL    string `json:"sql"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (h *DatasourcesHandler) Query(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	userKey := r.Header.Get(UserKeyHeader)

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.SQL == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "sql is required")
		return
	}

	outcome, err := h.service.ExecuteQuery(r.Context(), r.PathValue("id"), ownerID, userKey, req.SQL)
	if err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: outcome})
}

func (h *DatasourcesHandler) QueryPaginated(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	userKey := r.Header.Get(UserKeyHeader)

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.SQL == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "sql is required")
		return
	}

	outcome, err := h.service.ExecutePaginatedQuery(r.Context(), r.PathValue("id"), ownerID, userKey, req.SQL, req.Limit, req.Offset)
	if err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: outcome})
}

func (h *DatasourcesHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	userKey := r.Header.Get(UserKeyHeader)

	tables, err := h.service.ListTables(r.Context(), r.PathValue("id"), ownerID, userKey)
	if err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: tables})
}

type tableSchemasRequest struct {
	Tables []string `json:"tables"`
}

func (h *DatasourcesHandler) TableSchemas(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	userKey := r.Header.Get(UserKeyHeader)

	var req tableSchemasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if len(req.Tables) == 0 {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "tables is required")
		return
	}

	schemas, err := h.service.GetTableSchemas(r.Context(), r.PathValue("id"), ownerID, userKey, req.Tables)
	if err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: schemas})
}

func (h *DatasourcesHandler) AllTableSchemas(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	userKey := r.Header.Get(UserKeyHeader)

	schemas, err := h.service.GetAllTableSchemas(r.Context(), r.PathValue("id"), ownerID, userKey)
	if err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: schemas})
}

type storeTokensRequest struct {
	RefreshToken string     `json:"refresh_token"`
	Expiry       *time.Time `json:"expiry,omitempty"`
}

func (h *DatasourcesHandler) StoreTokens(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	userKey := r.Header.Get(UserKeyHeader)

	var req storeTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	if err := h.service.StoreOAuthTokens(r.Context(), r.PathValue("id"), ownerID, userKey, req.RefreshToken, req.Expiry); err != nil {
		_ = ServiceError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Tokens stored"})
}
