package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/auth"
	"github.com/gridbase-io/gridbase-engine/pkg/connectors"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
	"github.com/gridbase-io/gridbase-engine/pkg/services"
)

// stubDatasourceService lets each test pin the behavior of exactly the
// methods it exercises.
type stubDatasourceService struct {
	listFn        func(ctx context.Context, ownerID string) ([]*models.Datasource, error)
	getFn         func(ctx context.Context, id, ownerID string) (*models.Datasource, error)
	createFn      func(ctx context.Context, ownerID, userKey string, input *services.DatasourceInput) (*models.Datasource, error)
	updateFn      func(ctx context.Context, id, ownerID, userKey string, input *services.DatasourceInput) (*models.Datasource, error)
	deleteFn      func(ctx context.Context, id, ownerID string) error
	testFn        func(ctx context.Context, id, ownerID, userKey string) (*models.TestOutcome, error)
	queryFn       func(ctx context.Context, id, ownerID, userKey, sqlText string) (*services.QueryOutcome, error)
	pagedFn       func(ctx context.Context, id, ownerID, userKey, sqlText string, limit, offset int) (*services.PageOutcome, error)
	listTablesFn  func(ctx context.Context, id, ownerID, userKey string) ([]connectors.Table, error)
	schemasFn     func(ctx context.Context, id, ownerID, userKey string, tables []string) (map[string][]connectors.Column, error)
	allSchemasFn  func(ctx context.Context, id, ownerID, userKey string) (map[string][]connectors.Column, error)
	storeTokensFn func(ctx context.Context, id, ownerID, userKey, refreshToken string, expiry *time.Time) error
}

func (s *stubDatasourceService) List(ctx context.Context, ownerID string) ([]*models.Datasource, error) {
	return s.listFn(ctx, ownerID)
}

func (s *stubDatasourceService) Get(ctx context.Context, id, ownerID string) (*models.Datasource, error) {
	return s.getFn(ctx, id, ownerID)
}

func (s *stubDatasourceService) GetWithCredentials(ctx context.Context, id, ownerID, userKey string) (*models.Datasource, error) {
	return s.getFn(ctx, id, ownerID)
}

func (s *stubDatasourceService) Create(ctx context.Context, ownerID, userKey string, input *services.DatasourceInput) (*models.Datasource, error) {
	return s.createFn(ctx, ownerID, userKey, input)
}

func (s *stubDatasourceService) Update(ctx context.Context, id, ownerID, userKey string, input *services.DatasourceInput) (*models.Datasource, error) {
	return s.updateFn(ctx, id, ownerID, userKey, input)
}

func (s *stubDatasourceService) Delete(ctx context.Context, id, ownerID string) error {
	return s.deleteFn(ctx, id, ownerID)
}

func (s *stubDatasourceService) TestConnection(ctx context.Context, id, ownerID, userKey string) (*models.TestOutcome, error) {
	return s.testFn(ctx, id, ownerID, userKey)
}

func (s *stubDatasourceService) ExecuteQuery(ctx context.Context, id, ownerID, userKey, sqlText string) (*services.QueryOutcome, error) {
	return s.queryFn(ctx, id, ownerID, userKey, sqlText)
}

func (s *stubDatasourceService) ExecutePaginatedQuery(ctx context.Context, id, ownerID, userKey, sqlText string, limit, offset int) (*services.PageOutcome, error) {
	return s.pagedFn(ctx, id, ownerID, userKey, sqlText, limit, offset)
}

func (s *stubDatasourceService) ListTables(ctx context.Context, id, ownerID, userKey string) ([]connectors.Table, error) {
	return s.listTablesFn(ctx, id, ownerID, userKey)
}

func (s *stubDatasourceService) GetTableSchemas(ctx context.Context, id, ownerID, userKey string, tables []string) (map[string][]connectors.Column, error) {
	return s.schemasFn(ctx, id, ownerID, userKey, tables)
}

func (s *stubDatasourceService) GetAllTableSchemas(ctx context.Context, id, ownerID, userKey string) (map[string][]connectors.Column, error) {
	return s.allSchemasFn(ctx, id, ownerID, userKey)
}

func (s *stubDatasourceService) StoreOAuthTokens(ctx context.Context, id, ownerID, userKey, refreshToken string, expiry *time.Time) error {
	return s.storeTokensFn(ctx, id, ownerID, userKey, refreshToken, expiry)
}

// stubOAuthService pins the oauth flow outcomes.
type stubOAuthService struct {
	enabled    bool
	startFn    func(draft *services.DatasourceInput, ownerID, ownerKey string) (string, error)
	callbackFn func(ctx context.Context, code, state string) (string, error)
}

func (s *stubOAuthService) Enabled() bool { return s.enabled }

func (s *stubOAuthService) Start(draft *services.DatasourceInput, ownerID, ownerKey string) (string, error) {
	return s.startFn(draft, ownerID, ownerKey)
}

func (s *stubOAuthService) Callback(ctx context.Context, code, state string) (string, error) {
	return s.callbackFn(ctx, code, state)
}

// asUser is a test verifier that accepts any bearer token as the given
// subject.
type asUser string

func (v asUser) Verify(string) (*auth.Claims, error) {
	c := &auth.Claims{}
	c.Subject = string(v)
	return c, nil
}

func testMux(register func(mux *http.ServeMux, m *auth.Middleware)) *http.ServeMux {
	mux := http.NewServeMux()
	register(mux, auth.NewMiddleware(asUser("user-1"), zap.NewNop()))
	return mux
}

func authedRequest(method, target, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer test-token")
	return req
}
