package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/config"
	"github.com/gridbase-io/gridbase-engine/pkg/connectors"
	"github.com/gridbase-io/gridbase-engine/pkg/crypto"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
	"github.com/gridbase-io/gridbase-engine/pkg/repositories"
)

const testServerKey = "0123456789abcdef0123456789abcdef"

// memoryRepo is an in-memory DatasourceRepository.
type memoryRepo struct {
	mu   sync.Mutex
	rows map[string]*models.Datasource
	next int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: make(map[string]*models.Datasource)}
}

func (r *memoryRepo) Create(ctx context.Context, ds *models.Datasource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ds.ID == "" {
		r.next++
		ds.ID = fmt.Sprintf("ds-%d", r.next)
	}
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	ds.Active = true
	clone := *ds
	r.rows[ds.ID] = &clone
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id, ownerID string) (*models.Datasource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.rows[id]
	if !ok || !ds.Active || ds.OwnerID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	clone := *ds
	return &clone, nil
}

func (r *memoryRepo) List(ctx context.Context, ownerID string) ([]*models.Datasource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*models.Datasource
	for _, ds := range r.rows {
		if ds.Active && ds.OwnerID == ownerID {
			clone := *ds
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (r *memoryRepo) Update(ctx context.Context, ds *models.Datasource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rows[ds.ID]
	if !ok || !existing.Active || existing.OwnerID != ds.OwnerID {
		return apperrors.ErrNotFound
	}
	clone := *ds
	clone.Active = true
	r.rows[ds.ID] = &clone
	return nil
}

func (r *memoryRepo) Delete(ctx context.Context, id, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.rows[id]
	if !ok || !ds.Active || ds.OwnerID != ownerID {
		return apperrors.ErrNotFound
	}
	ds.Active = false
	return nil
}

func (r *memoryRepo) UpdateTestResult(ctx context.Context, id, ownerID, result, testError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.rows[id]
	if !ok || !ds.Active || ds.OwnerID != ownerID {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	ds.LastTestResult = result
	ds.LastTestError = testError
	ds.LastTestedAt = &now
	return nil
}

func (r *memoryRepo) StoreRefreshToken(ctx context.Context, id, ownerID string, token *models.EncryptedPayload, expiry *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.rows[id]
	if !ok || !ds.Active || ds.OwnerID != ownerID {
		return apperrors.ErrNotFound
	}
	ds.EncryptedRefreshToken = token
	ds.TokenExpiry = expiry
	return nil
}

var _ repositories.DatasourceRepository = (*memoryRepo)(nil)

// stubConnector simulates a warehouse with a fixed table set and a
// dataset of totalRows rows.
type stubConnector struct {
	tables    []connectors.Table
	totalRows int
	testErr   error
	closed    bool
}

var limitOffsetPattern = regexp.MustCompile(`LIMIT (\d+) OFFSET (\d+)`)

func (c *stubConnector) TestConnection(ctx context.Context) error { return c.testErr }

func (c *stubConnector) Query(ctx context.Context, sqlText string, maxRows int) (*connectors.QueryResult, error) {
	available := c.totalRows
	if m := limitOffsetPattern.FindStringSubmatch(sqlText); m != nil {
		limit, _ := strconv.Atoi(m[1])
		offset, _ := strconv.Atoi(m[2])
		available -= offset
		if available < 0 {
			available = 0
		}
		if available > limit {
			available = limit
		}
	} else if maxRows > 0 && available > maxRows {
		available = maxRows
	}

	rows := make([]map[string]any, available)
	for i := range rows {
		rows[i] = map[string]any{"n": i}
	}
	return &connectors.QueryResult{
		Columns:  []connectors.Column{{Name: "n", NativeType: "int4", Type: connectors.TypeNumber}},
		Rows:     rows,
		RowCount: len(rows),
	}, nil
}

func (c *stubConnector) ListTables(ctx context.Context) ([]connectors.Table, error) {
	return c.tables, nil
}

func (c *stubConnector) DescribeTable(ctx context.Context, table string) ([]connectors.Column, error) {
	for _, t := range c.tables {
		if t.Name == table || t.Schema+"."+t.Name == table {
			return []connectors.Column{
				{Name: "id", NativeType: "int4", Type: connectors.TypeNumber},
				{Name: "name", NativeType: "text", Type: connectors.TypeString},
			}, nil
		}
	}
	return nil, errors.New("table not found")
}

func (c *stubConnector) Close() error {
	c.closed = true
	return nil
}

// The stub backend type routes connectors.Open to the connector set by
// the running test.
var stubBackend struct {
	mu   sync.Mutex
	conn connectors.Connector
	err  error
}

func setStubConnector(conn connectors.Connector, err error) {
	stubBackend.mu.Lock()
	defer stubBackend.mu.Unlock()
	stubBackend.conn = conn
	stubBackend.err = err
}

func init() {
	connectors.Register(connectors.Registration{
		Type:        "stubtest",
		DisplayName: "Stub",
		Factory: func(ctx context.Context, ds *models.Datasource, creds *models.Credentials, refreshToken string, logger *zap.Logger) (connectors.Connector, error) {
			stubBackend.mu.Lock()
			defer stubBackend.mu.Unlock()
			return stubBackend.conn, stubBackend.err
		},
	})
}

func newTestService(repo repositories.DatasourceRepository, orgSources map[string]*models.Datasource, orgOrder []string) (*datasourceService, *crypto.Vault) {
	vault, err := crypto.NewVault(testServerKey)
	if err != nil {
		panic(err)
	}
	return &datasourceService{
		repo:  repo,
		vault: vault,
		cfg: &config.DatasourceConfig{
			MaxQueryRows:          100,
			MaxPageSize:           50,
			QueryTimeoutSeconds:   60,
			ConnectTimeoutSeconds: 120,
		},
		orgSources: orgSources,
		orgOrder:   orgOrder,
		logger:     zap.NewNop(),
	}, vault
}
