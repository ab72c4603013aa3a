// Package services implements the engine's business logic: the
// datasource registry across both tiers, warehouse query execution
// behind the safety validator, and the OAuth exchange flow.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/config"
	"github.com/gridbase-io/gridbase-engine/pkg/connectors"
	"github.com/gridbase-io/gridbase-engine/pkg/crypto"
	"github.com/gridbase-io/gridbase-engine/pkg/logging"
	"github.com/gridbase-io/gridbase-engine/pkg/metrics"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
	"github.com/gridbase-io/gridbase-engine/pkg/repositories"
	"github.com/gridbase-io/gridbase-engine/pkg/sqlsafe"
)

// DatasourceInput carries the client-writable attributes of a
// user-tier datasource.
type DatasourceInput struct {
	Name             string                  `json:"name"`
	Type             string                  `json:"type"`
	Description      string                  `json:"description"`
	AuthMethod       string                  `json:"auth_method"`
	ConnectionConfig models.ConnectionConfig `json:"connection_config"`
	Credentials      *models.Credentials     `json:"credentials,omitempty"`
}

// QueryOutcome is the result of an ad-hoc query.
type QueryOutcome struct {
	Columns    []connectors.Column `json:"columns"`
	Rows       []map[string]any    `json:"rows"`
	RowCount   int                 `json:"row_count"`
	Truncated  bool                `json:"truncated"`
	DurationMs int64               `json:"duration_ms"`
}

// PageOutcome is the result of a paginated query.
type PageOutcome struct {
	Columns    []connectors.Column `json:"columns"`
	Rows       []map[string]any    `json:"rows"`
	RowCount   int                 `json:"row_count"`
	HasMore    bool                `json:"has_more"`
	DurationMs int64               `json:"duration_ms"`
}

// DatasourceService is the registry over both tiers plus the warehouse
// operations that run against a resolved datasource.
type DatasourceService interface {
	List(ctx context.Context, ownerID string) ([]*models.Datasource, error)
	Get(ctx context.Context, id, ownerID string) (*models.Datasource, error)
	// GetWithCredentials resolves a datasource and decrypts its secret
	// material. Callers own the returned copy; it must not be logged or
	// serialized.
	GetWithCredentials(ctx context.Context, id, ownerID, userKey string) (*models.Datasource, error)
	Create(ctx context.Context, ownerID, userKey string, input *DatasourceInput) (*models.Datasource, error)
	Update(ctx context.Context, id, ownerID, userKey string, input *DatasourceInput) (*models.Datasource, error)
	Delete(ctx context.Context, id, ownerID string) error

	TestConnection(ctx context.Context, id, ownerID, userKey string) (*models.TestOutcome, error)
	ExecuteQuery(ctx context.Context, id, ownerID, userKey, sqlText string) (*QueryOutcome, error)
	ExecutePaginatedQuery(ctx context.Context, id, ownerID, userKey, sqlText string, limit, offset int) (*PageOutcome, error)
	ListTables(ctx context.Context, id, ownerID, userKey string) ([]connectors.Table, error)
	GetTableSchemas(ctx context.Context, id, ownerID, userKey string, tables []string) (map[string][]connectors.Column, error)
	GetAllTableSchemas(ctx context.Context, id, ownerID, userKey string) (map[string][]connectors.Column, error)

	// StoreOAuthTokens seals a refresh token under the owner's key and
	// persists it on a user-tier row.
	StoreOAuthTokens(ctx context.Context, id, ownerID, userKey, refreshToken string, expiry *time.Time) error
}

type datasourceService struct {
	repo  repositories.DatasourceRepository
	vault *crypto.Vault
	pool  *connectors.SessionPool
	cfg   *config.DatasourceConfig

	orgSources map[string]*models.Datasource
	orgOrder   []string

	logger *zap.Logger
}

// NewDatasourceService builds the service and synthesizes the
// organization tier from the environment.
func NewDatasourceService(
	repo repositories.DatasourceRepository,
	vault *crypto.Vault,
	pool *connectors.SessionPool,
	cfg *config.Config,
	logger *zap.Logger,
) DatasourceService {
	orgSources, orgOrder := buildOrgSources(cfg.OrgSources, nil, logger)
	return &datasourceService{
		repo:       repo,
		vault:      vault,
		pool:       pool,
		cfg:        &cfg.Datasource,
		orgSources: orgSources,
		orgOrder:   orgOrder,
		logger:     logger,
	}
}

// List returns organization sources followed by the caller's own
// sources, all redacted.
func (s *datasourceService) List(ctx context.Context, ownerID string) ([]*models.Datasource, error) {
	result := make([]*models.Datasource, 0, len(s.orgOrder))
	for _, id := range s.orgOrder {
		result = append(result, s.orgSources[id].Redacted())
	}

	owned, err := s.repo.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, ds := range owned {
		result = append(result, ds.Redacted())
	}
	return result, nil
}

func (s *datasourceService) Get(ctx context.Context, id, ownerID string) (*models.Datasource, error) {
	ds, err := s.resolve(ctx, id, ownerID, "", false)
	if err != nil {
		return nil, err
	}
	return ds.Redacted(), nil
}

func (s *datasourceService) GetWithCredentials(ctx context.Context, id, ownerID, userKey string) (*models.Datasource, error) {
	return s.resolve(ctx, id, ownerID, userKey, true)
}

func (s *datasourceService) Create(ctx context.Context, ownerID, userKey string, input *DatasourceInput) (*models.Datasource, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("datasource name is required")
	}
	if !connectors.Available(input.Type) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrBackendUnavailable, input.Type)
	}
	if models.IsOrganizationID(input.Name) {
		// Avoid client-created names masquerading as org ids in UIs.
		return nil, fmt.Errorf("datasource name must not start with %q", models.OrgIDPrefix)
	}

	ds := &models.Datasource{
		Name:             input.Name,
		Type:             input.Type,
		Description:      input.Description,
		Tier:             models.TierUser,
		AuthMethod:       input.AuthMethod,
		ConnectionConfig: input.ConnectionConfig,
		OwnerID:          ownerID,
	}
	if ds.AuthMethod == "" {
		ds.AuthMethod = models.AuthPassword
	}

	if input.Credentials != nil {
		if userKey == "" {
			return nil, apperrors.ErrUserKeyRequired
		}
		sealed, err := s.vault.Encrypt(input.Credentials, userKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		ds.EncryptedCredentials = sealed
	}

	if err := s.repo.Create(ctx, ds); err != nil {
		return nil, err
	}

	s.logger.Info("created datasource",
		zap.String("id", ds.ID),
		zap.String("owner_id", ownerID),
		zap.String("type", ds.Type))
	return ds.Redacted(), nil
}

func (s *datasourceService) Update(ctx context.Context, id, ownerID, userKey string, input *DatasourceInput) (*models.Datasource, error) {
	if models.IsOrganizationID(id) {
		return nil, apperrors.ErrOrganizationReadOnly
	}

	ds, err := s.repo.GetByID(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	if input.Name != "" {
		ds.Name = input.Name
	}
	if input.Type != "" && input.Type != ds.Type {
		if !connectors.Available(input.Type) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrBackendUnavailable, input.Type)
		}
		ds.Type = input.Type
	}
	if input.Description != "" {
		ds.Description = input.Description
	}
	if input.AuthMethod != "" {
		ds.AuthMethod = input.AuthMethod
	}
	if input.ConnectionConfig != (models.ConnectionConfig{}) {
		ds.ConnectionConfig = input.ConnectionConfig
	}
	if input.Credentials != nil {
		if userKey == "" {
			return nil, apperrors.ErrUserKeyRequired
		}
		sealed, err := s.vault.Encrypt(input.Credentials, userKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		ds.EncryptedCredentials = sealed
	}

	if err := s.repo.Update(ctx, ds); err != nil {
		return nil, err
	}
	return ds.Redacted(), nil
}

func (s *datasourceService) Delete(ctx context.Context, id, ownerID string) error {
	if models.IsOrganizationID(id) {
		return apperrors.ErrOrganizationReadOnly
	}
	if err := s.repo.Delete(ctx, id, ownerID); err != nil {
		return err
	}
	s.logger.Info("deleted datasource",
		zap.String("id", id),
		zap.String("owner_id", ownerID))
	return nil
}

// TestConnection probes the warehouse. Probe failure is an outcome, not
// an error; the outcome is persisted for user-tier rows so the catalog
// shows last-known health.
func (s *datasourceService) TestConnection(ctx context.Context, id, ownerID, userKey string) (*models.TestOutcome, error) {
	ds, err := s.resolve(ctx, id, ownerID, userKey, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.connectContext(ctx, ds)
	defer cancel()

	start := time.Now()
	probeErr := s.withConnector(ctx, ds, func(conn connectors.Connector) error {
		return conn.TestConnection(ctx)
	})
	outcome := &models.TestOutcome{
		Success:    probeErr == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if probeErr != nil {
		outcome.Error = logging.SanitizeMessage(probeErr.Error())
	}

	if ds.Tier == models.TierUser {
		result := "success"
		if !outcome.Success {
			result = "failure"
		}
		if err := s.repo.UpdateTestResult(ctx, id, ownerID, result, outcome.Error); err != nil {
			s.logger.Warn("failed to persist test result",
				zap.String("id", id), zap.Error(err))
		}
	}
	return outcome, nil
}

// ExecuteQuery validates the statement against the warehouse's visible
// tables, then runs it with the hard row cap. Fetching one row past the
// cap is how truncation is detected without a COUNT round trip.
func (s *datasourceService) ExecuteQuery(ctx context.Context, id, ownerID, userKey, sqlText string) (*QueryOutcome, error) {
	ds, err := s.resolve(ctx, id, ownerID, userKey, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.queryContext(ctx, ds)
	defer cancel()

	start := time.Now()
	var outcome *QueryOutcome
	err = s.withConnector(ctx, ds, func(conn connectors.Connector) error {
		if err := s.validateAgainstWarehouse(ctx, conn, sqlText); err != nil {
			return err
		}

		result, err := conn.Query(ctx, sqlText, s.cfg.MaxQueryRows+1)
		if err != nil {
			return err
		}

		truncated := false
		rows := result.Rows
		if len(rows) > s.cfg.MaxQueryRows {
			rows = rows[:s.cfg.MaxQueryRows]
			truncated = true
		}
		outcome = &QueryOutcome{
			Columns:   result.Columns,
			Rows:      rows,
			RowCount:  len(rows),
			Truncated: truncated,
		}
		return nil
	})

	duration := time.Since(start)
	if err != nil {
		metrics.QueryErrors.WithLabelValues(ds.Type).Inc()
		return nil, s.sanitizeQueryError(err)
	}
	metrics.QueryDuration.WithLabelValues(ds.Type).Observe(duration.Seconds())
	outcome.DurationMs = duration.Milliseconds()
	return outcome, nil
}

// ExecutePaginatedQuery wraps the statement in LIMIT/OFFSET. Fetching
// limit+1 rows derives hasMore.
func (s *datasourceService) ExecutePaginatedQuery(ctx context.Context, id, ownerID, userKey, sqlText string, limit, offset int) (*PageOutcome, error) {
	if limit <= 0 || limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	ds, err := s.resolve(ctx, id, ownerID, userKey, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.queryContext(ctx, ds)
	defer cancel()

	start := time.Now()
	var outcome *PageOutcome
	err = s.withConnector(ctx, ds, func(conn connectors.Connector) error {
		if err := s.validateAgainstWarehouse(ctx, conn, sqlText); err != nil {
			return err
		}

		paged := fmt.Sprintf("SELECT * FROM (%s) AS _page LIMIT %d OFFSET %d", sqlText, limit+1, offset)
		result, err := conn.Query(ctx, paged, 0)
		if err != nil {
			return err
		}

		hasMore := false
		rows := result.Rows
		if len(rows) > limit {
			rows = rows[:limit]
			hasMore = true
		}
		outcome = &PageOutcome{
			Columns:  result.Columns,
			Rows:     rows,
			RowCount: len(rows),
			HasMore:  hasMore,
		}
		return nil
	})

	duration := time.Since(start)
	if err != nil {
		metrics.QueryErrors.WithLabelValues(ds.Type).Inc()
		return nil, s.sanitizeQueryError(err)
	}
	metrics.QueryDuration.WithLabelValues(ds.Type).Observe(duration.Seconds())
	outcome.DurationMs = duration.Milliseconds()
	return outcome, nil
}

func (s *datasourceService) ListTables(ctx context.Context, id, ownerID, userKey string) ([]connectors.Table, error) {
	ds, err := s.resolve(ctx, id, ownerID, userKey, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.queryContext(ctx, ds)
	defer cancel()

	var tables []connectors.Table
	err = s.withConnector(ctx, ds, func(conn connectors.Connector) error {
		var err error
		tables, err = conn.ListTables(ctx)
		return err
	})
	if err != nil {
		return nil, s.sanitizeQueryError(err)
	}
	return tables, nil
}

func (s *datasourceService) GetTableSchemas(ctx context.Context, id, ownerID, userKey string, tables []string) (map[string][]connectors.Column, error) {
	ds, err := s.resolve(ctx, id, ownerID, userKey, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.queryContext(ctx, ds)
	defer cancel()

	schemas := make(map[string][]connectors.Column, len(tables))
	err = s.withConnector(ctx, ds, func(conn connectors.Connector) error {
		for _, table := range tables {
			columns, err := conn.DescribeTable(ctx, table)
			if err != nil {
				return err
			}
			schemas[table] = columns
		}
		return nil
	})
	if err != nil {
		return nil, s.sanitizeQueryError(err)
	}
	return schemas, nil
}

func (s *datasourceService) GetAllTableSchemas(ctx context.Context, id, ownerID, userKey string) (map[string][]connectors.Column, error) {
	ds, err := s.resolve(ctx, id, ownerID, userKey, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.queryContext(ctx, ds)
	defer cancel()

	schemas := make(map[string][]connectors.Column)
	err = s.withConnector(ctx, ds, func(conn connectors.Connector) error {
		tables, err := conn.ListTables(ctx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			name := t.Name
			if t.Schema != "" {
				name = t.Schema + "." + t.Name
			}
			columns, err := conn.DescribeTable(ctx, name)
			if err != nil {
				return err
			}
			schemas[name] = columns
		}
		return nil
	})
	if err != nil {
		return nil, s.sanitizeQueryError(err)
	}
	return schemas, nil
}

func (s *datasourceService) StoreOAuthTokens(ctx context.Context, id, ownerID, userKey, refreshToken string, expiry *time.Time) error {
	if models.IsOrganizationID(id) {
		return apperrors.ErrOrganizationReadOnly
	}
	if userKey == "" {
		return apperrors.ErrUserKeyRequired
	}

	sealed, err := s.vault.Encrypt(refreshToken, userKey)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	return s.repo.StoreRefreshToken(ctx, id, ownerID, sealed, expiry)
}

// resolve performs tier resolution. Organization ids are served from
// the in-memory map and never need a user key; user ids are owner
// scoped rows whose secrets require the caller's key.
func (s *datasourceService) resolve(ctx context.Context, id, ownerID, userKey string, needSecrets bool) (*models.Datasource, error) {
	if models.IsOrganizationID(id) {
		ds, ok := s.orgSources[id]
		if !ok {
			return nil, apperrors.ErrNotFound
		}
		clone := *ds
		if !needSecrets {
			clone.Credentials = nil
		}
		return &clone, nil
	}

	ds, err := s.repo.GetByID(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if !needSecrets {
		return ds, nil
	}

	if ds.EncryptedCredentials.IsComplete() {
		if userKey == "" {
			return nil, apperrors.ErrUserKeyRequired
		}
		var creds models.Credentials
		if err := s.vault.Decrypt(ds.EncryptedCredentials, userKey, &creds); err != nil {
			// Wrong key and corrupt data are indistinguishable by design;
			// either way the caller's key does not open this row.
			return nil, apperrors.ErrCredentialsKeyMismatch
		}
		ds.Credentials = &creds
	}

	// A refresh token that no longer decrypts is degraded state, not a
	// hard failure: the datasource still works for non-OAuth paths and
	// the user can re-run the OAuth flow.
	if ds.EncryptedRefreshToken.IsComplete() && userKey != "" {
		var token string
		if err := s.vault.Decrypt(ds.EncryptedRefreshToken, userKey, &token); err != nil {
			s.logger.Warn("stored refresh token does not decrypt, ignoring",
				zap.String("id", ds.ID))
		} else {
			ds.RefreshToken = token
		}
	}
	return ds, nil
}

// withConnector runs fn against the right transport for the
// datasource. Browser-SSO sessions go through the pool; everything else
// opens fresh and closes on the way out.
func (s *datasourceService) withConnector(ctx context.Context, ds *models.Datasource, fn func(connectors.Connector) error) error {
	if s.usesSessionPool(ds) {
		connect := func(ctx context.Context) (connectors.Connector, error) {
			return connectors.Open(ctx, ds, ds.Credentials, ds.RefreshToken, s.logger)
		}
		return s.pool.WithSession(ctx, ds.ID, connect, fn)
	}

	conn, err := connectors.Open(ctx, ds, ds.Credentials, ds.RefreshToken, s.logger)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(conn)
}

func (s *datasourceService) usesSessionPool(ds *models.Datasource) bool {
	return s.pool != nil &&
		ds.Type == models.TypeSnowflake &&
		ds.AuthMethod == models.AuthExternalBrowser
}

// validateAgainstWarehouse gates a statement on the safety validator
// using the warehouse's own visible tables as the whitelist.
func (s *datasourceService) validateAgainstWarehouse(ctx context.Context, conn connectors.Connector, sqlText string) error {
	tables, err := conn.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("list tables for validation: %w", err)
	}
	allowed := make([]string, 0, 2*len(tables))
	for _, t := range tables {
		allowed = append(allowed, t.Name)
		if t.Schema != "" {
			allowed = append(allowed, t.Schema+"."+t.Name)
		}
	}

	if err := sqlsafe.Validate(sqlText, allowed); err != nil {
		metrics.ValidatorRejections.Inc()
		return err
	}
	return nil
}

// sanitizeQueryError keeps typed sentinels intact for callers while
// scrubbing backend error text of connection details.
func (s *datasourceService) sanitizeQueryError(err error) error {
	var validationErr *sqlsafe.ValidationError
	if errors.As(err, &validationErr) {
		return err
	}
	if errors.Is(err, apperrors.ErrReauthRequired) ||
		errors.Is(err, apperrors.ErrBackendUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.New(logging.SanitizeMessage(err.Error()))
}

func (s *datasourceService) queryContext(ctx context.Context, ds *models.Datasource) (context.Context, context.CancelFunc) {
	// Browser-SSO paths may need to establish a session first, which
	// waits on a human.
	if s.usesSessionPool(ds) {
		return s.connectContext(ctx, ds)
	}
	return context.WithTimeout(ctx, time.Duration(s.cfg.QueryTimeoutSeconds)*time.Second)
}

func (s *datasourceService) connectContext(ctx context.Context, ds *models.Datasource) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(s.cfg.ConnectTimeoutSeconds)*time.Second)
}
