// Package repositories contains the catalog persistence layer. Secret
// material crosses this boundary only in sealed form; encryption and
// decryption belong to the service layer.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/database"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
)

// DatasourceRepository is the catalog access interface for user-tier
// datasources. Every read is scoped by owner and excludes soft-deleted
// rows; organization-tier sources never touch this layer.
type DatasourceRepository interface {
	// Create inserts a new datasource and fills in its generated ID.
	Create(ctx context.Context, ds *models.Datasource) error

	// GetByID retrieves an active datasource owned by ownerID.
	GetByID(ctx context.Context, id, ownerID string) (*models.Datasource, error)

	// List retrieves all active datasources owned by ownerID.
	List(ctx context.Context, ownerID string) ([]*models.Datasource, error)

	// Update modifies the mutable fields of an owned datasource.
	Update(ctx context.Context, ds *models.Datasource) error

	// Delete soft-deletes an owned datasource.
	Delete(ctx context.Context, id, ownerID string) error

	// UpdateTestResult persists the outcome of a connectivity probe.
	UpdateTestResult(ctx context.Context, id, ownerID, result, testError string) error

	// StoreRefreshToken persists a sealed OAuth refresh token and its
	// expiry.
	StoreRefreshToken(ctx context.Context, id, ownerID string, token *models.EncryptedPayload, expiry *time.Time) error
}

type datasourceRepository struct {
	db *database.DB
}

// NewDatasourceRepository creates a PostgreSQL-backed repository.
func NewDatasourceRepository(db *database.DB) DatasourceRepository {
	return &datasourceRepository{db: db}
}

const datasourceColumns = `
	id, name, datasource_type, description, auth_method, owner_id,
	connection_config, encrypted_credentials, encrypted_refresh_token,
	token_expiry, last_test_result, last_test_error, last_tested_at,
	active, created_at, updated_at`

func (r *datasourceRepository) Create(ctx context.Context, ds *models.Datasource) error {
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	ds.Active = true

	query := `
		INSERT INTO grid_datasources (
			id, name, datasource_type, description, auth_method, owner_id,
			connection_config, encrypted_credentials, encrypted_refresh_token,
			token_expiry, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.Exec(ctx, query,
		ds.ID,
		ds.Name,
		ds.Type,
		ds.Description,
		ds.AuthMethod,
		ds.OwnerID,
		ds.ConnectionConfig,
		ds.EncryptedCredentials,
		ds.EncryptedRefreshToken,
		ds.TokenExpiry,
		ds.CreatedAt,
		ds.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create datasource: %w", err)
	}
	return nil
}

// validID screens ids before they reach the UUID column. A malformed
// id cannot match any row, so it is a not-found, not a query error.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}

func (r *datasourceRepository) GetByID(ctx context.Context, id, ownerID string) (*models.Datasource, error) {
	if !validID(id) {
		return nil, apperrors.ErrNotFound
	}

	query := `
		SELECT` + datasourceColumns + `
		FROM grid_datasources
		WHERE id = $1 AND owner_id = $2 AND active`

	ds, err := scanDatasource(r.db.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get datasource: %w", err)
	}
	return ds, nil
}

func (r *datasourceRepository) List(ctx context.Context, ownerID string) ([]*models.Datasource, error) {
	query := `
		SELECT` + datasourceColumns + `
		FROM grid_datasources
		WHERE owner_id = $1 AND active
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasources: %w", err)
	}
	defer rows.Close()

	var datasources []*models.Datasource
	for rows.Next() {
		ds, err := scanDatasource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan datasource: %w", err)
		}
		datasources = append(datasources, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating datasources: %w", err)
	}
	return datasources, nil
}

func (r *datasourceRepository) Update(ctx context.Context, ds *models.Datasource) error {
	if !validID(ds.ID) {
		return apperrors.ErrNotFound
	}

	query := `
		UPDATE grid_datasources
		SET name = $3, datasource_type = $4, description = $5, auth_method = $6,
			connection_config = $7, encrypted_credentials = $8, updated_at = $9
		WHERE id = $1 AND owner_id = $2 AND active`

	result, err := r.db.Exec(ctx, query,
		ds.ID,
		ds.OwnerID,
		ds.Name,
		ds.Type,
		ds.Description,
		ds.AuthMethod,
		ds.ConnectionConfig,
		ds.EncryptedCredentials,
		time.Now(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update datasource: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *datasourceRepository) Delete(ctx context.Context, id, ownerID string) error {
	if !validID(id) {
		return apperrors.ErrNotFound
	}

	// Soft delete keeps the sealed credentials recoverable by operators
	// while removing the row from every read path.
	query := `
		UPDATE grid_datasources
		SET active = FALSE, updated_at = $3
		WHERE id = $1 AND owner_id = $2 AND active`

	result, err := r.db.Exec(ctx, query, id, ownerID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to delete datasource: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *datasourceRepository) UpdateTestResult(ctx context.Context, id, ownerID, result, testError string) error {
	if !validID(id) {
		return apperrors.ErrNotFound
	}

	query := `
		UPDATE grid_datasources
		SET last_test_result = $3, last_test_error = $4, last_tested_at = $5, updated_at = $5
		WHERE id = $1 AND owner_id = $2 AND active`

	tag, err := r.db.Exec(ctx, query, id, ownerID, result, testError, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record test result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *datasourceRepository) StoreRefreshToken(ctx context.Context, id, ownerID string, token *models.EncryptedPayload, expiry *time.Time) error {
	if !validID(id) {
		return apperrors.ErrNotFound
	}

	query := `
		UPDATE grid_datasources
		SET encrypted_refresh_token = $3, token_expiry = $4, updated_at = $5
		WHERE id = $1 AND owner_id = $2 AND active`

	tag, err := r.db.Exec(ctx, query, id, ownerID, token, expiry, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// scanDatasource maps one row onto the model. Works for both QueryRow
// and rows iteration.
func scanDatasource(row pgx.Row) (*models.Datasource, error) {
	var ds models.Datasource
	err := row.Scan(
		&ds.ID,
		&ds.Name,
		&ds.Type,
		&ds.Description,
		&ds.AuthMethod,
		&ds.OwnerID,
		&ds.ConnectionConfig,
		&ds.EncryptedCredentials,
		&ds.EncryptedRefreshToken,
		&ds.TokenExpiry,
		&ds.LastTestResult,
		&ds.LastTestError,
		&ds.LastTestedAt,
		&ds.Active,
		&ds.CreatedAt,
		&ds.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ds.Tier = models.TierUser
	return &ds, nil
}

var _ DatasourceRepository = (*datasourceRepository)(nil)
