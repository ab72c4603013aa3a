// Package snowflake implements the Snowflake connector. Unlike the
// credential-backed backends it holds a long-lived session: browser SSO
// sessions are expensive to establish, so the session pool keeps the
// connector alive between requests.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/connectors"
)

// Connector wraps an open database/sql handle on the snowflake driver.
type Connector struct {
	db     *sql.DB
	logger *zap.Logger
}

// Connect builds the DSN and establishes the session. For
// external-browser auth the Ping is what opens the browser window, so
// callers must route concurrent connects through the session pool to
// avoid duplicate prompts.
func Connect(ctx context.Context, cfg *gosnowflake.Config, logger *zap.Logger) (*Connector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn, err := gosnowflake.DSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("build snowflake dsn: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snowflake: %w", err)
	}
	// One session per connector; the pool manages multiplicity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to snowflake: %w", err)
	}

	return &Connector{db: db, logger: logger}, nil
}

// newFromDB wires a connector around an existing handle. Used by tests.
func newFromDB(db *sql.DB, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{db: db, logger: logger}
}

// TestConnection doubles as the pool's liveness probe, so it must be a
// real server round-trip rather than a local state check.
func (c *Connector) TestConnection(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("test query failed: %w", err)
	}
	return nil
}

// Query runs a read statement and collects up to maxRows rows.
func (c *Connector) Query(ctx context.Context, sqlText string, maxRows int) (*connectors.QueryResult, error) {
	queryToRun := sqlText
	if maxRows > 0 {
		queryToRun = fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", sqlText, maxRows)
	}

	rows, err := c.db.QueryContext(ctx, queryToRun)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column types: %w", err)
	}
	columns := make([]connectors.Column, len(columnTypes))
	for i, ct := range columnTypes {
		nullable, _ := ct.Nullable()
		columns[i] = connectors.Column{
			Name:       ct.Name(),
			NativeType: ct.DatabaseTypeName(),
			Type:       connectors.MapNativeType(ct.DatabaseTypeName()),
			Nullable:   nullable,
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = normalizeValue(values[i])
		}
		resultRows = append(resultRows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return &connectors.QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// ListTables returns the tables visible to the session's role,
// excluding the INFORMATION_SCHEMA.
func (c *Connector) ListTables(ctx context.Context) ([]connectors.Table, error) {
	const query = `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		  AND table_schema <> 'INFORMATION_SCHEMA'
		ORDER BY table_schema, table_name
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []connectors.Table
	for rows.Next() {
		var t connectors.Table
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

// DescribeTable returns the columns of a table in ordinal order.
// Identifiers are matched case-insensitively the way Snowflake treats
// unquoted names.
func (c *Connector) DescribeTable(ctx context.Context, tableName string) ([]connectors.Column, error) {
	schema, table := splitQualifiedName(tableName)

	query := `
		SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE UPPER(table_name) = UPPER(?)
	`
	args := []any{table}
	if schema != "" {
		query += " AND UPPER(table_schema) = UPPER(?)"
		args = append(args, schema)
	}
	query += " ORDER BY ordinal_position"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []connectors.Column
	for rows.Next() {
		var col connectors.Column
		if err := rows.Scan(&col.Name, &col.NativeType, &col.Nullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col.Type = connectors.MapNativeType(col.NativeType)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %q not found", tableName)
	}
	return columns, nil
}

// Close ends the warehouse session.
func (c *Connector) Close() error {
	return c.db.Close()
}

// normalizeValue converts driver byte slices to strings so results
// JSON-encode as text instead of base64.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func splitQualifiedName(name string) (schema, table string) {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

var _ connectors.Connector = (*Connector)(nil)
