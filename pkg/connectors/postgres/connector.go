// Package postgres implements the credential-backed PostgreSQL
// connector. Connections are short-lived: each operation dials, runs,
// and disconnects, so no session state survives between calls.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/connectors"
)

// Connector holds the resolved configuration; it opens a fresh
// connection per operation.
type Connector struct {
	config *Config
	logger *zap.Logger
}

// New creates a PostgreSQL connector. No connection is made until the
// first operation.
func New(cfg *Config, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{config: cfg, logger: logger}
}

// withConn dials, runs fn, and always disconnects.
func (c *Connector) withConn(ctx context.Context, fn func(conn *pgx.Conn) error) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := pgx.Connect(dialCtx, buildConnectionString(c.config))
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	return fn(conn)
}

// TestConnection verifies reachability, access, and that we landed on
// the intended database rather than a default one.
func (c *Connector) TestConnection(ctx context.Context) error {
	return c.withConn(ctx, func(conn *pgx.Conn) error {
		if err := conn.Ping(ctx); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		var currentDB string
		if err := conn.QueryRow(ctx, "SELECT current_database()").Scan(&currentDB); err != nil {
			return fmt.Errorf("test query failed: %w", err)
		}
		if !strings.EqualFold(currentDB, c.config.Database) {
			return fmt.Errorf("connected to wrong database: expected %q but connected to %q", c.config.Database, currentDB)
		}
		return nil
	})
}

// Query runs a read statement and collects up to maxRows rows. The
// statement is wrapped in a subselect so the cap holds regardless of
// what the statement itself does.
func (c *Connector) Query(ctx context.Context, sqlText string, maxRows int) (*connectors.QueryResult, error) {
	queryToRun := sqlText
	if maxRows > 0 {
		queryToRun = fmt.Sprintf("SELECT * FROM (%s) AS _limited LIMIT %d", sqlText, maxRows)
	}

	var result *connectors.QueryResult
	err := c.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, queryToRun)
		if err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
		defer rows.Close()

		fieldDescs := rows.FieldDescriptions()
		columns := make([]connectors.Column, len(fieldDescs))
		for i, fd := range fieldDescs {
			native := pgTypeNameFromOID(fd.DataTypeOID)
			columns[i] = connectors.Column{
				Name:       string(fd.Name),
				NativeType: native,
				Type:       connectors.MapNativeType(native),
			}
		}

		resultRows := make([]map[string]any, 0)
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return fmt.Errorf("failed to read row values: %w", err)
			}
			rowMap := make(map[string]any, len(columns))
			for i, col := range columns {
				rowMap[col.Name] = values[i]
			}
			resultRows = append(resultRows, rowMap)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating rows: %w", err)
		}

		result = &connectors.QueryResult{
			Columns:  columns,
			Rows:     resultRows,
			RowCount: len(resultRows),
		}
		return nil
	})
	return result, err
}

// ListTables returns all user tables, excluding system schemas.
func (c *Connector) ListTables(ctx context.Context) ([]connectors.Table, error) {
	const query = `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		  AND table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY table_schema, table_name
	`

	var tables []connectors.Table
	err := c.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("query tables: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var t connectors.Table
			if err := rows.Scan(&t.Schema, &t.Name); err != nil {
				return fmt.Errorf("scan table: %w", err)
			}
			tables = append(tables, t)
		}
		return rows.Err()
	})
	return tables, err
}

// DescribeTable returns the columns of a table in ordinal order.
func (c *Connector) DescribeTable(ctx context.Context, tableName string) ([]connectors.Column, error) {
	schema, table := splitQualifiedName(tableName)

	query := `
		SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_name = $1
	`
	args := []any{table}
	if schema != "" {
		query += " AND table_schema = $2"
		args = append(args, schema)
	}
	query += " ORDER BY ordinal_position"

	var columns []connectors.Column
	err := c.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query columns: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var col connectors.Column
			if err := rows.Scan(&col.Name, &col.NativeType, &col.Nullable); err != nil {
				return fmt.Errorf("scan column: %w", err)
			}
			col.Type = connectors.MapNativeType(col.NativeType)
			columns = append(columns, col)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %q not found", tableName)
	}
	return columns, nil
}

// Close is a no-op: nothing persists between calls.
func (c *Connector) Close() error {
	return nil
}

// splitQualifiedName splits "schema.table" into its parts. A bare name
// returns an empty schema.
func splitQualifiedName(name string) (schema, table string) {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// pgTypeNameFromOID maps common PostgreSQL type OIDs to type names.
// Unknown OIDs return "unknown" and map to the unknown grid type.
func pgTypeNameFromOID(oid uint32) string {
	switch oid {
	case 16:
		return "bool"
	case 18:
		return "char"
	case 20:
		return "int8"
	case 21:
		return "int2"
	case 23:
		return "int4"
	case 25:
		return "text"
	case 26:
		return "oid"
	case 114:
		return "json"
	case 142:
		return "xml"
	case 700:
		return "float4"
	case 701:
		return "float8"
	case 790:
		return "money"
	case 1042:
		return "bpchar"
	case 1043:
		return "varchar"
	case 1082:
		return "date"
	case 1083:
		return "time"
	case 1114:
		return "timestamp"
	case 1184:
		return "timestamptz"
	case 1186:
		return "interval"
	case 1266:
		return "timetz"
	case 1700:
		return "numeric"
	case 2950:
		return "uuid"
	case 3802:
		return "jsonb"
	default:
		return "unknown"
	}
}

var _ connectors.Connector = (*Connector)(nil)
