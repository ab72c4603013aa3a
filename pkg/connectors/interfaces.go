// Package connectors defines the backend connector contract and the
// shared infrastructure around it: the type registry, the cross-backend
// column type vocabulary, and the SSO session pool.
package connectors

import "context"

// Connector is one open handle to an external warehouse. Each
// implementation owns its connection; callers must Close it on every
// exit path unless it is managed by the session pool.
type Connector interface {
	// TestConnection verifies the warehouse is reachable with valid
	// credentials. Also used as the cheap liveness probe by the pool.
	TestConnection(ctx context.Context) error

	// Query runs a statement and returns at most maxRows rows. The
	// statement has already passed the safety validator; the connector
	// only enforces the row cap and the connection-level timeout.
	Query(ctx context.Context, sqlText string, maxRows int) (*QueryResult, error)

	// ListTables returns the tables visible to the connection.
	ListTables(ctx context.Context) ([]Table, error)

	// DescribeTable returns column metadata for one table.
	DescribeTable(ctx context.Context, table string) ([]Column, error)

	// Close releases the connection.
	Close() error
}

// Table identifies a warehouse table.
type Table struct {
	Schema string `json:"schema,omitempty"`
	Name   string `json:"name"`
}

// Column describes one result or table column. Type is the
// cross-backend vocabulary (string/number/boolean/date/unknown);
// NativeType is the backend's own name for it.
type Column struct {
	Name       string `json:"name"`
	NativeType string `json:"native_type"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
}

// QueryResult holds the rows returned by Query.
type QueryResult struct {
	Columns  []Column         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}
