package snowflake

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func TestQueryAppliesRowCap(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	conn := newFromDB(db, zap.NewNop())

	mock.ExpectQuery("SELECT * FROM (SELECT id, name FROM orders) LIMIT 3").
		WillReturnRows(sqlmock.NewRows([]string{"ID", "NAME"}).
			AddRow(1, "alpha").
			AddRow(2, "beta"))

	result, err := conn.Query(context.Background(), "SELECT id, name FROM orders", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount != 2 {
		t.Errorf("expected 2 rows, got %d", result.RowCount)
	}
	if len(result.Columns) != 2 || result.Columns[0].Name != "ID" {
		t.Errorf("unexpected columns: %+v", result.Columns)
	}
	if result.Rows[1]["NAME"] != "beta" {
		t.Errorf("unexpected row values: %+v", result.Rows[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestQueryWithoutCapPassesThrough(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	conn := newFromDB(db, zap.NewNop())

	mock.ExpectQuery("SELECT count(*) FROM orders").
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(42))

	result, err := conn.Query(context.Background(), "SELECT count(*) FROM orders", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount != 1 {
		t.Errorf("expected 1 row, got %d", result.RowCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestQueryNormalizesByteValues(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	conn := newFromDB(db, zap.NewNop())

	mock.ExpectQuery("SELECT payload FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"PAYLOAD"}).AddRow([]byte(`{"k":1}`)))

	result, err := conn.Query(context.Background(), "SELECT payload FROM events", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, ok := result.Rows[0]["PAYLOAD"].(string); !ok || got != `{"k":1}` {
		t.Errorf("expected byte slice normalized to string, got %#v", result.Rows[0]["PAYLOAD"])
	}
}

func TestTestConnectionRoundTrips(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	conn := newFromDB(db, zap.NewNop())

	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	if err := conn.TestConnection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDescribeTableUnknownTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	conn := newFromDB(db, zap.NewNop())

	mock.ExpectQuery("SELECT column_name").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}))

	if _, err := conn.DescribeTable(context.Background(), "nope"); err == nil {
		t.Fatal("expected not-found error for empty column set")
	}
}
