package components

import (
	"context"
	"database/sql"
	"strconv"
	"testing"

	"github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/rdbms"
	"github.com/relloyd/lakepipe/stream"
	td "github.com/relloyd/lakepipe/table-definition"
)

func testLogger() logger.Logger {
	return logger.NewLogger(constants.ServiceName, "error", true)
}

// newSourceDb returns an in-memory DuckDB source after running each statement in ddl.
func newSourceDb(t *testing.T, ddl ...string) (*rdbms.LpConnection, *sql.DB) {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range ddl {
		if _, err = db.ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("error running %q: %v", stmt, err)
		}
	}
	conn, err := rdbms.NewConnection(db, constants.ConnectionTypeDuckDb)
	if err != nil {
		t.Fatal(err)
	}
	return conn, db
}

// invoicesDdl creates n invoices numbered from 1.
func invoicesDdl(n int) []string {
	return []string{
		`CREATE TABLE invoices (
			id BIGINT NOT NULL,
			company_id INTEGER NOT NULL,
			status VARCHAR NOT NULL,
			description VARCHAR,
			amount_cents BIGINT,
			payment_type VARCHAR,
			updated_at TIMESTAMP NOT NULL)`,
		`INSERT INTO invoices
			SELECT i,
				CAST(i % 3 AS INTEGER),
				CASE WHEN i % 10 = 0 THEN 'cancelled' ELSE 'open' END,
				'Invoice   for  period 2024-' || lpad(CAST(i % 12 + 1 AS VARCHAR), 2, '0'),
				i * 125,
				CASE i % 4 WHEN 0 THEN 'cc' WHEN 1 THEN 'dd' WHEN 2 THEN 'cash' ELSE NULL END,
				TIMESTAMP '2024-01-01 00:00:00' + to_hours(i)
			FROM range(1, ` + strconv.Itoa(n+1) + `) t(i)`,
	}
}

func newTestExtractor(t *testing.T, db rdbms.Connector, table string, key string) *Extractor {
	t.Helper()
	e, err := NewExtractor(ExtractorConfig{
		Log:       testLogger(),
		Name:      "extract",
		Db:        db,
		Table:     rdbms.SchemaTable{SchemaTable: table},
		KeyColumn: key,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// drain reads every batch from it and returns the rows of all batches.
func drain(t *testing.T, it *BatchIterator) ([]*stream.Batch, [][]interface{}) {
	t.Helper()
	var batches []*stream.Batch
	var rows [][]interface{}
	for {
		b, err := it.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if b.IsEmpty() {
			return batches, rows
		}
		r, err := td.RecordRows(b.Record, b.Schema)
		if err != nil {
			t.Fatal(err)
		}
		batches = append(batches, b)
		rows = append(rows, r...)
	}
}
