package rdbms

import (
	"context"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/logger"
)

// SqlResultHandler receives the column header and then every row of a query.
type SqlResultHandler interface {
	HandleHeader(cols []ColumnType) error
	HandleRow(row []interface{}) error
}

// ColumnType is the subset of *sql.ColumnType used to describe query results.
type ColumnType interface {
	Name() string
	DatabaseTypeName() string
	Length() (int64, bool)
	DecimalSize() (int64, int64, bool)
	Nullable() (bool, bool)
}

// SqlQuery runs sqltext with args and sends each row to handler i.
// Connection-level failures are returned as retryable stream.SourceUnavailableError.
func SqlQuery(ctx context.Context, log logger.Logger, db Connector, sqltext string, i SqlResultHandler, args ...interface{}) error {
	log.Debug("executing SQL: ", sqltext, " with args: ", args)
	rows, err := db.QueryContext(ctx, sqltext, args...)
	if err != nil {
		return errors.Wrapf(ClassifyError(err), "error during database query using SQL: '%v'", sqltext)
	}
	defer func() {
		_ = rows.Close()
	}()
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return errors.Wrap(ClassifyError(err), "error fetching column types")
	}
	header := make([]ColumnType, len(colTypes))
	for idx, v := range colTypes {
		header[idx] = v
	}
	if err = i.HandleHeader(header); err != nil {
		return err
	}
	// Scan the values dynamically.
	lenColTypes := len(colTypes)
	scanPtrs := make([]interface{}, lenColTypes)
	scanVals := make([]interface{}, lenColTypes)
	for idx := 0; idx < lenColTypes; idx++ {
		scanPtrs[idx] = &scanVals[idx]
	}
	for rows.Next() {
		if err := ctx.Err(); err != nil { // quit if asked to...
			return err
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return errors.Wrap(ClassifyError(err), "error scanning row")
		}
		// Make a new row since drivers may reuse scan buffers.
		row := make([]interface{}, lenColTypes)
		for idx, v := range scanVals {
			if b, ok := v.([]byte); ok {
				v = append([]byte(nil), b...)
			}
			row[idx] = v
		}
		if err := i.HandleRow(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(ClassifyError(err), "error reading rows")
	}
	return nil
}
