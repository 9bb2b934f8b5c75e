package rdbms

import (
	"context"
	"database/sql/driver"
	"io"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/stream"
)

// ClassifyError wraps connection-level failures in a retryable stream.SourceUnavailableError.
// Other errors, including context cancellation and SQL errors, are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sue *stream.SourceUnavailableError
	if errors.As(err, &sue) {
		return err
	}
	if IsConnectionError(err) {
		return &stream.SourceUnavailableError{Err: err}
	}
	return err
}

// IsConnectionError reports whether err means the database connection failed or was lost.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
