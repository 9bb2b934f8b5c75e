package rdbms

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/logger"
	"github.com/xo/dburl"
)

// Connector abstracts access to Go SQL functionality for a single source database.
type Connector interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Close() error
	// Lakepipe functionality:
	GetType() string
	GetDialect() Dialect
}

// LpConnection implements Connector around a database/sql handle.
type LpConnection struct {
	DbSql   *sql.DB
	DbType  string
	dialect Dialect
}

func (c *LpConnection) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.DbSql.QueryContext(ctx, query, args...)
}

func (c *LpConnection) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.DbSql.ExecContext(ctx, query, args...)
}

func (c *LpConnection) Close() error {
	return c.DbSql.Close()
}

func (c *LpConnection) GetType() string {
	return c.DbType
}

func (c *LpConnection) GetDialect() Dialect {
	return c.dialect
}

// NewConnection wraps an open *sql.DB of the given connection type.
func NewConnection(db *sql.DB, connectionType string) (*LpConnection, error) {
	d, err := GetDialect(connectionType)
	if err != nil {
		return nil, err
	}
	return &LpConnection{DbSql: db, DbType: connectionType, dialect: d}, nil
}

// DsnConnectionDetails is a simple struct to hold a DSN only.
type DsnConnectionDetails struct {
	Dsn string `errorTxt:"data source name i.e. connect string" mandatory:"yes"`
}

// String returns the DSN with redacted password.
func (d DsnConnectionDetails) String() string {
	if _, path, ok := duckDbPath(d.Dsn); ok {
		return "duckdb:" + path
	}
	u, err := dburl.Parse(d.Dsn)
	if err != nil {
		return "<unparseable DSN>"
	}
	return u.Redacted()
}

// duckDbPath returns the database file of a DSN like duckdb:/path/to/file.db or duckdb::memory:.
// An empty path opens an in-memory database.
func duckDbPath(dsn string) (string, string, bool) {
	for _, prefix := range []string{"duckdb://", "duckdb:"} {
		if strings.HasPrefix(dsn, prefix) {
			path := strings.TrimPrefix(dsn, prefix)
			if path == ":memory:" {
				path = ""
			}
			return "duckdb", path, true
		}
	}
	return "", "", false
}

// ParseDsn returns the connection type, database/sql driver name and driver DSN for dsn.
func ParseDsn(dsn string) (connectionType string, driver string, driverDsn string, err error) {
	if drv, path, ok := duckDbPath(dsn); ok {
		return constants.ConnectionTypeDuckDb, drv, path, nil
	}
	u, err := dburl.Parse(dsn)
	if err != nil { // if the DSN could not be parsed...
		return "", "", "", errors.Wrap(err, "error parsing DSN")
	}
	switch u.Driver {
	case "mysql":
		if driverDsn, err = mySqlDsn(u.DSN); err != nil {
			return "", "", "", err
		}
		return constants.ConnectionTypeMySql, "mysql", driverDsn, nil
	case "postgres", "pgx":
		return constants.ConnectionTypePostgres, "pgx", u.DSN, nil
	case "sqlserver":
		return constants.ConnectionTypeSqlServer, "sqlserver", u.DSN, nil
	}
	return "", "", "", fmt.Errorf("unsupported database type, %q", u.OriginalScheme)
}

// mySqlDsn scans DATETIME into time.Time in UTC and sets the session time zone to UTC so that
// TIMESTAMP columns are rendered in UTC. Settings already in dsn are kept.
func mySqlDsn(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "error parsing MySQL DSN")
	}
	if !strings.Contains(dsn, "parseTime=") { // if the caller has not chosen how to scan DATETIME...
		cfg.ParseTime = true
		cfg.Loc = time.UTC
	}
	if _, ok := cfg.Params["time_zone"]; !ok {
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params["time_zone"] = "'+00:00'"
	}
	return cfg.FormatDSN(), nil
}

// OpenDbConnection opens and pings a database connection for the supplied DSN.
func OpenDbConnection(ctx context.Context, log logger.Logger, d DsnConnectionDetails) (Connector, error) {
	connectionType, driver, driverDsn, err := ParseDsn(d.Dsn)
	if err != nil {
		return nil, err
	}
	log.Info("Opening database connection: ", d) // don't log password details!
	db, err := sql.Open(driver, driverDsn)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening %v connection", connectionType)
	}
	if connectionType == constants.ConnectionTypeDuckDb {
		db.SetMaxOpenConns(1)
	}
	// Test the connection.
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ClassifyError(err)
	}
	conn, err := NewConnection(db, connectionType)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("Successful connection to: ", d)
	return conn, nil
}
