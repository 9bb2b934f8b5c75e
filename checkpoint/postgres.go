package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/rdbms"
	"github.com/relloyd/lakepipe/stream"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore keeps checkpoints in a PostgreSQL table and locks runs with session advisory locks.
type PostgresStore struct {
	log  logger.Logger
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and applies any outstanding migrations.
func NewPostgresStore(ctx context.Context, log logger.Logger, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "error creating checkpoint connection pool")
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &stream.TransientStorageError{Op: "connect", Key: "checkpoint", Err: err}
	}
	if err = runMigrations(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{log: log, pool: pool}, nil
}

// runMigrations uses golang-migrate to apply the embedded up migrations on a short lived connection.
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "could not open migration connection")
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: "lakepipe_schema_migrations"})
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "could not create migrate driver")
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "could not open embedded migrations")
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "could not create migrate instance")
	}
	defer m.Close() // closes db.
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "migration up failed")
	}
	return nil
}

// transientSqlStates are the PostgreSQL error codes worth another attempt:
// serialization failure, deadlock and server shutdown. Class 08 connection exceptions are matched by prefix.
var transientSqlStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"57P01": true,
	"57P02": true,
	"57P03": true,
}

// classifyError wraps failures that may clear up on retry in a stream.TransientStorageError.
func classifyError(op string, runID string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || transientSqlStates[pgErr.Code] {
			return &stream.TransientStorageError{Op: op, Key: runID, Err: err}
		}
		return err
	}
	if rdbms.IsConnectionError(err) {
		return &stream.TransientStorageError{Op: op, Key: runID, Err: err}
	}
	return err
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Read(ctx context.Context, runID string) (*Record, error) {
	rec := &Record{RunID: runID}
	var wm, start, agg []byte
	err := s.pool.QueryRow(ctx, `
		SELECT batch_seq, watermark, start_watermark, schema_fingerprint, aggregate, aggregate_flushed, updated_at
		FROM lakepipe_checkpoints WHERE run_id = $1`, runID).
		Scan(&rec.BatchSeq, &wm, &start, &rec.SchemaFingerprint, &agg, &rec.AggregateFlushed, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyError("read", runID, errors.Wrapf(err, "error reading checkpoint for run %v", runID))
	}
	if len(wm) > 0 {
		if err = json.Unmarshal(wm, &rec.Watermark); err != nil {
			return nil, errors.Wrap(err, "error decoding watermark")
		}
	}
	if len(start) > 0 {
		if err = json.Unmarshal(start, &rec.StartWatermark); err != nil {
			return nil, errors.Wrap(err, "error decoding start watermark")
		}
	}
	if len(agg) > 0 {
		rec.Aggregate = agg
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// Commit upserts rec in a transaction. The update only applies when the stored batch_seq is lower.
func (s *PostgresStore) Commit(ctx context.Context, rec Record) error {
	wm, err := json.Marshal(rec.Watermark)
	if err != nil {
		return err
	}
	start, err := json.Marshal(rec.StartWatermark)
	if err != nil {
		return err
	}
	var agg []byte
	if len(rec.Aggregate) > 0 {
		agg = rec.Aggregate
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO lakepipe_checkpoints AS c
				(run_id, batch_seq, watermark, start_watermark, schema_fingerprint, aggregate, aggregate_flushed, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (run_id) DO UPDATE SET
				batch_seq = EXCLUDED.batch_seq,
				watermark = EXCLUDED.watermark,
				start_watermark = EXCLUDED.start_watermark,
				schema_fingerprint = EXCLUDED.schema_fingerprint,
				aggregate = EXCLUDED.aggregate,
				aggregate_flushed = EXCLUDED.aggregate_flushed,
				updated_at = EXCLUDED.updated_at
			WHERE c.batch_seq < EXCLUDED.batch_seq`,
			rec.RunID, rec.BatchSeq, wm, start, rec.SchemaFingerprint, agg, rec.AggregateFlushed, rec.UpdatedAt)
		if err != nil {
			return errors.Wrapf(err, "error committing checkpoint for run %v", rec.RunID)
		}
		if tag.RowsAffected() == 0 { // if the guard rejected the update...
			var committed int64
			if err := tx.QueryRow(ctx, `SELECT batch_seq FROM lakepipe_checkpoints WHERE run_id = $1`, rec.RunID).Scan(&committed); err != nil {
				return err
			}
			return &StaleCommitError{RunID: rec.RunID, Committed: committed, Attempted: rec.BatchSeq}
		}
		return nil
	})
	return classifyError("commit", rec.RunID, err)
}

// Lock takes a session advisory lock on a dedicated connection that is held until Unlock.
func (s *PostgresStore) Lock(ctx context.Context, runID string, owner string) (Unlocker, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classifyError("lock", runID, errors.Wrap(err, "could not acquire connection for run lock"))
	}
	var ok bool
	if err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, runID).Scan(&ok); err != nil {
		conn.Release()
		return nil, classifyError("lock", runID, errors.Wrap(err, "error taking run lock"))
	}
	if !ok {
		conn.Release()
		return nil, &LockHeldError{RunID: runID}
	}
	s.log.Debug("run lock taken for ", runID, " by ", owner)
	return lockFuncs{
		// The advisory lock lives as long as the session holding it.
		refresh: func(ctx context.Context) error {
			if err := conn.Ping(ctx); err != nil {
				s.log.Warn("run lock connection for ", runID, " failed: ", err)
				return &LockLostError{RunID: runID, Owner: owner}
			}
			return nil
		},
		unlock: func(ctx context.Context) error {
			defer conn.Release()
			_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, runID)
			return err
		},
	}, nil
}

func (s *PostgresStore) Reset(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM lakepipe_checkpoints WHERE run_id = $1`, runID); err != nil {
		return classifyError("reset", runID, errors.Wrapf(err, "error deleting checkpoint for run %v", runID))
	}
	return nil
}
