// Package checkpoint persists the progress of a run so it can resume after the last committed batch.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relloyd/lakepipe/stream"
)

// Record is the durable progress of a run.
type Record struct {
	RunID             string           `json:"runId"`
	Watermark         stream.Watermark `json:"watermark"`      // exclusive end of the last committed batch.
	StartWatermark    stream.Watermark `json:"startWatermark"` // inclusive start of the first batch of the run.
	BatchSeq          int64            `json:"batchSeq"`
	SchemaFingerprint string           `json:"schemaFingerprint"`
	Aggregate         json.RawMessage  `json:"aggregate,omitempty"`
	AggregateFlushed  bool             `json:"aggregateFlushed,omitempty"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

func (r *Record) String() string {
	return fmt.Sprintf("run %v batch %d watermark %v", r.RunID, r.BatchSeq, r.Watermark)
}

// Unlocker holds a run lock until Unlock.
// Refresh extends the lock and fails with a LockLostError once another owner has taken it over.
type Unlocker interface {
	Refresh(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Store reads and writes checkpoint records.
type Store interface {
	// Read returns nil, nil when the run has no checkpoint.
	Read(ctx context.Context, runID string) (*Record, error)
	// Commit atomically replaces the record. It fails with a StaleCommitError unless rec.BatchSeq is
	// greater than the committed BatchSeq.
	Commit(ctx context.Context, rec Record) error
	// Lock takes the run-level lock or fails with a LockHeldError.
	Lock(ctx context.Context, runID string, owner string) (Unlocker, error)
	// Reset deletes the checkpoint of the run.
	Reset(ctx context.Context, runID string) error
}

// StaleCommitError is returned when a commit would not advance the checkpoint.
type StaleCommitError struct {
	RunID     string
	Committed int64
	Attempted int64
}

func (e *StaleCommitError) Error() string {
	return fmt.Sprintf("checkpoint for run %v is at batch %d; refusing to commit batch %d", e.RunID, e.Committed, e.Attempted)
}

// LockHeldError is returned when another process holds the run lock.
type LockHeldError struct {
	RunID     string
	Owner     string
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("run %v is locked by another process", e.RunID)
	}
	return fmt.Sprintf("run %v is locked by %v until %v", e.RunID, e.Owner, e.ExpiresAt.Format(time.RFC3339))
}

// LockLostError is returned when the run lock has been taken over by another owner.
type LockLostError struct {
	RunID  string
	Owner  string
	Holder string
}

func (e *LockLostError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("run %v lock held by %v has been lost", e.RunID, e.Owner)
	}
	return fmt.Sprintf("run %v lock held by %v has been taken over by %v", e.RunID, e.Owner, e.Holder)
}

func checkAdvance(current *Record, rec Record) error {
	if current != nil && rec.BatchSeq <= current.BatchSeq {
		return &StaleCommitError{RunID: rec.RunID, Committed: current.BatchSeq, Attempted: rec.BatchSeq}
	}
	return nil
}

// lockFuncs implements Unlocker.
type lockFuncs struct {
	refresh func(ctx context.Context) error
	unlock  func(ctx context.Context) error
}

func (l lockFuncs) Refresh(ctx context.Context) error {
	return l.refresh(ctx)
}

func (l lockFuncs) Unlock(ctx context.Context) error {
	return l.unlock(ctx)
}
