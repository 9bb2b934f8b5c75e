package actions

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	c "github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/logger"
	"github.com/rs/xid"
)

type CheckpointConfig struct {
	RunSource
	Output           string // json or yaml.
	LogLevel         string `errorTxt:"log level" mandatory:"yes"`
	StackDumpOnPanic bool
	Writer           io.Writer
}

// RunCheckpointShow prints the checkpoint of the run.
func RunCheckpointShow(cfg *CheckpointConfig) error {
	rc, err := cfg.load(nil)
	if err != nil {
		return err
	}
	log := logger.NewLogger(c.ServiceName, cfg.LogLevel, cfg.StackDumpOnPanic)
	ctx := context.Background()
	dst, err := openDestination(ctx, log, rc)
	if err != nil {
		return err
	}
	defer func() { _ = dst.close() }()
	rec, err := dst.store.Read(ctx, rc.RunID)
	if err != nil {
		return err
	}
	if rec == nil {
		_, err = fmt.Fprintf(cfg.Writer, "no checkpoint found for run %v\n", rc.RunID)
		return err
	}
	return writeOutput(cfg.Writer, rec, cfg.Output)
}

// RunCheckpointReset deletes the checkpoint of the run so the next run starts from the beginning.
// It fails if the run is locked.
func RunCheckpointReset(cfg *CheckpointConfig) error {
	rc, err := cfg.load(nil)
	if err != nil {
		return err
	}
	log := logger.NewLogger(c.ServiceName, cfg.LogLevel, cfg.StackDumpOnPanic)
	ctx := context.Background()
	dst, err := openDestination(ctx, log, rc)
	if err != nil {
		return err
	}
	defer func() { _ = dst.close() }()
	lock, err := dst.store.Lock(ctx, rc.RunID, "reset-"+xid.New().String())
	if err != nil {
		return errors.Wrap(err, "unable to reset checkpoint")
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			log.Warn("error releasing lock: ", err)
		}
	}()
	if err = dst.store.Reset(ctx, rc.RunID); err != nil {
		return err
	}
	log.Info("checkpoint reset for run ", rc.RunID)
	_, err = fmt.Fprintf(cfg.Writer, "Checkpoint for run %q removed\n", rc.RunID)
	return err
}
