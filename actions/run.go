package actions

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/relloyd/lakepipe/config"
	c "github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/stats"
)

type RunPipeConfig struct {
	RunSource
	// Overrides; zero values keep the run config.
	BatchSize                 int
	StartWatermark            string
	ConflictPolicy            string
	LogLevel                  string
	StatsDumpFrequencySeconds int
	// Control server address, e.g. ":8080"; empty disables it.
	HttpAddr         string
	StackDumpOnPanic bool
}

func (cfg *RunPipeConfig) override(rc *config.RunConfig) {
	if cfg.BatchSize > 0 {
		rc.BatchSize = cfg.BatchSize
	}
	if cfg.StartWatermark != "" {
		rc.StartWatermark = cfg.StartWatermark
	}
	if cfg.ConflictPolicy != "" {
		rc.PartitionConflictPolicy = cfg.ConflictPolicy
	}
	if cfg.LogLevel != "" {
		rc.LogLevel = cfg.LogLevel
	}
	if cfg.StatsDumpFrequencySeconds > 0 {
		rc.StatsDumpFrequencySeconds = cfg.StatsDumpFrequencySeconds
	}
}

// RunPipe loads the run config and runs it to completion.
// SIGINT or SIGTERM stops the run after the batch in flight has been committed.
func RunPipe(cfg *RunPipeConfig) error {
	rc, err := cfg.load(cfg.override)
	if err != nil {
		return err
	}
	log := logger.NewLogger(c.ServiceName, rc.LogLevel, cfg.StackDumpOnPanic)
	ctx := context.Background()
	sm := stats.NewRunStats(log, stats.WithDumpFrequency(rc.StatsDumpFrequencySeconds))
	p, err := NewPipeline(ctx, log, rc, sm)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn("error closing pipeline: ", err)
		}
	}()
	if cfg.HttpAddr != "" { // if the user wants a control server...
		shutdown := runServer(log, cfg.HttpAddr, p.Orchestrator)
		defer shutdown()
	}
	defer stopOnSignal(log, p.Orchestrator)()
	return p.Orchestrator.Run(ctx)
}

// stopOnSignal stops o at the next batch boundary on SIGINT or SIGTERM until the returned func is called.
func stopOnSignal(log logger.Logger, o RunController) func() {
	chanOS := make(chan os.Signal, 1)
	signal.Notify(chanOS, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-chanOS:
			log.Warn("received ", sig, ", stopping after the current batch")
			o.Stop()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(chanOS)
		close(done)
	}
}
