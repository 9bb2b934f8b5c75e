package actions

import (
	"context"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/aws/s3"
	"github.com/relloyd/lakepipe/checkpoint"
	"github.com/relloyd/lakepipe/components"
	"github.com/relloyd/lakepipe/config"
	c "github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/orchestrator"
	"github.com/relloyd/lakepipe/rdbms"
	"github.com/relloyd/lakepipe/stats"
)

// Pipeline holds the open resources of a run.
type Pipeline struct {
	Orchestrator *orchestrator.Orchestrator
	Store        checkpoint.Store
	Client       s3.Client
	closers      []func() error
}

// Close releases everything opened by NewPipeline, returning the first error.
func (p *Pipeline) Close() (err error) {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if e := p.closers[i](); e != nil && err == nil {
			err = e
		}
	}
	p.closers = nil
	return
}

// destination holds the object store client and checkpoint store of a run.
type destination struct {
	client s3.Client
	store  checkpoint.Store
	close  func() error
}

// openDestination opens the bucket named in cfg and the checkpoint store of the run.
func openDestination(ctx context.Context, log logger.Logger, cfg *config.RunConfig) (*destination, error) {
	b, err := cfg.Bucket()
	if err != nil {
		return nil, err
	}
	client, err := s3.OpenClient(b)
	if err != nil {
		return nil, err
	}
	log.Debug("destination is ", b)
	d := &destination{client: client, close: func() error { return nil }}
	switch cfg.Checkpoint.Type {
	case c.CheckpointTypePostgres:
		pg, err := checkpoint.NewPostgresStore(ctx, log, cfg.Checkpoint.Dsn)
		if err != nil {
			return nil, errors.Wrap(err, "error opening checkpoint store")
		}
		d.store = pg
		d.close = func() error { pg.Close(); return nil }
	default:
		d.store = checkpoint.NewObjectStore(log, client)
	}
	return d, nil
}

// NewPipeline connects to the source and destination of cfg and builds the orchestrator for the run.
// cfg must be valid.
func NewPipeline(ctx context.Context, log logger.Logger, cfg *config.RunConfig, sm stats.StatsManager) (p *Pipeline, err error) {
	p = &Pipeline{}
	defer func() {
		if err != nil {
			_ = p.Close()
			p = nil
		}
	}()
	// Destination.
	dst, err := openDestination(ctx, log, cfg)
	if err != nil {
		return
	}
	p.Client, p.Store = dst.client, dst.store
	p.closers = append(p.closers, dst.close)
	// Source.
	db, err := rdbms.OpenDbConnection(ctx, log, rdbms.DsnConnectionDetails{Dsn: cfg.Source.Dsn})
	if err != nil {
		err = errors.Wrap(err, "error opening source")
		return
	}
	p.closers = append(p.closers, db.Close)
	// Components.
	e, err := components.NewExtractor(components.ExtractorConfig{
		Log:               log,
		Name:              "extract",
		Db:                db,
		Table:             rdbms.SchemaTable{SchemaTable: cfg.Source.Table},
		Columns:           cfg.Source.Columns,
		KeyColumn:         cfg.Source.KeyColumn,
		IncrementalColumn: cfg.Source.IncrementalColumn,
		IncrementalSince:  cfg.Source.IncrementalSince,
		StepWatcher:       sm.AddStepWatcher(stats.StepExtract),
	})
	if err != nil {
		return
	}
	tr, err := components.NewTransformer(ctx, components.TransformerConfig{
		Log:         log,
		Name:        "transform",
		Spec:        cfg.TransformSpec,
		StepWatcher: sm.AddStepWatcher(stats.StepTransform),
	})
	if err != nil {
		return
	}
	p.closers = append(p.closers, tr.Close)
	l, err := components.NewLoader(components.LoaderConfig{
		Log:              log,
		Name:             "load",
		Client:           p.Client,
		RunID:            cfg.RunID,
		ConflictPolicy:   cfg.PartitionConflictPolicy,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoffBase: cfg.RetryBackoffBase(),
		StepWatcher:      sm.AddStepWatcher(stats.StepLoad),
	})
	if err != nil {
		return
	}
	p.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Log:              log,
		RunID:            cfg.RunID,
		Extractor:        e,
		Transformer:      tr,
		Loader:           l,
		Store:            p.Store,
		BatchSize:        cfg.BatchSize,
		StartWatermark:   cfg.StartWatermark,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoffBase: cfg.RetryBackoffBase(),
		PrefetchDepth:    cfg.PrefetchDepth,
		StatsManager:     sm,
	})
	return
}
