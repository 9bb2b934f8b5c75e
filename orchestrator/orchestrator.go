package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/aws/s3"
	"github.com/relloyd/lakepipe/checkpoint"
	"github.com/relloyd/lakepipe/components"
	c "github.com/relloyd/lakepipe/constants"
	h "github.com/relloyd/lakepipe/helper"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/stats"
	"github.com/relloyd/lakepipe/stream"
	ts "github.com/relloyd/lakepipe/transform-spec"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Log              logger.Logger
	RunID            string
	Extractor        *components.Extractor
	Transformer      *components.Transformer // must not be prepared yet.
	Loader           *components.Loader
	Store            checkpoint.Store
	BatchSize        int
	StartWatermark   string // optional; parsed using the type of the key column.
	MaxRetries       int
	RetryBackoffBase time.Duration
	PrefetchDepth    int                // batches extracted ahead of the one being processed; 0 disables prefetch.
	StatsManager     stats.StatsManager // optional.
}

// Status is a snapshot of the progress of a run.
type Status struct {
	RunID         string                        `json:"runId"`
	Owner         string                        `json:"owner,omitempty"`
	State         State                         `json:"state"`
	BatchSeq      int64                         `json:"batchSeq"`
	Watermark     stream.Watermark              `json:"watermark"`
	Partitions    int                           `json:"partitions"`
	LastPartition *components.PartitionLocation `json:"lastPartition,omitempty"`
	Error         string                        `json:"error,omitempty"`
	StartedAt     time.Time                     `json:"startedAt"`
	UpdatedAt     time.Time                     `json:"updatedAt"`
	Stats         []stats.Stats                 `json:"stats,omitempty"`
}

// Orchestrator runs the batches of one run in watermark order and commits a checkpoint after each.
type Orchestrator struct {
	cfg       Config
	log       logger.Logger
	mu        sync.Mutex
	status    Status
	observers []func(from, to State)
	stop      chan struct{}
	stopOnce  sync.Once
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Log == nil || cfg.Store == nil {
		return nil, errors.New("orchestrator requires a logger and a checkpoint store")
	}
	if cfg.Extractor == nil || cfg.Transformer == nil || cfg.Loader == nil {
		return nil, errors.New("orchestrator requires an extractor, transformer and loader")
	}
	if cfg.RunID == "" {
		return nil, errors.New("orchestrator requires a run id")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.PrefetchDepth < 0 || cfg.PrefetchDepth > c.MaxPrefetchDepth {
		return nil, fmt.Errorf("prefetch depth must be between 0 and %d, got %d", c.MaxPrefetchDepth, cfg.PrefetchDepth)
	}
	o := &Orchestrator{
		cfg:    cfg,
		log:    cfg.Log.WithField("runId", cfg.RunID),
		status: Status{RunID: cfg.RunID, State: Idle},
		stop:   make(chan struct{}),
	}
	o.OnTransition(func(from, to State) {
		o.log.Debug("state ", from, " -> ", to)
	})
	return o, nil
}

// OnTransition registers fn to be called after every state change.
// Observers are called synchronously on the goroutine running the batch.
func (o *Orchestrator) OnTransition(fn func(from, to State)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.State
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := o.status
	if s.LastPartition != nil {
		lp := *s.LastPartition
		s.LastPartition = &lp
	}
	o.mu.Unlock()
	if o.cfg.StatsManager != nil {
		s.Stats = o.cfg.StatsManager.GetStats()
	}
	return s
}

// Stop asks the run to end before the next batch. The batch in flight is finished first.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.log.Info("stop requested")
		close(o.stop)
	})
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.status.State
	if from == to {
		o.mu.Unlock()
		return
	}
	o.status.State = to
	o.status.UpdatedAt = time.Now().UTC()
	observers := append([]func(from, to State){}, o.observers...)
	o.mu.Unlock()
	for _, fn := range observers {
		fn(from, to)
	}
}

func (o *Orchestrator) setProgress(rec *checkpoint.Record, loc *components.PartitionLocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.BatchSeq = rec.BatchSeq
	o.status.Watermark = rec.Watermark
	o.status.UpdatedAt = time.Now().UTC()
	if loc != nil {
		o.status.Partitions++
		o.status.LastPartition = loc
	}
}

func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	o.status.Error = err.Error()
	o.mu.Unlock()
	if errors.Is(err, ErrStopped) {
		o.log.Warn(err)
	} else {
		o.log.Error(err)
	}
	o.transition(Failed)
	return err
}

func isRetryable(err error) bool {
	return stream.IsRetryable(err) || s3.IsTransient(err)
}

// retry repeats op while it fails with a retryable error, up to the configured number of retries.
// Retries are counted against the stats of step.
func (o *Orchestrator) retry(ctx context.Context, step string, what string, op func() error) error {
	var sw *stats.StepWatcher
	if o.cfg.StatsManager != nil {
		sw = o.cfg.StatsManager.AddStepWatcher(step)
	}
	_, err := h.RetryWithBackoff(ctx,
		h.RetryPolicy{MaxRetries: o.cfg.MaxRetries, BaseBackoff: o.cfg.RetryBackoffBase},
		isRetryable,
		op,
		func(err error, attempt int, wait time.Duration) {
			sw.AddRetry()
			o.log.Warn(what, " failed on attempt ", attempt, ", retrying in ", wait, ": ", err)
		})
	return err
}

// Run takes the run lock and processes batches from the last checkpoint until the source is exhausted.
// Cancelling ctx or calling Stop ends the run between batches with an error wrapping ErrStopped.
// Any other failure is returned as a *RunError and leaves the checkpoint at the last committed batch.
// An Orchestrator runs once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.status.State != Idle {
		o.mu.Unlock()
		return errors.New("orchestrator has already run")
	}
	owner := xid.New().String()
	o.status.Owner = owner
	o.status.StartedAt = time.Now().UTC()
	o.mu.Unlock()
	if o.cfg.StatsManager != nil {
		o.cfg.StatsManager.StartDumping()
		defer o.cfg.StatsManager.StopDumping()
	}
	unlocker, err := o.cfg.Store.Lock(ctx, o.cfg.RunID, owner)
	if err != nil {
		return o.fail(&RunError{RunID: o.cfg.RunID, State: Idle, Err: errors.Wrap(err, "error taking run lock")})
	}
	o.log.Info("acquired lock for run ", o.cfg.RunID, " as ", owner)
	defer func() {
		if err := unlocker.Unlock(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn("unable to release lock for run ", o.cfg.RunID, ": ", err)
		}
	}()
	r := &run{o: o, ctx: ctx, work: context.WithoutCancel(ctx), lock: unlocker}
	if err = r.execute(); err != nil {
		return o.fail(err)
	}
	o.transition(Done)
	st := o.Status()
	o.log.Info("run ", o.cfg.RunID, " complete at batch ", st.BatchSeq, " watermark ", st.Watermark, "; ", st.Partitions, " partitions written")
	return nil
}

// run holds the state of one execution.
type run struct {
	o           *Orchestrator
	ctx         context.Context // checked between batches.
	work        context.Context // used by the batch in flight; never cancelled.
	lock        checkpoint.Unlocker
	schema      *stream.Schema
	fingerprint string
	acc         *ts.Accumulator // nil unless the transform aggregates.
	runStart    stream.Watermark
	nextSeq     int64
	position    stream.Watermark
}

func (r *run) fail(state State, b *stream.Batch, err error) error {
	re := &RunError{RunID: r.o.cfg.RunID, State: state, Err: err}
	if b != nil {
		re.Seq, re.Range = b.Seq, b.Range
	}
	return re
}

// pending describes the batch that has not been extracted yet.
func (r *run) pending() *stream.Batch {
	return &stream.Batch{Seq: r.nextSeq, Range: stream.WatermarkRange{Start: r.position}}
}

func (r *run) checkStop() error {
	select {
	case <-r.o.stop:
		return ErrStopped
	case <-r.ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopped, r.ctx.Err())
	default:
		return nil
	}
}

func (r *run) execute() error {
	o := r.o
	o.transition(Extracting)
	var rec *checkpoint.Record
	err := o.retry(r.work, stats.StepCheckpoint, "reading checkpoint", func() (e error) {
		rec, e = o.cfg.Store.Read(r.work, o.cfg.RunID)
		return e
	})
	if err != nil {
		return r.fail(Extracting, nil, err)
	}
	if rec != nil && rec.AggregateFlushed {
		o.log.Info("run ", o.cfg.RunID, " already completed: ", rec)
		o.setProgress(rec, nil)
		return nil
	}
	err = o.retry(r.work, stats.StepExtract, "discovering source schema", func() (e error) {
		r.schema, e = o.cfg.Extractor.Discover(r.work)
		return e
	})
	if err != nil {
		return r.fail(Extracting, nil, err)
	}
	r.fingerprint = r.schema.Fingerprint()
	if rec != nil && rec.SchemaFingerprint != "" && rec.SchemaFingerprint != r.fingerprint {
		return r.fail(Extracting, nil, &stream.SchemaDriftError{
			Reason:   "source schema differs from the schema of the last checkpoint",
			Expected: rec.SchemaFingerprint,
			Got:      r.fingerprint,
		})
	}
	if _, err = o.cfg.Transformer.Prepare(r.work, r.schema); err != nil {
		return r.fail(Transforming, nil, err)
	}
	r.acc = o.cfg.Transformer.NewAccumulator()
	// Find where to start.
	r.nextSeq = 1
	switch {
	case rec != nil:
		r.position, r.nextSeq, r.runStart = rec.Watermark, rec.BatchSeq+1, rec.StartWatermark
		if r.acc != nil {
			if err = r.acc.Load(rec.Aggregate); err != nil {
				return r.fail(Transforming, nil, err)
			}
		}
		o.setProgress(rec, nil)
		o.log.Info("resuming after ", rec)
	case o.cfg.StartWatermark != "":
		if r.position, err = o.cfg.Extractor.ParseKey(r.schema, o.cfg.StartWatermark); err != nil {
			return r.fail(Extracting, nil, err)
		}
		o.log.Info("starting at configured watermark ", r.position)
	default:
		err = o.retry(r.work, stats.StepExtract, "fetching minimum key", func() (e error) {
			r.position, e = o.cfg.Extractor.MinWatermark(r.work, r.schema)
			return e
		})
		if err != nil {
			return r.fail(Extracting, nil, err)
		}
		if r.position.IsZero() {
			o.log.Info("source table is empty; nothing to do")
			return nil
		}
		o.log.Info("starting at minimum key ", r.position)
	}
	if r.runStart.IsZero() {
		r.runStart = r.position
	}
	it := o.cfg.Extractor.Extract(r.schema, r.position, r.nextSeq, o.cfg.BatchSize)
	return r.loop(it)
}

func (r *run) loop(it *components.BatchIterator) error {
	next, stopExtracting := r.batches(it)
	defer stopExtracting()
	for {
		if err := r.checkStop(); err != nil {
			return r.fail(r.o.State(), r.pending(), err)
		}
		r.o.transition(Extracting)
		b, err := next()
		if err != nil {
			return r.fail(Extracting, r.pending(), err)
		}
		if b.IsEmpty() {
			return r.finish(b)
		}
		if err = r.process(b); err != nil {
			return err
		}
	}
}

// batches returns a function yielding the next batch of it.
// With prefetch enabled a goroutine extracts ahead into a channel holding up to PrefetchDepth batches.
// stop must be called to release the goroutine and any batches it extracted.
func (r *run) batches(it *components.BatchIterator) (next func() (*stream.Batch, error), stop func()) {
	if r.o.cfg.PrefetchDepth == 0 {
		return func() (*stream.Batch, error) { return r.extract(r.work, it) }, func() {}
	}
	ctx, cancel := context.WithCancel(r.work)
	g, gctx := errgroup.WithContext(ctx)
	ch := make(chan *stream.Batch, r.o.cfg.PrefetchDepth)
	g.Go(func() error {
		defer close(ch)
		for {
			b, err := r.extract(gctx, it)
			if err != nil {
				return err
			}
			select {
			case ch <- b:
			case <-gctx.Done():
				b.Release()
				return gctx.Err()
			}
			if b.IsEmpty() {
				return nil
			}
		}
	})
	next = func() (*stream.Batch, error) {
		if b, ok := <-ch; ok {
			return b, nil
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return nil, errors.New("batch prefetch ended before the end of the source")
	}
	stop = func() {
		cancel()
		for b := range ch {
			b.Release()
		}
		_ = g.Wait()
	}
	return next, stop
}

func (r *run) extract(ctx context.Context, it *components.BatchIterator) (*stream.Batch, error) {
	var b *stream.Batch
	err := r.o.retry(ctx, stats.StepExtract, "extracting", func() (e error) {
		b, e = it.Next(ctx)
		return e
	})
	return b, err
}

func (r *run) load(b *stream.Batch) (components.PartitionLocation, error) {
	var loc components.PartitionLocation
	err := r.o.retry(r.work, stats.StepLoad, "loading "+b.String(), func() (e error) {
		loc, e = r.o.cfg.Loader.Load(r.work, b)
		return e
	})
	return loc, err
}

func (r *run) commit(rec checkpoint.Record, loc *components.PartitionLocation) error {
	rec.RunID = r.o.cfg.RunID
	rec.StartWatermark = r.runStart
	rec.SchemaFingerprint = r.fingerprint
	rec.UpdatedAt = time.Now().UTC()
	err := r.o.retry(r.work, stats.StepCheckpoint, "committing checkpoint", func() error {
		return r.o.cfg.Store.Commit(r.work, rec)
	})
	if err != nil {
		return err
	}
	r.nextSeq, r.position = rec.BatchSeq+1, rec.Watermark
	r.o.setProgress(&rec, loc)
	r.o.log.Info("committed ", rec.String())
	return nil
}

// refreshLock extends the run lock before a batch is written.
func (r *run) refreshLock() error {
	return r.o.retry(r.work, stats.StepCheckpoint, "refreshing run lock", func() error {
		return r.lock.Refresh(r.work)
	})
}

// process transforms, loads and commits one batch.
// The accumulator is only replaced once the commit succeeds.
func (r *run) process(b *stream.Batch) error {
	o := r.o
	defer b.Release()
	if err := r.refreshLock(); err != nil {
		return r.fail(Extracting, b, err)
	}
	o.transition(Transforming)
	var acc *ts.Accumulator
	if r.acc != nil {
		acc = r.acc.Clone()
	}
	out, err := o.cfg.Transformer.Transform(r.work, b, acc)
	if err != nil {
		return r.fail(Transforming, b, err)
	}
	var loc *components.PartitionLocation
	if out != nil {
		if out != b {
			defer out.Release()
		}
		o.transition(Loading)
		l, err := r.load(out)
		if err != nil {
			return r.fail(Loading, b, err)
		}
		loc = &l
	}
	o.transition(Committing)
	rec := checkpoint.Record{Watermark: b.Range.End, BatchSeq: b.Seq}
	if acc != nil {
		if rec.Aggregate, err = json.Marshal(acc); err != nil {
			return r.fail(Committing, b, errors.Wrap(err, "error encoding aggregate state"))
		}
	}
	if err = r.commit(rec, loc); err != nil {
		return r.fail(Committing, b, err)
	}
	r.acc = acc
	return nil
}

// finish handles the end of the source. An aggregating run writes its aggregate partition,
// numbered after the last batch and covering the whole run, and marks it flushed.
func (r *run) finish(end *stream.Batch) error {
	o := r.o
	o.log.Info("end of source at ", end.Range.Start)
	if r.acc == nil {
		return nil
	}
	if err := r.refreshLock(); err != nil {
		return r.fail(Extracting, end, err)
	}
	o.transition(Transforming)
	fb, err := o.cfg.Transformer.Flush(r.acc)
	if err != nil {
		return r.fail(Transforming, end, err)
	}
	defer fb.Release()
	fb.Seq = end.Seq
	fb.Range = stream.WatermarkRange{Start: r.runStart, End: end.Range.Start}
	o.transition(Loading)
	loc, err := r.load(fb)
	if err != nil {
		return r.fail(Loading, fb, err)
	}
	o.transition(Committing)
	rec := checkpoint.Record{Watermark: end.Range.Start, BatchSeq: fb.Seq, AggregateFlushed: true}
	if rec.Aggregate, err = json.Marshal(r.acc); err != nil {
		return r.fail(Committing, fb, errors.Wrap(err, "error encoding aggregate state"))
	}
	if err = r.commit(rec, &loc); err != nil {
		return r.fail(Committing, fb, err)
	}
	return nil
}
