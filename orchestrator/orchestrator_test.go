package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/aws/s3"
	"github.com/relloyd/lakepipe/checkpoint"
	"github.com/relloyd/lakepipe/components"
	"github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/file"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/rdbms"
	"github.com/relloyd/lakepipe/stats"
	"github.com/relloyd/lakepipe/stream"
	ts "github.com/relloyd/lakepipe/transform-spec"
)

const testRunID = "r1"

func testLogger() logger.Logger {
	return logger.NewLogger(constants.ServiceName, "error", true)
}

// pipeline is a DuckDB source table t, an in-memory bucket and an in-memory checkpoint store.
type pipeline struct {
	db    *sql.DB
	conn  *rdbms.LpConnection
	mem   *s3.MemoryClient
	store *checkpoint.MemoryStore
}

func newPipeline(t *testing.T, ddl ...string) *pipeline {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	p := &pipeline{db: db, mem: s3.NewMemoryClient(), store: checkpoint.NewMemoryStore()}
	for _, stmt := range ddl {
		p.exec(t, stmt)
	}
	if p.conn, err = rdbms.NewConnection(db, constants.ConnectionTypeDuckDb); err != nil {
		t.Fatal(err)
	}
	return p
}

func (p *pipeline) exec(t *testing.T, stmt string) {
	t.Helper()
	if _, err := p.db.ExecContext(context.Background(), stmt); err != nil {
		t.Fatalf("error running %q: %v", stmt, err)
	}
}

// numbered returns DDL for table t holding ids 1..n.
func numbered(n int) []string {
	return []string{
		"CREATE TABLE t (id BIGINT NOT NULL, grp INTEGER NOT NULL, a BIGINT, b BIGINT, v VARCHAR)",
		"INSERT INTO t SELECT i, CAST(i % 3 AS INTEGER), i, 1, 'row ' || CAST(i AS VARCHAR) FROM range(1, " + strconv.Itoa(n+1) + ") r(i)",
	}
}

type options struct {
	spec      ts.TransformSpec
	policy    string
	batchSize int
	prefetch  int
	start     string
	store     checkpoint.Store
	stats     stats.StatsManager
}

func (p *pipeline) newOrchestrator(t *testing.T, opt options) *Orchestrator {
	t.Helper()
	log := testLogger()
	e, err := components.NewExtractor(components.ExtractorConfig{
		Log:       log,
		Name:      "extract",
		Db:        p.conn,
		Table:     rdbms.SchemaTable{SchemaTable: "t"},
		KeyColumn: "id",
	})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := components.NewTransformer(context.Background(), components.TransformerConfig{Log: log, Name: "transform", Spec: opt.spec})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	l, err := components.NewLoader(components.LoaderConfig{
		Log:            log,
		Name:           "load",
		Client:         p.mem,
		Prefix:         "lake",
		RunID:          testRunID,
		ConflictPolicy: opt.policy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if opt.batchSize == 0 {
		opt.batchSize = 25
	}
	var store checkpoint.Store = p.store
	if opt.store != nil {
		store = opt.store
	}
	var sm stats.StatsManager = stats.NewMockStatsManager()
	if opt.stats != nil {
		sm = opt.stats
	}
	o, err := New(Config{
		Log:              log,
		RunID:            testRunID,
		Extractor:        e,
		Transformer:      tr,
		Loader:           l,
		Store:            store,
		BatchSize:        opt.batchSize,
		StartWatermark:   opt.start,
		MaxRetries:       2,
		RetryBackoffBase: time.Millisecond,
		PrefetchDepth:    opt.prefetch,
		StatsManager:     sm,
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func (p *pipeline) checkpoint(t *testing.T) *checkpoint.Record {
	t.Helper()
	rec, err := p.store.Read(context.Background(), testRunID)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (p *pipeline) partitionRows(t *testing.T, key string) [][]interface{} {
	t.Helper()
	data, err := p.mem.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	_, rows, err := file.DecodeParquet(context.Background(), data)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

var hundredKeys = []string{
	"lake/run=r1/part-00000001__1__26.parquet",
	"lake/run=r1/part-00000002__26__51.parquet",
	"lake/run=r1/part-00000003__51__76.parquet",
	"lake/run=r1/part-00000004__76__101.parquet",
}

// flakyStore fails every commit after the first n.
type flakyStore struct {
	*checkpoint.MemoryStore
	mu sync.Mutex
	n  int
}

func (s *flakyStore) Commit(ctx context.Context, rec checkpoint.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return errors.New("checkpoint store unavailable")
	}
	s.n--
	return s.MemoryStore.Commit(ctx, rec)
}

func TestNewValidatesConfig(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(1)...)
	good := p.newOrchestrator(t, options{})
	cfg := good.cfg
	cfg.BatchSize = 0
	_, err := New(cfg)
	g.Expect(err).To(HaveOccurred())
	cfg = good.cfg
	cfg.PrefetchDepth = constants.MaxPrefetchDepth + 1
	_, err = New(cfg)
	g.Expect(err).To(HaveOccurred())
	cfg = good.cfg
	cfg.Store = nil
	_, err = New(cfg)
	g.Expect(err).To(HaveOccurred())
}

func TestRunWritesOnePartitionPerBatch(t *testing.T) {
	for _, prefetch := range []int{0, 2} {
		t.Run(fmt.Sprintf("prefetch=%d", prefetch), func(t *testing.T) {
			g := NewWithT(t)
			p := newPipeline(t, numbered(100)...)
			o := p.newOrchestrator(t, options{prefetch: prefetch})
			g.Expect(o.Run(context.Background())).To(Succeed())
			g.Expect(o.State()).To(Equal(Done))
			g.Expect(p.mem.Keys()).To(Equal(hundredKeys))
			rec := p.checkpoint(t)
			g.Expect(rec.BatchSeq).To(Equal(int64(4)))
			g.Expect(rec.Watermark).To(Equal(stream.NewIntWatermark(101)))
			g.Expect(rec.StartWatermark).To(Equal(stream.NewIntWatermark(1)))
			st := o.Status()
			g.Expect(st.Partitions).To(Equal(4))
			g.Expect(st.LastPartition.Key).To(Equal(hundredKeys[3]))
			g.Expect(st.Owner).NotTo(BeEmpty())
			// Every row lands exactly once, in key order.
			var ids []int64
			for _, k := range hundredKeys {
				for _, r := range p.partitionRows(t, k) {
					ids = append(ids, r[0].(int64))
				}
			}
			g.Expect(ids).To(HaveLen(100))
			for idx, id := range ids {
				g.Expect(id).To(Equal(int64(idx + 1)))
			}
			// The lock is released.
			u, err := p.store.Lock(context.Background(), testRunID, "next")
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(u.Unlock(context.Background())).To(Succeed())
		})
	}
}

func TestRunTransitions(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(10)...)
	o := p.newOrchestrator(t, options{})
	var seen []State
	o.OnTransition(func(from, to State) {
		seen = append(seen, to)
	})
	g.Expect(o.Run(context.Background())).To(Succeed())
	g.Expect(seen).To(Equal([]State{Extracting, Transforming, Loading, Committing, Extracting, Done}))
	b, err := json.Marshal(o.Status())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(b)).To(ContainSubstring(`"state":"done"`))
	g.Expect(string(b)).To(ContainSubstring(`"watermark":{"kind":"int","value":"11"}`))
	// An orchestrator runs once.
	g.Expect(o.Run(context.Background())).To(HaveOccurred())
}

func TestRunIsIdempotent(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	g.Expect(p.newOrchestrator(t, options{}).Run(context.Background())).To(Succeed())
	puts := p.mem.Calls(s3.OpPut)
	o := p.newOrchestrator(t, options{prefetch: 2})
	g.Expect(o.Run(context.Background())).To(Succeed())
	g.Expect(o.Status().Partitions).To(Equal(0))
	g.Expect(p.mem.Calls(s3.OpPut)).To(Equal(puts))
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys))
	g.Expect(p.checkpoint(t).BatchSeq).To(Equal(int64(4)))
}

func TestRunStartsAtConfiguredWatermark(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	g.Expect(p.newOrchestrator(t, options{start: "51"}).Run(context.Background())).To(Succeed())
	g.Expect(p.mem.Keys()).To(Equal([]string{
		"lake/run=r1/part-00000001__51__76.parquet",
		"lake/run=r1/part-00000002__76__101.parquet",
	}))
	g.Expect(p.checkpoint(t).StartWatermark).To(Equal(stream.NewIntWatermark(51)))
	// A start value of the wrong kind fails before anything is written.
	p = newPipeline(t, numbered(10)...)
	err := p.newOrchestrator(t, options{start: "yesterday"}).Run(context.Background())
	g.Expect(err).To(HaveOccurred())
	g.Expect(p.mem.Keys()).To(BeEmpty())
}

func TestRunEmptyTable(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(0)...)
	o := p.newOrchestrator(t, options{})
	g.Expect(o.Run(context.Background())).To(Succeed())
	g.Expect(o.State()).To(Equal(Done))
	g.Expect(p.mem.Keys()).To(BeEmpty())
	g.Expect(p.checkpoint(t)).To(BeNil())
}

func TestRunRederivesPartitionAfterLostCommit(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	// The first partition is promoted but its checkpoint is never written.
	p.store.FailCommits(errors.New("connection reset"))
	err := p.newOrchestrator(t, options{}).Run(context.Background())
	var re *RunError
	g.Expect(errors.As(err, &re)).To(BeTrue())
	g.Expect(re.State).To(Equal(Committing))
	g.Expect(re.Seq).To(Equal(int64(1)))
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys[:1]))
	g.Expect(p.checkpoint(t)).To(BeNil())
	// The rerun finds an identical partition already present.
	p.store.FailCommits(nil)
	o := p.newOrchestrator(t, options{})
	g.Expect(o.Run(context.Background())).To(Succeed())
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys))
	g.Expect(p.mem.Calls(s3.OpCopy)).To(Equal(4))
	g.Expect(p.checkpoint(t).Watermark).To(Equal(stream.NewIntWatermark(101)))
}

func TestRunConflictingPartitionAfterLostCommit(t *testing.T) {
	g := NewWithT(t)
	setup := func() *pipeline {
		p := newPipeline(t, numbered(100)...)
		p.store.FailCommits(errors.New("connection reset"))
		g.Expect(p.newOrchestrator(t, options{}).Run(context.Background())).To(HaveOccurred())
		p.store.FailCommits(nil)
		p.exec(t, "UPDATE t SET v = 'changed' WHERE id = 3")
		return p
	}
	// fail
	p := setup()
	err := p.newOrchestrator(t, options{policy: constants.ConflictPolicyFail}).Run(context.Background())
	var pce *stream.PartitionConflictError
	g.Expect(errors.As(err, &pce)).To(BeTrue())
	g.Expect(pce.Key).To(Equal(hundredKeys[0]))
	var re *RunError
	g.Expect(errors.As(err, &re)).To(BeTrue())
	g.Expect(re.State).To(Equal(Loading))
	g.Expect(re.Seq).To(Equal(int64(1)))
	g.Expect(p.checkpoint(t)).To(BeNil())
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys[:1]))
	// skip keeps the first partition as it was.
	p = setup()
	g.Expect(p.newOrchestrator(t, options{policy: constants.ConflictPolicySkip}).Run(context.Background())).To(Succeed())
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys))
	g.Expect(p.partitionRows(t, hundredKeys[0])[2][4]).To(Equal("row 3"))
	g.Expect(p.checkpoint(t).BatchSeq).To(Equal(int64(4)))
}

func TestRunTransformErrorKeepsCheckpoint(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	p.exec(t, "UPDATE t SET b = 0 WHERE id = 60")
	spec := ts.TransformSpec{Columns: []ts.ColumnSpec{{Name: "id", Expr: "id"}, {Name: "q", Expr: "a / b"}}}
	o := p.newOrchestrator(t, options{spec: spec, prefetch: 1})
	err := o.Run(context.Background())
	var te *stream.TransformError
	g.Expect(errors.As(err, &te)).To(BeTrue())
	g.Expect(te.Seq).To(Equal(int64(3)))
	var re *RunError
	g.Expect(errors.As(err, &re)).To(BeTrue())
	g.Expect(re.State).To(Equal(Transforming))
	g.Expect(re.Range).To(Equal(stream.WatermarkRange{Start: stream.NewIntWatermark(51), End: stream.NewIntWatermark(76)}))
	g.Expect(o.State()).To(Equal(Failed))
	g.Expect(o.Status().Error).To(ContainSubstring("division by zero"))
	rec := p.checkpoint(t)
	g.Expect(rec.BatchSeq).To(Equal(int64(2)))
	g.Expect(rec.Watermark).To(Equal(stream.NewIntWatermark(51)))
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys[:2]))
}

func TestRunRetriesTransientStorageErrors(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	p.mem.InjectFault(s3.OpCopy, "part-00000002", &stream.TransientStorageError{Op: "copy", Err: errors.New("SlowDown")}, 2)
	sm := stats.NewRunStats(testLogger(), stats.WithDumpFrequency(0))
	o := p.newOrchestrator(t, options{stats: sm})
	g.Expect(o.Run(context.Background())).To(Succeed())
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys))
	g.Expect(p.mem.Calls(s3.OpCopy)).To(Equal(6))
	retries := map[string]int{}
	for _, s := range o.Status().Stats {
		retries[s.StepName] = s.Retries
	}
	g.Expect(retries).To(HaveKeyWithValue(stats.StepLoad, 2))
	// Retries are bounded.
	p = newPipeline(t, numbered(100)...)
	p.mem.InjectFault(s3.OpCopy, "part-00000002", &stream.TransientStorageError{Op: "copy", Err: errors.New("SlowDown")}, -1)
	err := p.newOrchestrator(t, options{}).Run(context.Background())
	var re *RunError
	g.Expect(errors.As(err, &re)).To(BeTrue())
	g.Expect(re.State).To(Equal(Loading))
	g.Expect(re.Seq).To(Equal(int64(2)))
	g.Expect(p.checkpoint(t).BatchSeq).To(Equal(int64(1)))
}

func TestRunLockHeld(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(10)...)
	_, err := p.store.Lock(context.Background(), testRunID, "someone-else")
	g.Expect(err).NotTo(HaveOccurred())
	o := p.newOrchestrator(t, options{})
	err = o.Run(context.Background())
	var lhe *checkpoint.LockHeldError
	g.Expect(errors.As(err, &lhe)).To(BeTrue())
	g.Expect(lhe.Owner).To(Equal("someone-else"))
	g.Expect(o.State()).To(Equal(Failed))
	g.Expect(p.mem.Keys()).To(BeEmpty())
}

// stealingStore lets another owner take the run lock after the first n commits.
type stealingStore struct {
	*checkpoint.MemoryStore
	n int
}

func (s *stealingStore) Commit(ctx context.Context, rec checkpoint.Record) error {
	if err := s.MemoryStore.Commit(ctx, rec); err != nil {
		return err
	}
	s.n--
	if s.n == 0 {
		s.BreakLock(rec.RunID)
		if _, err := s.MemoryStore.Lock(ctx, rec.RunID, "intruder"); err != nil {
			return err
		}
	}
	return nil
}

func TestRunStopsWhenLockIsTakenOver(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	o := p.newOrchestrator(t, options{store: &stealingStore{MemoryStore: p.store, n: 1}})
	err := o.Run(context.Background())
	var lle *checkpoint.LockLostError
	g.Expect(errors.As(err, &lle)).To(BeTrue())
	g.Expect(lle.Holder).To(Equal("intruder"))
	var re *RunError
	g.Expect(errors.As(err, &re)).To(BeTrue())
	g.Expect(re.Seq).To(Equal(int64(2)))
	g.Expect(o.State()).To(Equal(Failed))
	// Nothing is written for the batch after the takeover.
	g.Expect(p.checkpoint(t).BatchSeq).To(Equal(int64(1)))
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys[:1]))
}

func TestRunDetectsSchemaDriftOnResume(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	g.Expect(p.newOrchestrator(t, options{}).Run(context.Background())).To(Succeed())
	p.exec(t, "ALTER TABLE t ADD COLUMN extra INTEGER")
	p.exec(t, "INSERT INTO t VALUES (101, 0, 1, 1, 'new', 7)")
	err := p.newOrchestrator(t, options{}).Run(context.Background())
	var sde *stream.SchemaDriftError
	g.Expect(errors.As(err, &sde)).To(BeTrue())
	g.Expect(stream.IsRetryable(err)).To(BeFalse())
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys))
	g.Expect(p.checkpoint(t).BatchSeq).To(Equal(int64(4)))
}

func TestRunStopsBetweenBatches(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	o := p.newOrchestrator(t, options{prefetch: 2})
	o.OnTransition(func(from, to State) {
		if to == Committing {
			o.Stop()
		}
	})
	err := o.Run(context.Background())
	g.Expect(errors.Is(err, ErrStopped)).To(BeTrue())
	g.Expect(o.State()).To(Equal(Failed))
	g.Expect(p.checkpoint(t).BatchSeq).To(Equal(int64(1)))
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys[:1]))
	// The next run carries on.
	g.Expect(p.newOrchestrator(t, options{}).Run(context.Background())).To(Succeed())
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys))
}

func TestRunFinishesInFlightBatchOnCancel(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := p.newOrchestrator(t, options{})
	o.OnTransition(func(from, to State) {
		if to == Loading {
			cancel()
		}
	})
	err := o.Run(ctx)
	g.Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	g.Expect(errors.Is(err, ErrStopped)).To(BeTrue())
	g.Expect(p.checkpoint(t).BatchSeq).To(Equal(int64(1)))
	g.Expect(p.mem.Keys()).To(Equal(hundredKeys[:1]))
}

func aggregateSpec() ts.TransformSpec {
	return ts.TransformSpec{
		Columns: []ts.ColumnSpec{
			{Name: "grp", Expr: "grp"},
			{Name: "a", Expr: "a"},
		},
		GroupBy: []string{"grp"},
		Aggregates: []ts.AggregateSpec{
			{Name: "total", Func: ts.AggSum, Column: "a"},
			{Name: "n", Func: ts.AggCount},
		},
	}
}

// checkAggregate checks the aggregate partition of ids 1..100 grouped by id % 3.
func checkAggregate(g *WithT, rows [][]interface{}) {
	g.Expect(rows).To(HaveLen(3))
	want := map[string][2]string{
		"0": {"1683", "33"},
		"1": {"1717", "34"},
		"2": {"1650", "33"},
	}
	for _, r := range rows {
		w, ok := want[fmt.Sprint(r[0])]
		g.Expect(ok).To(BeTrue())
		g.Expect(fmt.Sprint(r[1])).To(Equal(w[0]))
		g.Expect(fmt.Sprint(r[2])).To(Equal(w[1]))
	}
}

func TestRunFlushesAggregateOnce(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	o := p.newOrchestrator(t, options{spec: aggregateSpec(), prefetch: 2})
	g.Expect(o.Run(context.Background())).To(Succeed())
	aggKey := "lake/run=r1/part-00000005__1__101.parquet"
	g.Expect(p.mem.Keys()).To(Equal([]string{aggKey}))
	checkAggregate(g, p.partitionRows(t, aggKey))
	rec := p.checkpoint(t)
	g.Expect(rec.AggregateFlushed).To(BeTrue())
	g.Expect(rec.BatchSeq).To(Equal(int64(5)))
	g.Expect(rec.Watermark).To(Equal(stream.NewIntWatermark(101)))
	// A rerun has nothing to do.
	puts := p.mem.Calls(s3.OpPut)
	o = p.newOrchestrator(t, options{spec: aggregateSpec()})
	g.Expect(o.Run(context.Background())).To(Succeed())
	g.Expect(o.State()).To(Equal(Done))
	g.Expect(p.mem.Calls(s3.OpPut)).To(Equal(puts))
}

func TestRunResumesAggregate(t *testing.T) {
	g := NewWithT(t)
	p := newPipeline(t, numbered(100)...)
	// Batches 1 and 2 commit; batch 3 does not.
	flaky := &flakyStore{MemoryStore: p.store, n: 2}
	err := p.newOrchestrator(t, options{spec: aggregateSpec(), store: flaky}).Run(context.Background())
	var re *RunError
	g.Expect(errors.As(err, &re)).To(BeTrue())
	g.Expect(re.Seq).To(Equal(int64(3)))
	rec := p.checkpoint(t)
	g.Expect(rec.BatchSeq).To(Equal(int64(2)))
	g.Expect(rec.Aggregate).NotTo(BeEmpty())
	g.Expect(p.mem.Keys()).To(BeEmpty())
	// The rerun starts from the checkpointed partial aggregates.
	g.Expect(p.newOrchestrator(t, options{spec: aggregateSpec()}).Run(context.Background())).To(Succeed())
	aggKey := "lake/run=r1/part-00000005__1__101.parquet"
	g.Expect(p.mem.Keys()).To(Equal([]string{aggKey}))
	checkAggregate(g, p.partitionRows(t, aggKey))
}
