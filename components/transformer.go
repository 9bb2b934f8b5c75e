package components

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	om "github.com/cevaris/ordered_map"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/pkg/errors"
	c "github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/rdbms"
	s "github.com/relloyd/lakepipe/stats"
	"github.com/relloyd/lakepipe/stream"
	td "github.com/relloyd/lakepipe/table-definition"
	ts "github.com/relloyd/lakepipe/transform-spec"
	"github.com/shopspring/decimal"
)

const transformInputTable = "lp_input"

type TransformerConfig struct {
	Log                logger.Logger
	Name               string
	Spec               ts.TransformSpec
	InsertBatchNumRows int // rows per multi-row INSERT into the working table; defaults to c.InsertBatchNumRowsDefault.
	StepWatcher        *s.StepWatcher
	Allocator          memory.Allocator
}

// Transformer applies a TransformSpec to batches using an in-memory DuckDB database.
// Call Prepare once with the run's schema before Transform.
type Transformer struct {
	cfg    TransformerConfig
	db     *sql.DB
	conn   rdbms.Connector
	mapper td.Mapper
	mem    memory.Allocator
	plan   *ts.Plan
	output *stream.Schema
	insert *rdbms.SqlInsertTxtBatch
}

func NewTransformer(ctx context.Context, cfg TransformerConfig) (*Transformer, error) {
	if cfg.Log == nil {
		return nil, errors.New("transformer requires a logger")
	}
	cfg.Spec.SetDefaults()
	if err := cfg.Spec.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid transformSpec")
	}
	if cfg.InsertBatchNumRows <= 0 {
		cfg.InsertBatchNumRows = c.InsertBatchNumRowsDefault
	}
	cfg.Log = cfg.Log.WithField("step", cfg.Name)
	t := &Transformer{cfg: cfg, mem: cfg.Allocator}
	if t.mem == nil {
		t.mem = memory.NewGoAllocator()
	}
	var err error
	if t.mapper, err = td.GetMapper(c.ConnectionTypeDuckDb); err != nil {
		return nil, err
	}
	if cfg.Spec.IsPassThrough() {
		return t, nil
	}
	if t.db, err = sql.Open("duckdb", ""); err != nil {
		return nil, errors.Wrap(err, "error opening DuckDB")
	}
	// Temporary macros and settings belong to a single connection.
	t.db.SetMaxOpenConns(1)
	t.db.SetMaxIdleConns(1)
	t.db.SetConnMaxLifetime(0)
	setup := append([]string{"SET TimeZone='UTC'"}, ts.Macros...)
	for _, stmt := range setup {
		if _, err = t.db.ExecContext(ctx, stmt); err != nil {
			_ = t.db.Close()
			return nil, errors.Wrapf(err, "error preparing DuckDB with %q", stmt)
		}
	}
	if t.conn, err = rdbms.NewConnection(t.db, c.ConnectionTypeDuckDb); err != nil {
		_ = t.db.Close()
		return nil, err
	}
	return t, nil
}

// Close releases the DuckDB database.
func (t *Transformer) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

// Prepare compiles the transform spec against the input schema and returns the output schema.
// Compilation errors are reported before any data is read.
func (t *Transformer) Prepare(ctx context.Context, input *stream.Schema) (*stream.Schema, error) {
	plan, err := ts.NewPlan(t.cfg.Spec, input)
	if err != nil {
		return nil, errors.Wrap(err, "error compiling transformSpec")
	}
	t.plan = plan
	if plan.IsPassThrough() {
		t.output = input
		t.cfg.Log.Info("transformSpec is empty; batches pass through unchanged")
		return t.output, nil
	}
	if err = t.createInputTable(ctx, input); err != nil {
		return nil, err
	}
	if plan.IsAggregating() {
		t.output = plan.OutputSchema()
	} else if t.output, err = t.projectionSchema(ctx); err != nil {
		return nil, err
	}
	t.cfg.Log.Info("transform output schema: ", t.output)
	return t.output, nil
}

// OutputSchema is the schema of transformed batches; nil until Prepare succeeds.
func (t *Transformer) OutputSchema() *stream.Schema {
	return t.output
}

// NewAccumulator returns an empty accumulator when the transform spec aggregates, otherwise nil.
func (t *Transformer) NewAccumulator() *ts.Accumulator {
	if t.plan == nil || !t.plan.IsAggregating() {
		return nil
	}
	return ts.NewAccumulator(t.plan)
}

func (t *Transformer) createInputTable(ctx context.Context, input *stream.Schema) error {
	cols := ts.QuoteIdent(ts.SeqColumnName) + " BIGINT"
	targetCols := om.NewOrderedMap()
	targetCols.Set(ts.SeqColumnName, ts.SeqColumnName)
	casts := []string{"BIGINT"}
	for _, col := range input.Columns {
		typ, err := ts.DuckTypeName(col.Type)
		if err != nil {
			return err
		}
		cols += fmt.Sprintf(", %v %v", ts.QuoteIdent(col.Name), typ)
		targetCols.Set(col.Name, col.Name)
		casts = append(casts, typ)
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %v (%v)", transformInputTable, cols)
	if _, err := t.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "error creating transform input table")
	}
	t.insert = rdbms.NewInsertGenerator(&rdbms.SqlStatementGeneratorConfig{
		Log:         t.cfg.Log,
		Dialect:     t.conn.GetDialect(),
		OutputTable: transformInputTable,
		TargetCols:  targetCols,
		BindWrapper: func(idx int, bind string) string {
			if idx > 0 && input.Columns[idx-1].Type.Kind == stream.KindTimestamp {
				return fmt.Sprintf("CAST(make_timestamp(CAST(%v AS BIGINT)) AS %v)", bind, casts[idx])
			}
			return fmt.Sprintf("CAST(%v AS %v)", bind, casts[idx])
		},
	})
	return nil
}

// projectionSchema runs the projection over no rows and maps the DuckDB result types.
func (t *Transformer) projectionSchema(ctx context.Context) (*stream.Schema, error) {
	h := &schemaHandler{mapper: t.mapper}
	if err := rdbms.SqlQuery(ctx, t.cfg.Log, t.conn, t.plan.ProjectionSQL(transformInputTable)+" LIMIT 0", h); err != nil {
		return nil, errors.Wrap(err, "error deriving transform output schema")
	}
	if h.schema.Len() != t.plan.Projected.Len() {
		return nil, fmt.Errorf("transform returned %d columns, expected %d", h.schema.Len(), t.plan.Projected.Len())
	}
	for idx := range h.schema.Columns {
		h.schema.Columns[idx].Nullable = t.plan.Projected.Columns[idx].Nullable
		h.schema.Columns[idx].SourceType = ""
	}
	return h.schema, nil
}

// bindValue converts a canonical value to one DuckDB can bind and the wrapping CAST can convert.
func bindValue(col stream.Column, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String()
	case uint64:
		return strconv.FormatUint(x, 10)
	case time.Time:
		if col.Type.Kind == stream.KindDate {
			return x.Format("2006-01-02")
		}
		return x.UnixMicro()
	}
	return v
}

// load replaces the contents of the working table with the rows of batch.
func (t *Transformer) load(ctx context.Context, batch *stream.Batch) error {
	if _, err := t.db.ExecContext(ctx, "DELETE FROM "+transformInputTable); err != nil {
		return err
	}
	if batch.IsEmpty() {
		return nil
	}
	rows, err := td.RecordRows(batch.Record, batch.Schema)
	if err != nil {
		return err
	}
	values := make([][]interface{}, len(rows))
	for idx, r := range rows {
		row := make([]interface{}, 0, len(r)+1)
		row = append(row, int64(idx))
		for idy, v := range r {
			row = append(row, bindValue(batch.Schema.Columns[idy], v))
		}
		values[idx] = row
	}
	exec := func(ctx context.Context, query string, args ...interface{}) error {
		_, err := t.db.ExecContext(ctx, query, args...)
		return err
	}
	return t.insert.ExecInsertRows(ctx, exec, values, t.cfg.InsertBatchNumRows)
}

// query runs sqltext and normalises the result rows to schema.
func (t *Transformer) query(ctx context.Context, sqltext string, schema *stream.Schema) ([][]interface{}, error) {
	h := &collectHandler{schema: schema}
	if err := rdbms.SqlQuery(ctx, t.cfg.Log, t.conn, sqltext, h); err != nil {
		return nil, err
	}
	return h.rows, nil
}

// collectHandler normalises rows to a schema without checking the header.
type collectHandler struct {
	schema *stream.Schema
	rows   [][]interface{}
}

func (h *collectHandler) HandleHeader(cols []rdbms.ColumnType) error {
	if len(cols) != h.schema.Len() {
		return fmt.Errorf("query returned %d columns, expected %d", len(cols), h.schema.Len())
	}
	return nil
}

func (h *collectHandler) HandleRow(row []interface{}) error {
	for idx, v := range row {
		nv, err := td.NormalizeValue(h.schema.Columns[idx], v)
		if err != nil {
			return errors.Wrapf(err, "column %q", h.schema.Columns[idx].Name)
		}
		row[idx] = nv
	}
	h.rows = append(h.rows, row)
	return nil
}

// Transform applies the transform spec to batch.
// When the transform spec aggregates, the partial aggregates of batch are merged into acc and no batch is returned.
// Otherwise the projected rows are returned as a new batch with the same sequence and range.
// Any failure evaluating the transform spec is a stream.TransformError.
func (t *Transformer) Transform(ctx context.Context, batch *stream.Batch, acc *ts.Accumulator) (*stream.Batch, error) {
	if t.plan == nil {
		return nil, errors.New("transformer used before Prepare")
	}
	if t.plan.IsPassThrough() {
		t.cfg.StepWatcher.AddBatch(batch.NumRows())
		return batch, nil
	}
	fail := func(err error) (*stream.Batch, error) {
		return nil, &stream.TransformError{Seq: batch.Seq, Err: err}
	}
	if err := t.load(ctx, batch); err != nil {
		return fail(errors.Wrap(err, "error loading batch into DuckDB"))
	}
	if t.plan.IsAggregating() {
		if acc == nil {
			return nil, errors.New("aggregating transform requires an accumulator")
		}
		rows, err := t.query(ctx, t.plan.PartialSQL(transformInputTable), t.plan.PartialSchema())
		if err != nil {
			return fail(err)
		}
		if err = acc.Merge(rows); err != nil {
			return fail(err)
		}
		t.cfg.StepWatcher.AddBatch(batch.NumRows())
		t.cfg.Log.Debug("merged ", len(rows), " partial aggregate rows of batch ", batch.Seq, "; groups=", acc.Len())
		return nil, nil
	}
	rows, err := t.query(ctx, t.plan.ProjectionSQL(transformInputTable), t.output)
	if err != nil {
		return fail(err)
	}
	rec, err := td.BuildRecord(t.mem, t.output, rows)
	if err != nil {
		return fail(err)
	}
	out := &stream.Batch{Seq: batch.Seq, Range: batch.Range, Schema: t.output, Record: rec}
	t.cfg.StepWatcher.AddBatch(out.NumRows())
	t.cfg.Log.Debug("transformed ", batch, " into ", out.NumRows(), " rows")
	return out, nil
}

// Flush returns the final aggregate rows held by acc as a batch. The caller sets Seq and Range.
func (t *Transformer) Flush(acc *ts.Accumulator) (*stream.Batch, error) {
	if t.plan == nil || !t.plan.IsAggregating() {
		return nil, errors.New("flush requires an aggregating transformSpec")
	}
	rows, err := acc.Rows()
	if err != nil {
		return nil, &stream.TransformError{Err: err}
	}
	rec, err := td.BuildRecord(t.mem, t.output, rows)
	if err != nil {
		return nil, &stream.TransformError{Err: err}
	}
	t.cfg.Log.Info("flushed ", len(rows), " aggregate rows")
	return &stream.Batch{Schema: t.output, Record: rec}, nil
}
