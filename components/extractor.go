package components

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/rdbms"
	s "github.com/relloyd/lakepipe/stats"
	"github.com/relloyd/lakepipe/stream"
	td "github.com/relloyd/lakepipe/table-definition"
)

type ExtractorConfig struct {
	Log               logger.Logger
	Name              string
	Db                rdbms.Connector
	Table             rdbms.SchemaTable
	Columns           []string // optional list of columns to extract; all columns by default.
	KeyColumn         string
	IncrementalColumn string // optional column compared with IncrementalSince.
	IncrementalSince  string // parsed using the type of IncrementalColumn.
	StepWatcher       *s.StepWatcher
	Allocator         memory.Allocator // optional; defaults to the Go allocator.
}

// Extractor reads batches of rows from a source table in extraction key order.
type Extractor struct {
	cfg    ExtractorConfig
	mapper td.Mapper
	mem    memory.Allocator
}

func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if cfg.Log == nil || cfg.Db == nil {
		return nil, errors.New("extractor requires a logger and a database connection")
	}
	if cfg.KeyColumn == "" {
		return nil, errors.New("extractor requires a key column")
	}
	if cfg.IncrementalColumn != "" && cfg.IncrementalSince == "" {
		return nil, fmt.Errorf("incremental column %q requires a value for incrementalSince", cfg.IncrementalColumn)
	}
	m, err := td.GetMapper(cfg.Db.GetType())
	if err != nil {
		return nil, err
	}
	mem := cfg.Allocator
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	cfg.Log = cfg.Log.WithField("step", cfg.Name)
	return &Extractor{cfg: cfg, mapper: m, mem: mem}, nil
}

// schemaHandler maps the result header of a query onto a canonical schema.
type schemaHandler struct {
	mapper td.Mapper
	schema *stream.Schema
}

func (h *schemaHandler) HandleHeader(cols []rdbms.ColumnType) error {
	h.schema = &stream.Schema{}
	for _, ct := range cols {
		col, err := h.mapper.Column(td.ColumnInfoFromSql(ct))
		if err != nil {
			return err
		}
		h.schema.Columns = append(h.schema.Columns, col)
	}
	return nil
}

func (h *schemaHandler) HandleRow(row []interface{}) error {
	return nil
}

// Discover reads the column metadata of the source table without fetching rows.
func (e *Extractor) Discover(ctx context.Context) (*stream.Schema, error) {
	d := e.cfg.Db.GetDialect()
	h := &schemaHandler{mapper: e.mapper}
	if err := rdbms.SqlQuery(ctx, e.cfg.Log, e.cfg.Db, d.DiscoverSql(e.cfg.Table, e.cfg.Columns), h); err != nil {
		return nil, errors.Wrapf(err, "error discovering columns of %v", e.cfg.Table)
	}
	key, ok := h.schema.Column(e.cfg.KeyColumn)
	if !ok {
		return nil, fmt.Errorf("key column %q not found in %v", e.cfg.KeyColumn, e.cfg.Table)
	}
	if td.GetDeltaDataType(key.Type) == td.DeltaTypeUnclassified {
		return nil, &stream.UnsupportedTypeError{Column: key.Name, SourceType: key.SourceType + " (as extraction key)"}
	}
	if e.cfg.IncrementalColumn != "" {
		if _, ok := h.schema.Column(e.cfg.IncrementalColumn); !ok {
			return nil, fmt.Errorf("incremental column %q not found in %v", e.cfg.IncrementalColumn, e.cfg.Table)
		}
	}
	e.cfg.Log.Info("discovered ", h.schema.Len(), " columns in ", e.cfg.Table, ": ", h.schema)
	return h.schema, nil
}

// ParseKey parses s as a value of the key column, such as a configured start watermark.
func (e *Extractor) ParseKey(schema *stream.Schema, s string) (stream.Watermark, error) {
	key, ok := schema.Column(e.cfg.KeyColumn)
	if !ok {
		return stream.Watermark{}, fmt.Errorf("key column %q not found in schema", e.cfg.KeyColumn)
	}
	kind, err := stream.WatermarkKindFor(key.Type)
	if err != nil {
		return stream.Watermark{}, err
	}
	w, err := stream.ParseWatermark(kind, s)
	if err != nil {
		return stream.Watermark{}, errors.Wrapf(err, "bad value %q for key column %q", s, key.Name)
	}
	return w, nil
}

// valueHandler collects the single value of a one row query.
type valueHandler struct {
	value interface{}
}

func (h *valueHandler) HandleHeader(cols []rdbms.ColumnType) error {
	if len(cols) != 1 {
		return fmt.Errorf("expected 1 column but got %d", len(cols))
	}
	return nil
}

func (h *valueHandler) HandleRow(row []interface{}) error {
	h.value = row[0]
	return nil
}

// MinWatermark returns the lowest key in the source table.
// The zero Watermark is returned when the table is empty.
func (e *Extractor) MinWatermark(ctx context.Context, schema *stream.Schema) (stream.Watermark, error) {
	key, ok := schema.Column(e.cfg.KeyColumn)
	if !ok {
		return stream.Watermark{}, fmt.Errorf("key column %q not found in schema", e.cfg.KeyColumn)
	}
	d := e.cfg.Db.GetDialect()
	h := &valueHandler{}
	text := key.Type.Kind == stream.KindString
	if err := rdbms.SqlQuery(ctx, e.cfg.Log, e.cfg.Db, d.MinKeySql(e.cfg.Table, e.cfg.KeyColumn, text), h); err != nil {
		return stream.Watermark{}, errors.Wrap(err, "error fetching minimum key")
	}
	if h.value == nil {
		return stream.Watermark{}, nil
	}
	v, err := td.NormalizeValue(key, h.value)
	if err != nil {
		return stream.Watermark{}, err
	}
	return stream.WatermarkFromValue(v)
}

// Extract returns an iterator over batches of at most batchSize rows, plus any rows sharing the last key,
// starting at key start. A zero start means the lowest key. Batches are numbered from startSeq.
func (e *Extractor) Extract(schema *stream.Schema, start stream.Watermark, startSeq int64, batchSize int) *BatchIterator {
	return &BatchIterator{
		e:         e,
		schema:    schema,
		keyIdx:    schema.Index(e.cfg.KeyColumn),
		start:     start,
		seq:       startSeq,
		batchSize: batchSize,
	}
}

// BatchIterator is the lazy sequence of batches produced by Extract.
// It is not safe for concurrent use.
type BatchIterator struct {
	e              *Extractor
	schema         *stream.Schema
	keyIdx         int
	start          stream.Watermark
	seq            int64
	batchSize      int
	done           bool
	incrementalArg interface{}
}

// Position returns the key and sequence number of the next batch.
func (it *BatchIterator) Position() (stream.Watermark, int64) {
	return it.start, it.seq
}

// rowsHandler checks the result header against the declared schema and normalises each row.
type rowsHandler struct {
	schema *stream.Schema
	mapper td.Mapper
	rows   [][]interface{}
}

func (h *rowsHandler) HandleHeader(cols []rdbms.ColumnType) error {
	sh := &schemaHandler{mapper: h.mapper}
	if err := sh.HandleHeader(cols); err != nil {
		var ute *stream.UnsupportedTypeError
		if errors.As(err, &ute) {
			return &stream.SchemaDriftError{Column: ute.Column, Reason: "column type changed", Expected: "supported type", Got: ute.SourceType}
		}
		return err
	}
	return h.schema.Diff(sh.schema)
}

func (h *rowsHandler) HandleRow(row []interface{}) error {
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

func (it *BatchIterator) query(ctx context.Context, sqltext string, args ...interface{}) ([][]interface{}, error) {
	h := &rowsHandler{schema: it.schema, mapper: it.e.mapper}
	if err := rdbms.SqlQuery(ctx, it.e.cfg.Log, it.e.cfg.Db, sqltext, h, args...); err != nil {
		return nil, err
	}
	return h.rows, nil
}

func (it *BatchIterator) resolveIncrementalArg() error {
	if it.e.cfg.IncrementalColumn == "" || it.incrementalArg != nil {
		return nil
	}
	col, ok := it.schema.Column(it.e.cfg.IncrementalColumn)
	if !ok {
		return fmt.Errorf("incremental column %q not found in schema", it.e.cfg.IncrementalColumn)
	}
	kind, err := stream.WatermarkKindFor(col.Type)
	if err != nil {
		return errors.Wrapf(err, "incremental column %q", col.Name)
	}
	w, err := stream.ParseWatermark(kind, it.e.cfg.IncrementalSince)
	if err != nil {
		return errors.Wrapf(err, "bad incrementalSince value %q", it.e.cfg.IncrementalSince)
	}
	it.incrementalArg = w.Value()
	return nil
}

// keyOf returns the key of row, checking that it is not null and does not go backwards from prev.
func (it *BatchIterator) keyOf(row []interface{}, prev stream.Watermark) (stream.Watermark, error) {
	name := it.schema.Columns[it.keyIdx].Name
	v := row[it.keyIdx]
	if v == nil {
		return stream.Watermark{}, &stream.InvalidKeyError{Column: name, Value: v, Reason: "null key"}
	}
	w, err := stream.WatermarkFromValue(v)
	if err != nil {
		return stream.Watermark{}, &stream.InvalidKeyError{Column: name, Value: v, Reason: err.Error()}
	}
	if !prev.IsZero() {
		cmp, err := w.Compare(prev)
		if err != nil {
			return stream.Watermark{}, &stream.InvalidKeyError{Column: name, Value: v, Previous: prev.Value(), Reason: err.Error()}
		}
		if cmp < 0 {
			return stream.Watermark{}, &stream.InvalidKeyError{Column: name, Value: v, Previous: prev.Value(), Reason: "key decreased; the key must be append only"}
		}
	}
	return w, nil
}

// Next returns the next batch, or an empty batch once the source is exhausted.
// The iterator only moves forward when Next succeeds, so a failed call can be retried.
func (it *BatchIterator) Next(ctx context.Context) (*stream.Batch, error) {
	if it.keyIdx < 0 {
		return nil, fmt.Errorf("key column %q not found in schema", it.e.cfg.KeyColumn)
	}
	if it.batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", it.batchSize)
	}
	if it.done {
		return it.emptyBatch(), nil
	}
	if err := it.resolveIncrementalArg(); err != nil {
		return nil, err
	}
	d := it.e.cfg.Db.GetDialect()
	q := rdbms.RangeQuery{
		Table:             it.e.cfg.Table,
		Columns:           it.e.cfg.Columns,
		KeyColumn:         it.e.cfg.KeyColumn,
		HasStart:          !it.start.IsZero(),
		TextKey:           it.schema.Columns[it.keyIdx].Type.Kind == stream.KindString,
		IncrementalColumn: it.e.cfg.IncrementalColumn,
		Limit:             it.batchSize + 1, // one row of lookahead.
	}
	var args []interface{}
	if q.HasStart {
		v, exclusive := it.start.Bound()
		args = append(args, v)
		q.StartExclusive = exclusive
	}
	if q.IncrementalColumn != "" {
		args = append(args, it.incrementalArg)
	}
	rows, err := it.query(ctx, d.RangeSql(q), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error extracting batch %d from %v", it.seq, it.start)
	}
	done := len(rows) < q.Limit
	if len(rows) == 0 {
		it.done = true
		it.e.cfg.Log.Info("end of source reached at ", it.start)
		return it.emptyBatch(), nil
	}
	// Validate the keys.
	keys := make([]stream.Watermark, len(rows))
	prev := it.start
	for idx, row := range rows {
		if keys[idx], err = it.keyOf(row, prev); err != nil {
			return nil, err
		}
		prev = keys[idx]
	}
	if !done {
		// Drop the lookahead row; if it shares the last key then fetch the whole key group.
		last := keys[it.batchSize-1]
		lookahead := keys[it.batchSize]
		rows = rows[:it.batchSize]
		keys = keys[:it.batchSize]
		if lookahead.Equal(last) {
			n := len(rows)
			for n > 0 && keys[n-1].Equal(last) {
				n--
			}
			groupArgs := []interface{}{last.Value()}
			if q.IncrementalColumn != "" {
				groupArgs = append(groupArgs, it.incrementalArg)
			}
			group, err := it.query(ctx, d.KeyGroupSql(q), groupArgs...)
			if err != nil {
				return nil, errors.Wrapf(err, "error extracting key group %v", last)
			}
			for _, row := range group {
				k, err := it.keyOf(row, stream.Watermark{})
				if err != nil {
					return nil, err
				}
				if !k.Equal(last) {
					return nil, &stream.InvalidKeyError{Column: it.e.cfg.KeyColumn, Value: k.Value(), Previous: last.Value(), Reason: "key group query returned another key"}
				}
			}
			it.e.cfg.Log.Debug("batch boundary at key ", last, " extended by ", len(group)-(len(rows)-n), " rows")
			rows = append(rows[:n], group...)
			keys = append(keys[:n], make([]stream.Watermark, len(group))...)
			for idx := n; idx < len(keys); idx++ {
				keys[idx] = last
			}
		}
	}
	end, err := keys[len(keys)-1].Successor()
	if err != nil {
		return nil, &stream.InvalidKeyError{Column: it.e.cfg.KeyColumn, Value: keys[len(keys)-1].Value(), Reason: err.Error()}
	}
	start := it.start
	if start.IsZero() {
		start = keys[0]
	}
	rec, err := td.BuildRecord(it.e.mem, it.schema, rows)
	if err != nil {
		return nil, errors.Wrapf(err, "error building batch %d", it.seq)
	}
	b := &stream.Batch{Seq: it.seq, Range: stream.WatermarkRange{Start: start, End: end}, Schema: it.schema, Record: rec}
	// Advance.
	it.start = end
	it.seq++
	it.done = done
	it.e.cfg.StepWatcher.AddBatch(b.NumRows())
	it.e.cfg.Log.Debug("extracted ", b)
	return b, nil
}

func (it *BatchIterator) emptyBatch() *stream.Batch {
	return &stream.Batch{
		Seq:    it.seq,
		Range:  stream.WatermarkRange{Start: it.start, End: it.start},
		Schema: it.schema,
	}
}
