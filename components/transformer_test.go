package components

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/stream"
	td "github.com/relloyd/lakepipe/table-definition"
	ts "github.com/relloyd/lakepipe/transform-spec"
	"github.com/shopspring/decimal"
)

func newTestTransformer(t *testing.T, spec ts.TransformSpec, input *stream.Schema) *Transformer {
	t.Helper()
	tr, err := NewTransformer(context.Background(), TransformerConfig{Log: testLogger(), Name: "transform", Spec: spec, InsertBatchNumRows: 7})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	if _, err = tr.Prepare(context.Background(), input); err != nil {
		t.Fatal(err)
	}
	return tr
}

// invoiceSpec is the transformation in examples/invoices.yaml.
func invoiceSpec() ts.TransformSpec {
	return ts.TransformSpec{
		Filters: []string{"status <> 'cancelled'"},
		Columns: []ts.ColumnSpec{
			{Name: "invoice_id", Expr: "id"},
			{Name: "company_id", Expr: "company_id"},
			{Name: "description", Expr: `trim(regexp_replace(description, '\s+', ' ', 'g'))`},
			{Name: "period", Expr: `regexp_extract(description, '([0-9]{4}-[0-9]{2})', 1)`},
			{Name: "payment", Expr: "CASE payment_type WHEN 'cc' THEN 'card' WHEN 'dd' THEN 'direct debit' ELSE 'other' END"},
			{Name: "amount", Expr: "amount_cents / 100", Type: "decimal(18,2)"},
		},
	}
}

func extractAll(t *testing.T, n int, batchSize int) (*stream.Schema, []*stream.Batch) {
	t.Helper()
	conn, _ := newSourceDb(t, invoicesDdl(n)...)
	e := newTestExtractor(t, conn, "invoices", "id")
	schema, err := e.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	batches, _ := drain(t, e.Extract(schema, stream.Watermark{}, 0, batchSize))
	return schema, batches
}

func TestTransformerPassThrough(t *testing.T) {
	g := NewWithT(t)
	schema, batches := extractAll(t, 10, 5)
	tr := newTestTransformer(t, ts.TransformSpec{}, schema)
	g.Expect(tr.OutputSchema()).To(Equal(schema))
	out, err := tr.Transform(context.Background(), batches[0], nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(BeIdenticalTo(batches[0]))
	g.Expect(tr.NewAccumulator()).To(BeNil())
}

func TestTransformerInvoices(t *testing.T) {
	g := NewWithT(t)
	schema, batches := extractAll(t, 20, 10)
	tr := newTestTransformer(t, invoiceSpec(), schema)
	out := tr.OutputSchema()
	g.Expect(out.Names()).To(Equal([]string{"invoice_id", "company_id", "description", "period", "payment", "amount"}))
	g.Expect(out.Columns[5].Type).To(Equal(stream.Decimal(18, 2)))
	var rows [][]interface{}
	for _, b := range batches {
		ob, err := tr.Transform(context.Background(), b, nil)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ob.Seq).To(Equal(b.Seq))
		g.Expect(ob.Range).To(Equal(b.Range))
		r, err := td.RecordRows(ob.Record, ob.Schema)
		g.Expect(err).NotTo(HaveOccurred())
		rows = append(rows, r...)
	}
	g.Expect(rows).To(HaveLen(18)) // ids 10 and 20 are cancelled.
	first := rows[0]
	g.Expect(first[0]).To(Equal(int64(1)))
	g.Expect(first[2]).To(Equal("Invoice for period 2024-02"))
	g.Expect(first[3]).To(Equal("2024-02"))
	g.Expect(first[4]).To(Equal("direct debit"))
	g.Expect(first[5].(decimal.Decimal).Equal(decimal.RequireFromString("1.25"))).To(BeTrue())
	// Row order is kept and other payment types map as expected.
	g.Expect(rows[1][0]).To(Equal(int64(2)))
	g.Expect(rows[1][4]).To(Equal("other"))
	g.Expect(rows[3][4]).To(Equal("card"))
	g.Expect(rows[2][4]).To(Equal("other")) // NULL payment type.
}

func TestTransformerExactDivision(t *testing.T) {
	g := NewWithT(t)
	schema, batches := extractAll(t, 3, 10)
	tr := newTestTransformer(t, ts.TransformSpec{
		Columns: []ts.ColumnSpec{
			{Name: "id", Expr: "id"},
			{Name: "third", Expr: "amount_cents / 3"},
		},
	}, schema)
	g.Expect(tr.OutputSchema().Columns[1].Type).To(Equal(stream.Decimal(38, 6)))
	ob, err := tr.Transform(context.Background(), batches[0], nil)
	g.Expect(err).NotTo(HaveOccurred())
	rows, err := td.RecordRows(ob.Record, ob.Schema)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rows[0][1].(decimal.Decimal).String()).To(Equal("41.666667")) // 125 / 3
	g.Expect(rows[1][1].(decimal.Decimal).String()).To(Equal("83.333333"))
}

func TestTransformerDivisionByZero(t *testing.T) {
	g := NewWithT(t)
	conn, _ := newSourceDb(t,
		"CREATE TABLE t (id BIGINT NOT NULL, a BIGINT, b BIGINT)",
		"INSERT INTO t VALUES (1, 10, 2), (2, 10, 0), (3, 9, 3)",
	)
	e := newTestExtractor(t, conn, "t", "id")
	schema, err := e.Discover(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	batches, _ := drain(t, e.Extract(schema, stream.Watermark{}, 7, 10))
	spec := ts.TransformSpec{Columns: []ts.ColumnSpec{{Name: "q", Expr: "a / b"}}}
	tr := newTestTransformer(t, spec, schema)
	_, err = tr.Transform(context.Background(), batches[0], nil)
	var te *stream.TransformError
	g.Expect(errors.As(err, &te)).To(BeTrue())
	g.Expect(te.Seq).To(Equal(int64(7)))
	g.Expect(err.Error()).To(ContainSubstring("division by zero"))
	g.Expect(stream.IsRetryable(err)).To(BeFalse())
	// onError: null gives NULL instead.
	spec.OnError = ts.OnErrorNull
	tr = newTestTransformer(t, spec, schema)
	ob, err := tr.Transform(context.Background(), batches[0], nil)
	g.Expect(err).NotTo(HaveOccurred())
	rows, err := td.RecordRows(ob.Record, ob.Schema)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rows[0][0].(decimal.Decimal).String()).To(Equal("5"))
	g.Expect(rows[1][0]).To(BeNil())
	g.Expect(rows[2][0].(decimal.Decimal).String()).To(Equal("3"))
}

func TestTransformerFilteredBatchIsEmpty(t *testing.T) {
	g := NewWithT(t)
	schema, batches := extractAll(t, 5, 5)
	tr := newTestTransformer(t, ts.TransformSpec{Filters: []string{"id > 100"}}, schema)
	ob, err := tr.Transform(context.Background(), batches[0], nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ob.NumRows()).To(Equal(int64(0)))
	g.Expect(ob.Record).NotTo(BeNil())
	g.Expect(ob.Range).To(Equal(batches[0].Range))
}

func TestTransformerCompileErrors(t *testing.T) {
	g := NewWithT(t)
	schema, _ := extractAll(t, 1, 5)
	tr, err := NewTransformer(context.Background(), TransformerConfig{
		Log:  testLogger(),
		Spec: ts.TransformSpec{Columns: []ts.ColumnSpec{{Name: "x", Expr: "missing + 1"}}},
	})
	g.Expect(err).NotTo(HaveOccurred())
	defer tr.Close()
	_, err = tr.Prepare(context.Background(), schema)
	g.Expect(err).To(HaveOccurred())
	_, err = NewTransformer(context.Background(), TransformerConfig{Log: testLogger(), Spec: ts.TransformSpec{OnError: "ignore"}})
	g.Expect(err).To(HaveOccurred())
}

func TestTransformerAggregates(t *testing.T) {
	g := NewWithT(t)
	schema, batches := extractAll(t, 30, 7)
	spec := ts.TransformSpec{
		Filters: []string{"status <> 'cancelled'"},
		Columns: []ts.ColumnSpec{
			{Name: "company_id", Expr: "company_id"},
			{Name: "amount", Expr: "amount_cents / 100", Type: "decimal(18,2)"},
		},
		GroupBy: []string{"company_id"},
		Aggregates: []ts.AggregateSpec{
			{Name: "total", Func: ts.AggSum, Column: "amount"},
			{Name: "invoices", Func: ts.AggCount},
			{Name: "largest", Func: ts.AggMax, Column: "amount"},
		},
	}
	tr := newTestTransformer(t, spec, schema)
	g.Expect(tr.OutputSchema().Names()).To(Equal([]string{"company_id", "total", "invoices", "largest"}))
	acc := tr.NewAccumulator()
	g.Expect(acc).NotTo(BeNil())
	for _, b := range batches {
		ob, err := tr.Transform(context.Background(), b, acc)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ob).To(BeNil())
	}
	g.Expect(acc.Len()).To(Equal(3))
	fb, err := tr.Flush(acc)
	g.Expect(err).NotTo(HaveOccurred())
	rows, err := td.RecordRows(fb.Record, fb.Schema)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rows).To(HaveLen(3))
	// Expected values computed in Go over ids 1..30 excluding multiples of 10.
	totals := map[int64]decimal.Decimal{}
	counts := map[int64]int64{}
	for i := int64(1); i <= 30; i++ {
		if i%10 == 0 {
			continue
		}
		k := i % 3
		totals[k] = totals[k].Add(decimal.New(i*125, -2))
		counts[k]++
	}
	for _, r := range rows {
		k := r[0].(int64)
		g.Expect(r[1].(decimal.Decimal).Equal(totals[k])).To(BeTrue())
		g.Expect(r[2]).To(Equal(counts[k]))
	}
	g.Expect(rows[0][0]).To(Equal(int64(0)))
}

func TestTransformerBatchSizeDoesNotChangeOutput(t *testing.T) {
	g := NewWithT(t)
	collect := func(batchSize int) [][]interface{} {
		schema, batches := extractAll(t, 1000, batchSize)
		tr := newTestTransformer(t, invoiceSpec(), schema)
		var rows [][]interface{}
		for _, b := range batches {
			ob, err := tr.Transform(context.Background(), b, nil)
			g.Expect(err).NotTo(HaveOccurred())
			r, err := td.RecordRows(ob.Record, ob.Schema)
			g.Expect(err).NotTo(HaveOccurred())
			rows = append(rows, r...)
		}
		return rows
	}
	small := collect(10)
	large := collect(10000)
	g.Expect(small).To(HaveLen(900))
	g.Expect(small).To(Equal(large))
}
