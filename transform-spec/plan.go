package transformspec

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/stream"
)

// ProjectedColumn is one output column of the projection step.
type ProjectedColumn struct {
	Name string
	Expr Expr
}

// AggregatePlan binds an AggregateSpec to its input column.
type AggregatePlan struct {
	Spec   AggregateSpec
	Input  *stream.Column // nil for count(*)
	Output stream.Column
}

// Plan is a TransformSpec compiled against the schema of a run.
type Plan struct {
	Spec       TransformSpec
	Input      *stream.Schema
	Filters    []Expr
	Columns    []ProjectedColumn
	Projected  *stream.Schema // inferred schema of the projection
	GroupBy    []stream.Column
	Aggregates []AggregatePlan
}

// NewPlan compiles spec against the input schema. Unknown columns, unknown functions and
// type errors are reported here, before any data is read.
func NewPlan(spec TransformSpec, input *stream.Schema) (*Plan, error) {
	spec.SetDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	p := &Plan{Spec: spec, Input: input}
	c := NewCompiler(input, spec.OnError, spec.DivisionScale)
	for _, f := range spec.Filters {
		e, err := c.CompilePredicate(f)
		if err != nil {
			return nil, err
		}
		p.Filters = append(p.Filters, e)
	}
	if len(spec.Columns) == 0 {
		for _, col := range input.Columns {
			p.Columns = append(p.Columns, ProjectedColumn{
				Name: col.Name,
				Expr: Expr{SQL: QuoteIdent(col.Name), Type: col.Type, Nullable: col.Nullable},
			})
		}
	}
	for _, cs := range spec.Columns {
		e, err := c.Compile(cs.Expr)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", cs.Name)
		}
		if cs.Type != "" {
			t, err := ParseTypeName(cs.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "column %q", cs.Name)
			}
			e = Expr{SQL: castSQL(e.SQL, t), Type: t, Nullable: e.Nullable}
		}
		if isNullType(e.Type) {
			return nil, fmt.Errorf("column %q: cannot infer the type of NULL, add a type", cs.Name)
		}
		p.Columns = append(p.Columns, ProjectedColumn{Name: cs.Name, Expr: e})
	}
	p.Projected = &stream.Schema{}
	for _, pc := range p.Columns {
		p.Projected.Columns = append(p.Projected.Columns, stream.Column{Name: pc.Name, Type: pc.Expr.Type, Nullable: pc.Expr.Nullable})
	}
	for _, g := range spec.GroupBy {
		col, ok := p.Projected.Column(g)
		if !ok {
			return nil, fmt.Errorf("unknown groupBy column %q", g)
		}
		p.GroupBy = append(p.GroupBy, col)
	}
	for _, a := range spec.Aggregates {
		ap, err := planAggregate(a, p.Projected, int32(spec.DivisionScale))
		if err != nil {
			return nil, err
		}
		p.Aggregates = append(p.Aggregates, ap)
	}
	return p, nil
}

func planAggregate(a AggregateSpec, projected *stream.Schema, divisionScale int32) (AggregatePlan, error) {
	ap := AggregatePlan{Spec: a}
	if a.Column == "" {
		ap.Output = stream.Column{Name: a.Name, Type: stream.Int64()}
		return ap, nil
	}
	col, ok := projected.Column(a.Column)
	if !ok {
		return ap, fmt.Errorf("aggregate %q: unknown column %q", a.Name, a.Column)
	}
	ap.Input = &col
	switch a.Func {
	case AggCount:
		ap.Output = stream.Column{Name: a.Name, Type: stream.Int64()}
	case AggMin, AggMax:
		if col.Type.Kind == stream.KindBinary {
			return ap, fmt.Errorf("aggregate %q: %v of binary column %q", a.Name, a.Func, a.Column)
		}
		ap.Output = stream.Column{Name: a.Name, Type: col.Type, Nullable: true}
	case AggSum, AggAvg:
		if !isNumeric(col.Type) {
			return ap, fmt.Errorf("aggregate %q: %v needs a numeric column, %q is %v", a.Name, a.Func, a.Column, col.Type)
		}
		t := stream.Float64()
		if col.Type.IsExact() {
			_, s := decimalOf(col.Type)
			if a.Func == AggAvg {
				s = maxInt32(s, divisionScale)
			}
			t = stream.Decimal(stream.MaxDecimalPrecision, s)
		}
		ap.Output = stream.Column{Name: a.Name, Type: t, Nullable: true}
	}
	return ap, nil
}

// IsPassThrough is true when batches need no transformation at all.
func (p *Plan) IsPassThrough() bool {
	return p.Spec.IsPassThrough()
}

func (p *Plan) IsAggregating() bool {
	return p.Spec.IsAggregating()
}

func (p *Plan) whereSQL() string {
	if len(p.Filters) == 0 {
		return ""
	}
	parts := make([]string, len(p.Filters))
	for i, f := range p.Filters {
		parts[i] = "(" + f.SQL + ")"
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

func (p *Plan) projectionList() string {
	parts := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		parts[i] = fmt.Sprintf("%v AS %v", c.Expr.SQL, QuoteIdent(c.Name))
	}
	return strings.Join(parts, ", ")
}

// ProjectionSQL selects the projected and filtered rows of table in input order.
func (p *Plan) ProjectionSQL(table string) string {
	return fmt.Sprintf("SELECT %v FROM %v%v ORDER BY %v", p.projectionList(), table, p.whereSQL(), QuoteIdent(SeqColumnName))
}

// PartialSQL computes one row of partial aggregates per group of the projected rows of table.
// The columns match PartialSchema.
func (p *Plan) PartialSQL(table string) string {
	var groups, cols []string
	for _, g := range p.GroupBy {
		groups = append(groups, QuoteIdent(g.Name))
	}
	cols = append(cols, groups...)
	for _, a := range p.Aggregates {
		arg := "*"
		if a.Input != nil {
			arg = QuoteIdent(a.Input.Name)
		}
		switch a.Spec.Func {
		case AggAvg:
			cols = append(cols, fmt.Sprintf("sum(%v)", arg), fmt.Sprintf("count(%v)", arg))
		default:
			cols = append(cols, fmt.Sprintf("%v(%v)", a.Spec.Func, arg))
		}
	}
	sql := fmt.Sprintf("WITH p AS (SELECT %v FROM %v%v) SELECT %v FROM p", p.projectionList(), table, p.whereSQL(), strings.Join(cols, ", "))
	if len(groups) > 0 {
		sql += " GROUP BY " + strings.Join(groups, ", ")
	}
	return sql
}

// PartialSchema describes the rows returned by PartialSQL.
func (p *Plan) PartialSchema() *stream.Schema {
	s := &stream.Schema{}
	s.Columns = append(s.Columns, p.GroupBy...)
	for _, a := range p.Aggregates {
		for i, t := range partialTypes(a) {
			s.Columns = append(s.Columns, stream.Column{Name: fmt.Sprintf("%v_%d", a.Spec.Name, i), Type: t, Nullable: true})
		}
	}
	return s
}

// partialTypes lists the canonical types of the partial values kept for a.
func partialTypes(a AggregatePlan) []stream.DataType {
	switch a.Spec.Func {
	case AggCount:
		return []stream.DataType{stream.Int64()}
	case AggMin, AggMax:
		return []stream.DataType{a.Input.Type}
	}
	sum := stream.Float64()
	if a.Input.Type.IsExact() {
		_, s := decimalOf(a.Input.Type)
		sum = stream.Decimal(stream.MaxDecimalPrecision, s)
	}
	if a.Spec.Func == AggAvg {
		return []stream.DataType{sum, stream.Int64()}
	}
	return []stream.DataType{sum}
}

// OutputSchema is the schema of an aggregating run's final partition.
func (p *Plan) OutputSchema() *stream.Schema {
	s := &stream.Schema{}
	s.Columns = append(s.Columns, p.GroupBy...)
	for _, a := range p.Aggregates {
		s.Columns = append(s.Columns, a.Output)
	}
	return s
}
