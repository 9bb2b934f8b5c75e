// Package transformspec holds the declarative transform spec of a run and compiles its expressions to DuckDB SQL.
package transformspec

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/stream"
)

// SeqColumnName is the ordinal column added to every input table. It is reserved.
const SeqColumnName = "__lp_seq"

const (
	OnErrorFail = "fail"
	OnErrorNull = "null"
)

// Aggregate functions.
const (
	AggSum   = "sum"
	AggCount = "count"
	AggMin   = "min"
	AggMax   = "max"
	AggAvg   = "avg"
)

type ColumnSpec struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	Expr string `json:"expr" yaml:"expr" mapstructure:"expr"`
	Type string `json:"type,omitempty" yaml:"type,omitempty" mapstructure:"type"` // optional canonical type of the result.
}

type AggregateSpec struct {
	Name   string `json:"name" yaml:"name" mapstructure:"name"`
	Func   string `json:"func" yaml:"func" mapstructure:"func"`
	Column string `json:"column,omitempty" yaml:"column,omitempty" mapstructure:"column"` // empty for count(*).
}

// TransformSpec is the projection, filter and aggregation applied to every batch of a run.
type TransformSpec struct {
	Filters       []string        `json:"filters,omitempty" yaml:"filters,omitempty" mapstructure:"filters"`
	Columns       []ColumnSpec    `json:"columns,omitempty" yaml:"columns,omitempty" mapstructure:"columns"`
	GroupBy       []string        `json:"groupBy,omitempty" yaml:"groupBy,omitempty" mapstructure:"groupBy"`
	Aggregates    []AggregateSpec `json:"aggregates,omitempty" yaml:"aggregates,omitempty" mapstructure:"aggregates"`
	OnError       string          `json:"onError,omitempty" yaml:"onError,omitempty" mapstructure:"onError"`
	DivisionScale int             `json:"divisionScale,omitempty" yaml:"divisionScale,omitempty" mapstructure:"divisionScale"`
}

// SetDefaults fills in OnError and DivisionScale when unset.
func (s *TransformSpec) SetDefaults() {
	if s.OnError == "" {
		s.OnError = OnErrorFail
	}
	if s.DivisionScale == 0 {
		s.DivisionScale = constants.DefaultDivisionScale
	}
}

// IsPassThrough is true when batches are emitted unchanged.
func (s *TransformSpec) IsPassThrough() bool {
	return len(s.Filters) == 0 && len(s.Columns) == 0 && len(s.Aggregates) == 0
}

// IsAggregating is true when the run emits one aggregate partition at the end instead of one partition per batch.
func (s *TransformSpec) IsAggregating() bool {
	return len(s.Aggregates) > 0
}

// Validate checks the structure of a transform spec. Expressions are checked when they are compiled against a schema.
func (s *TransformSpec) Validate() error {
	switch s.OnError {
	case "", OnErrorFail, OnErrorNull:
	default:
		return fmt.Errorf("onError must be %q or %q, got %q", OnErrorFail, OnErrorNull, s.OnError)
	}
	if s.DivisionScale < 0 || s.DivisionScale > stream.MaxDecimalPrecision-1 {
		return fmt.Errorf("divisionScale must be between 0 and %d", stream.MaxDecimalPrecision-1)
	}
	names := make(map[string]struct{})
	for idx, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("column %d has no name", idx)
		}
		if strings.EqualFold(c.Name, SeqColumnName) {
			return fmt.Errorf("column name %q is reserved", c.Name)
		}
		if c.Expr == "" {
			return fmt.Errorf("column %q has no expression", c.Name)
		}
		if c.Type != "" {
			if _, err := ParseTypeName(c.Type); err != nil {
				return errors.Wrapf(err, "column %q", c.Name)
			}
		}
		key := strings.ToLower(c.Name)
		if _, ok := names[key]; ok {
			return fmt.Errorf("duplicate column name %q", c.Name)
		}
		names[key] = struct{}{}
	}
	if len(s.GroupBy) > 0 && len(s.Aggregates) == 0 {
		return errors.New("groupBy requires at least one aggregate")
	}
	outNames := make(map[string]struct{})
	for _, g := range s.GroupBy {
		outNames[strings.ToLower(g)] = struct{}{}
	}
	for _, a := range s.Aggregates {
		if a.Name == "" {
			return errors.New("aggregate has no name")
		}
		switch a.Func {
		case AggSum, AggMin, AggMax, AggAvg:
			if a.Column == "" {
				return fmt.Errorf("aggregate %q needs a column", a.Name)
			}
		case AggCount:
		default:
			return fmt.Errorf("aggregate %q has unsupported function %q", a.Name, a.Func)
		}
		key := strings.ToLower(a.Name)
		if _, ok := outNames[key]; ok {
			return fmt.Errorf("duplicate output column %q", a.Name)
		}
		outNames[key] = struct{}{}
	}
	for _, f := range s.Filters {
		if strings.TrimSpace(f) == "" {
			return errors.New("empty filter expression")
		}
	}
	return nil
}
