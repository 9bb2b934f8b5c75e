package transformspec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/stream"
	tabledefinition "github.com/relloyd/lakepipe/table-definition"
	"github.com/shopspring/decimal"
)

// Accumulator holds the partial aggregates of an aggregating run, merged batch by batch.
// It is checkpointed with the watermark so a resumed run continues the same aggregate.
type Accumulator struct {
	plan   *Plan
	groups map[string]*accGroup
}

type accGroup struct {
	key      []interface{}
	partials [][]interface{} // per aggregate, in partialTypes order
}

func NewAccumulator(p *Plan) *Accumulator {
	return &Accumulator{plan: p, groups: make(map[string]*accGroup)}
}

// Len is the number of groups seen so far.
func (a *Accumulator) Len() int {
	return len(a.groups)
}

// Clone returns an independent copy so a failed batch can be discarded.
func (a *Accumulator) Clone() *Accumulator {
	c := NewAccumulator(a.plan)
	for k, g := range a.groups {
		ng := &accGroup{key: g.key, partials: make([][]interface{}, len(g.partials))}
		for i, p := range g.partials {
			ng.partials[i] = append([]interface{}(nil), p...)
		}
		c.groups[k] = ng
	}
	return c
}

func (a *Accumulator) keyString(key []interface{}) (string, error) {
	enc := make([]interface{}, len(key))
	for i, v := range key {
		enc[i] = encodeValue(v)
	}
	b, err := json.Marshal(enc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Merge folds rows shaped like Plan.PartialSchema into the accumulator.
// Values must be canonical (see tabledefinition.NormalizeValue).
func (a *Accumulator) Merge(rows [][]interface{}) error {
	nKeys := len(a.plan.GroupBy)
	for _, row := range rows {
		key := row[:nKeys]
		ks, err := a.keyString(key)
		if err != nil {
			return err
		}
		g, ok := a.groups[ks]
		if !ok {
			g = &accGroup{key: append([]interface{}(nil), key...), partials: make([][]interface{}, len(a.plan.Aggregates))}
			a.groups[ks] = g
		}
		idx := nKeys
		for i, ap := range a.plan.Aggregates {
			n := len(partialTypes(ap))
			merged, err := mergePartial(ap, g.partials[i], row[idx:idx+n])
			if err != nil {
				return errors.Wrapf(err, "aggregate %q", ap.Spec.Name)
			}
			g.partials[i] = merged
			idx += n
		}
	}
	return nil
}

func mergePartial(ap AggregatePlan, state, in []interface{}) ([]interface{}, error) {
	if state == nil {
		return append([]interface{}(nil), in...), nil
	}
	switch ap.Spec.Func {
	case AggCount:
		return []interface{}{addCounts(state[0], in[0])}, nil
	case AggSum:
		s, err := addSums(state[0], in[0])
		return []interface{}{s}, err
	case AggAvg:
		s, err := addSums(state[0], in[0])
		return []interface{}{s, addCounts(state[1], in[1])}, err
	case AggMin, AggMax:
		if in[0] == nil {
			return state, nil
		}
		if state[0] == nil {
			return []interface{}{in[0]}, nil
		}
		c, err := compareValues(in[0], state[0])
		if err != nil {
			return nil, err
		}
		if (ap.Spec.Func == AggMin && c < 0) || (ap.Spec.Func == AggMax && c > 0) {
			return []interface{}{in[0]}, nil
		}
		return state, nil
	}
	return nil, fmt.Errorf("unsupported aggregate function %q", ap.Spec.Func)
}

func addCounts(a, b interface{}) int64 {
	x, _ := a.(int64)
	y, _ := b.(int64)
	return x + y
}

func addSums(a, b interface{}) (interface{}, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	switch x := a.(type) {
	case decimal.Decimal:
		y, ok := b.(decimal.Decimal)
		if !ok {
			return nil, fmt.Errorf("cannot add %T to a decimal sum", b)
		}
		return x.Add(y), nil
	case float64:
		y, ok := b.(float64)
		if !ok {
			return nil, fmt.Errorf("cannot add %T to a float sum", b)
		}
		return x + y, nil
	}
	return nil, fmt.Errorf("unsupported sum value %T", a)
}

// compareValues orders canonical values of one type. NULL sorts first.
func compareValues(a, b interface{}) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}
	cmp := func(less, greater bool) int {
		if less {
			return -1
		}
		if greater {
			return 1
		}
		return 0
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmp(x < y, x > y), nil
		}
	case uint64:
		if y, ok := b.(uint64); ok {
			return cmp(x < y, x > y), nil
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp(x < y, x > y), nil
		}
	case decimal.Decimal:
		if y, ok := b.(decimal.Decimal); ok {
			return x.Cmp(y), nil
		}
	case bool:
		if y, ok := b.(bool); ok {
			return cmp(!x && y, x && !y), nil
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp(x < y, x > y), nil
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return cmp(x.Before(y), x.After(y)), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func (a *Accumulator) sortedGroups() ([]*accGroup, error) {
	groups := make([]*accGroup, 0, len(a.groups))
	for _, g := range a.groups {
		groups = append(groups, g)
	}
	var sortErr error
	sort.SliceStable(groups, func(i, j int) bool {
		for k := range groups[i].key {
			c, err := compareValues(groups[i].key[k], groups[j].key[k])
			if err != nil {
				sortErr = err
				return false
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	return groups, sortErr
}

// Rows returns the final aggregate rows ordered by group key, shaped like Plan.OutputSchema.
// Without groupBy there is always exactly one row, as in SQL.
func (a *Accumulator) Rows() ([][]interface{}, error) {
	groups, err := a.sortedGroups()
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 && len(a.plan.GroupBy) == 0 {
		groups = []*accGroup{{partials: make([][]interface{}, len(a.plan.Aggregates))}}
	}
	rows := make([][]interface{}, 0, len(groups))
	for _, g := range groups {
		row := append([]interface{}(nil), g.key...)
		for i, ap := range a.plan.Aggregates {
			v, err := finalValue(ap, g.partials[i])
			if err != nil {
				return nil, errors.Wrapf(err, "aggregate %q", ap.Spec.Name)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func finalValue(ap AggregatePlan, state []interface{}) (interface{}, error) {
	if ap.Spec.Func == AggCount {
		if state == nil {
			return int64(0), nil
		}
		return addCounts(state[0], nil), nil
	}
	if state == nil || state[0] == nil {
		return nil, nil
	}
	switch ap.Spec.Func {
	case AggAvg:
		n := addCounts(state[1], nil)
		if n == 0 {
			return nil, nil
		}
		switch s := state[0].(type) {
		case decimal.Decimal:
			return s.DivRound(decimal.NewFromInt(n), ap.Output.Type.Scale), nil
		case float64:
			return s / float64(n), nil
		}
		return nil, fmt.Errorf("unsupported sum value %T", state[0])
	case AggSum:
		if d, ok := state[0].(decimal.Decimal); ok {
			// Check the sum still fits the output precision.
			return tabledefinition.NormalizeValue(ap.Output, d)
		}
	}
	return state[0], nil
}

type accumulatorJSON struct {
	Groups []groupJSON `json:"groups"`
}

type groupJSON struct {
	Key      []interface{}   `json:"key"`
	Partials [][]interface{} `json:"partials"`
}

// MarshalJSON writes groups in key order so equal accumulators give equal documents.
func (a *Accumulator) MarshalJSON() ([]byte, error) {
	groups, err := a.sortedGroups()
	if err != nil {
		return nil, err
	}
	doc := accumulatorJSON{Groups: make([]groupJSON, 0, len(groups))}
	for _, g := range groups {
		gj := groupJSON{Key: make([]interface{}, len(g.key)), Partials: make([][]interface{}, len(g.partials))}
		for i, v := range g.key {
			gj.Key[i] = encodeValue(v)
		}
		for i, p := range g.partials {
			if p == nil {
				continue
			}
			gj.Partials[i] = make([]interface{}, len(p))
			for j, v := range p {
				gj.Partials[i][j] = encodeValue(v)
			}
		}
		doc.Groups = append(doc.Groups, gj)
	}
	return json.Marshal(doc)
}

// Load replaces the accumulator state with a document written by MarshalJSON.
func (a *Accumulator) Load(raw json.RawMessage) error {
	a.groups = make(map[string]*accGroup)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var doc accumulatorJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "error reading aggregate state")
	}
	nKeys := len(a.plan.GroupBy)
	for _, gj := range doc.Groups {
		if len(gj.Key) != nKeys || len(gj.Partials) != len(a.plan.Aggregates) {
			return errors.New("aggregate state does not match the configured groupBy and aggregates")
		}
		g := &accGroup{key: make([]interface{}, nKeys), partials: make([][]interface{}, len(gj.Partials))}
		for i, v := range gj.Key {
			col := a.plan.GroupBy[i]
			col.Nullable = true
			dv, err := decodeValue(col, v)
			if err != nil {
				return err
			}
			g.key[i] = dv
		}
		for i, p := range gj.Partials {
			if p == nil {
				continue
			}
			types := partialTypes(a.plan.Aggregates[i])
			if len(p) != len(types) {
				return fmt.Errorf("aggregate state for %q has %d values, expected %d", a.plan.Aggregates[i].Spec.Name, len(p), len(types))
			}
			g.partials[i] = make([]interface{}, len(p))
			for j, v := range p {
				dv, err := decodeValue(stream.Column{Name: a.plan.Aggregates[i].Spec.Name, Type: types[j], Nullable: true}, v)
				if err != nil {
					return err
				}
				g.partials[i][j] = dv
			}
		}
		ks, err := a.keyString(g.key)
		if err != nil {
			return err
		}
		a.groups[ks] = g
	}
	return nil
}

// encodeValue renders a canonical value as JSON without losing precision.
func encodeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
		return x
	case decimal.Decimal:
		return x.String()
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func decodeValue(col stream.Column, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type.Kind {
	case stream.KindBinary:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("column %q: expected base64 text, got %T", col.Name, v)
		}
		return base64.StdEncoding.DecodeString(s)
	case stream.KindFloat32, stream.KindFloat64:
		if s, ok := v.(string); ok {
			return strconv.ParseFloat(s, 64)
		}
	}
	return tabledefinition.NormalizeValue(col, v)
}
