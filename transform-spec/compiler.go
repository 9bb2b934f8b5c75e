package transformspec

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/stream"
	"github.com/shopspring/decimal"
)

// Expr is a compiled expression: DuckDB SQL plus the inferred result type.
type Expr struct {
	SQL      string
	Type     stream.DataType
	Nullable bool
}

// Macros are created in the DuckDB session before compiled SQL runs.
// Exact division and modulo work on unscaled HUGEINT values so decimals never pass through DOUBLE.
var Macros = []string{
	`CREATE OR REPLACE TEMP MACRO lp_unscaled(x) AS CAST(replace(CAST(x AS VARCHAR), '.', '') AS HUGEINT)`,
	`CREATE OR REPLACE TEMP MACRO lp_div_round(ln, rn, m) AS (CASE WHEN (ln < 0) <> (rn < 0) THEN -1 ELSE 1 END) * ((abs(ln) * m // abs(rn) + 5) // 10)`,
	`CREATE OR REPLACE TEMP MACRO lp_unscaled_text(q, d, s) AS (CASE WHEN q < 0 THEN '-' ELSE '' END) || CAST(abs(q) // d AS VARCHAR) || '.' || lpad(CAST(abs(q) % d AS VARCHAR), s, '0')`,
}

const divisionByZero = "division by zero"

// Compiler compiles expressions over the columns of one schema.
type Compiler struct {
	schema        *stream.Schema
	onErrorNull   bool
	divisionScale int32
}

func NewCompiler(schema *stream.Schema, onError string, divisionScale int) *Compiler {
	return &Compiler{schema: schema, onErrorNull: onError == OnErrorNull, divisionScale: int32(divisionScale)}
}

// Compile parses and compiles expr.
func (c *Compiler) Compile(expr string) (Expr, error) {
	n, err := Parse(expr)
	if err != nil {
		return Expr{}, err
	}
	e, err := c.compile(n)
	if err != nil {
		return Expr{}, errors.Wrapf(err, "expression %q", expr)
	}
	return e, nil
}

// CompilePredicate compiles expr and checks that it is boolean.
func (c *Compiler) CompilePredicate(expr string) (Expr, error) {
	e, err := c.Compile(expr)
	if err != nil {
		return Expr{}, err
	}
	if e.Type.Kind != stream.KindBool && !isNullType(e.Type) {
		return Expr{}, fmt.Errorf("filter %q is %v, not bool", expr, e.Type)
	}
	return e, nil
}

func castSQL(sql string, d stream.DataType) string {
	return fmt.Sprintf("CAST(%v AS %v)", sql, mustDuckTypeName(d))
}

func (c *Compiler) compile(n Node) (Expr, error) {
	switch x := n.(type) {
	case *Ident:
		col, ok := c.schema.Column(x.Name)
		if !ok {
			return Expr{}, fmt.Errorf("unknown column %q", x.Name)
		}
		return Expr{SQL: QuoteIdent(col.Name), Type: col.Type, Nullable: col.Nullable}, nil
	case *NumberLit:
		return numberLiteral(x.Text)
	case *StringLit:
		return Expr{SQL: quoteString(x.Value), Type: stream.String()}, nil
	case *BoolLit:
		if x.Value {
			return Expr{SQL: "TRUE", Type: stream.Bool()}, nil
		}
		return Expr{SQL: "FALSE", Type: stream.Bool()}, nil
	case *NullLit:
		return Expr{SQL: "NULL", Type: nullType, Nullable: true}, nil
	case *Unary:
		return c.compileUnary(x)
	case *Binary:
		return c.compileBinary(x)
	case *IsNull:
		e, err := c.compile(x.X)
		if err != nil {
			return Expr{}, err
		}
		op := "IS NULL"
		if x.Not {
			op = "IS NOT NULL"
		}
		return Expr{SQL: fmt.Sprintf("(%v) %v", e.SQL, op), Type: stream.Bool()}, nil
	case *In:
		return c.compileIn(x)
	case *Between:
		return c.compileBetween(x)
	case *Case:
		return c.compileCase(x)
	case *Cast:
		e, err := c.compile(x.X)
		if err != nil {
			return Expr{}, err
		}
		t, err := ParseTypeName(x.Type)
		if err != nil {
			return Expr{}, err
		}
		return Expr{SQL: castSQL(e.SQL, t), Type: t, Nullable: e.Nullable}, nil
	case *Call:
		return c.compileCall(x)
	}
	return Expr{}, fmt.Errorf("unsupported expression %T", n)
}

// numberLiteral types integers as int64, plain decimals as decimal and exponent forms as float64.
func numberLiteral(text string) (Expr, error) {
	if strings.ContainsAny(text, "eE") {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsInf(f, 0) {
			return Expr{}, fmt.Errorf("bad number %q", text)
		}
		return Expr{SQL: castSQL(text, stream.Float64()), Type: stream.Float64()}, nil
	}
	if !strings.Contains(text, ".") {
		if _, err := strconv.ParseInt(text, 10, 64); err == nil {
			return Expr{SQL: castSQL(text, stream.Int64()), Type: stream.Int64()}, nil
		}
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return Expr{}, fmt.Errorf("bad number %q", text)
	}
	scale := int32(0)
	if d.Exponent() < 0 {
		scale = -d.Exponent()
	}
	precision := maxInt32(int32(len(d.Coefficient().String())), scale)
	precision = maxInt32(precision, 1)
	t := stream.Decimal(precision, scale)
	if err = t.Validate(); err != nil {
		return Expr{}, errors.Wrapf(err, "number %q", text)
	}
	return Expr{SQL: castSQL(quoteString(text), t), Type: t}, nil
}

// coerceNulls gives a bare NULL operand the type of the other operand.
func coerceNulls(l, r Expr) (Expr, Expr, error) {
	switch {
	case isNullType(l.Type) && isNullType(r.Type):
		return l, r, errors.New("cannot infer the type of NULL operands")
	case isNullType(l.Type):
		l = Expr{SQL: castSQL("NULL", r.Type), Type: r.Type, Nullable: true}
	case isNullType(r.Type):
		r = Expr{SQL: castSQL("NULL", l.Type), Type: l.Type, Nullable: true}
	}
	return l, r, nil
}

func (c *Compiler) compileUnary(x *Unary) (Expr, error) {
	e, err := c.compile(x.X)
	if err != nil {
		return Expr{}, err
	}
	if x.Op == "NOT" {
		if e.Type.Kind != stream.KindBool && !isNullType(e.Type) {
			return Expr{}, fmt.Errorf("NOT needs a bool operand, got %v", e.Type)
		}
		return Expr{SQL: fmt.Sprintf("NOT (%v)", e.SQL), Type: stream.Bool(), Nullable: e.Nullable}, nil
	}
	switch {
	case isSmallInt(e.Type):
		return Expr{SQL: fmt.Sprintf("-(%v)", castSQL(e.SQL, stream.Int64())), Type: stream.Int64(), Nullable: e.Nullable}, nil
	case e.Type.Kind == stream.KindUint64:
		p, s := decimalOf(e.Type)
		t := stream.Decimal(p, s)
		return Expr{SQL: fmt.Sprintf("-(%v)", castSQL(e.SQL, t)), Type: t, Nullable: e.Nullable}, nil
	case e.Type.Kind == stream.KindDecimal:
		return Expr{SQL: fmt.Sprintf("-(%v)", e.SQL), Type: e.Type, Nullable: e.Nullable}, nil
	case e.Type.IsFloat():
		return Expr{SQL: fmt.Sprintf("-(%v)", castSQL(e.SQL, stream.Float64())), Type: stream.Float64(), Nullable: e.Nullable}, nil
	}
	return Expr{}, fmt.Errorf("unary minus needs a numeric operand, got %v", e.Type)
}

func (c *Compiler) compileBinary(x *Binary) (Expr, error) {
	l, err := c.compile(x.L)
	if err != nil {
		return Expr{}, err
	}
	r, err := c.compile(x.R)
	if err != nil {
		return Expr{}, err
	}
	nullable := l.Nullable || r.Nullable
	switch x.Op {
	case "AND", "OR":
		for _, e := range []Expr{l, r} {
			if e.Type.Kind != stream.KindBool && !isNullType(e.Type) {
				return Expr{}, fmt.Errorf("%v needs bool operands, got %v", x.Op, e.Type)
			}
		}
		return Expr{SQL: fmt.Sprintf("(%v) %v (%v)", l.SQL, x.Op, r.SQL), Type: stream.Bool(), Nullable: nullable}, nil
	case "LIKE", "ILIKE":
		for _, e := range []Expr{l, r} {
			if e.Type.Kind != stream.KindString && !isNullType(e.Type) {
				return Expr{}, fmt.Errorf("%v needs string operands, got %v", x.Op, e.Type)
			}
		}
		op := x.Op
		if x.Not {
			op = "NOT " + op
		}
		return Expr{SQL: fmt.Sprintf("(%v) %v (%v)", l.SQL, op, r.SQL), Type: stream.Bool(), Nullable: nullable}, nil
	case "||":
		return Expr{
			SQL:      fmt.Sprintf("%v || %v", castSQL(l.SQL, stream.String()), castSQL(r.SQL, stream.String())),
			Type:     stream.String(),
			Nullable: nullable,
		}, nil
	case "=", "<>", "<", "<=", ">", ">=":
		if !canCompare(l.Type, r.Type) {
			return Expr{}, fmt.Errorf("cannot compare %v with %v", l.Type, r.Type)
		}
		return Expr{SQL: fmt.Sprintf("(%v) %v (%v)", l.SQL, x.Op, r.SQL), Type: stream.Bool(), Nullable: nullable}, nil
	}
	// Arithmetic.
	l, r, err = coerceNulls(l, r)
	if err != nil {
		return Expr{}, err
	}
	if !isNumeric(l.Type) || !isNumeric(r.Type) {
		return Expr{}, fmt.Errorf("operator %v needs numeric operands, got %v and %v", x.Op, l.Type, r.Type)
	}
	var e Expr
	switch x.Op {
	case "+", "-", "*":
		e, err = arithmetic(x.Op, l, r)
	case "/":
		e, err = c.divide(l, r)
	case "%":
		e, err = c.modulo(l, r)
	default:
		err = fmt.Errorf("unsupported operator %v", x.Op)
	}
	if err != nil {
		return Expr{}, err
	}
	e.Nullable = e.Nullable || nullable
	return e, nil
}

func arithmetic(op string, l, r Expr) (Expr, error) {
	switch {
	case l.Type.IsFloat() || r.Type.IsFloat():
		return Expr{
			SQL:  fmt.Sprintf("(%v %v %v)", castSQL(l.SQL, stream.Float64()), op, castSQL(r.SQL, stream.Float64())),
			Type: stream.Float64(),
		}, nil
	case isSmallInt(l.Type) && isSmallInt(r.Type):
		return Expr{
			SQL:  fmt.Sprintf("(%v %v %v)", castSQL(l.SQL, stream.Int64()), op, castSQL(r.SQL, stream.Int64())),
			Type: stream.Int64(),
		}, nil
	}
	p1, s1 := decimalOf(l.Type)
	p2, s2 := decimalOf(r.Type)
	var t stream.DataType
	if op == "*" {
		s := s1 + s2
		if s > stream.MaxDecimalPrecision {
			return Expr{}, fmt.Errorf("decimal product needs scale %d, above %d", s, stream.MaxDecimalPrecision)
		}
		t = stream.Decimal(minInt32(stream.MaxDecimalPrecision, p1+p2), s)
	} else {
		s := maxInt32(s1, s2)
		t = stream.Decimal(minInt32(stream.MaxDecimalPrecision, maxInt32(p1-s1, p2-s2)+1+s), s)
	}
	return Expr{SQL: castSQL(fmt.Sprintf("(%v) %v (%v)", l.SQL, op, r.SQL), t), Type: t}, nil
}

// guardZero raises (or yields NULL for) a zero divisor.
func (c *Compiler) guardZero(divisor string, result string, t stream.DataType) string {
	onZero := castSQL(fmt.Sprintf("error('%v')", divisionByZero), t)
	if c.onErrorNull {
		onZero = castSQL("NULL", t)
	}
	return fmt.Sprintf("(CASE WHEN (%v) = 0 THEN %v ELSE %v END)", divisor, onZero, result)
}

func pow10(n int32) string {
	return "1" + strings.Repeat("0", int(n))
}

// unscaledSQL returns the HUGEINT coefficient of e at the given scale.
func unscaledSQL(e Expr, scale int32) string {
	if scale == 0 && e.Type.IsInteger() {
		return fmt.Sprintf("CAST(%v AS HUGEINT)", e.SQL)
	}
	return fmt.Sprintf("lp_unscaled(%v)", castSQL(e.SQL, stream.Decimal(stream.MaxDecimalPrecision, scale)))
}

// fromUnscaledSQL turns a HUGEINT coefficient back into DECIMAL(38, scale).
func fromUnscaledSQL(q string, scale int32) string {
	t := stream.Decimal(stream.MaxDecimalPrecision, scale)
	if scale == 0 {
		return castSQL(q, t)
	}
	return castSQL(fmt.Sprintf("lp_unscaled_text(%v, CAST('%v' AS HUGEINT), %d)", q, pow10(scale), scale), t)
}

// divide keeps exact operands exact: the quotient has scale max(left scale, divisionScale)
// and is rounded half away from zero.
func (c *Compiler) divide(l, r Expr) (Expr, error) {
	if l.Type.IsFloat() || r.Type.IsFloat() {
		t := stream.Float64()
		result := fmt.Sprintf("(%v / %v)", castSQL(l.SQL, t), castSQL(r.SQL, t))
		return Expr{SQL: c.guardZero(r.SQL, result, t), Type: t, Nullable: c.onErrorNull}, nil
	}
	_, sl := decimalOf(l.Type)
	_, sr := decimalOf(r.Type)
	s := maxInt32(sl, c.divisionScale)
	k := s + sr - sl
	if s >= stream.MaxDecimalPrecision || k+1 > stream.MaxDecimalPrecision {
		return Expr{}, fmt.Errorf("division needs scale %d, too large for exact arithmetic", s)
	}
	t := stream.Decimal(stream.MaxDecimalPrecision, s)
	q := fmt.Sprintf("lp_div_round(%v, %v, CAST('%v' AS HUGEINT))", unscaledSQL(l, sl), unscaledSQL(r, sr), pow10(k+1))
	return Expr{SQL: c.guardZero(r.SQL, fromUnscaledSQL(q, s), t), Type: t, Nullable: c.onErrorNull}, nil
}

// modulo follows the sign of the dividend.
func (c *Compiler) modulo(l, r Expr) (Expr, error) {
	switch {
	case l.Type.IsFloat() || r.Type.IsFloat():
		t := stream.Float64()
		result := fmt.Sprintf("fmod(%v, %v)", castSQL(l.SQL, t), castSQL(r.SQL, t))
		return Expr{SQL: c.guardZero(r.SQL, result, t), Type: t, Nullable: c.onErrorNull}, nil
	case isSmallInt(l.Type) && isSmallInt(r.Type):
		t := stream.Int64()
		result := fmt.Sprintf("(%v %% %v)", castSQL(l.SQL, t), castSQL(r.SQL, t))
		return Expr{SQL: c.guardZero(r.SQL, result, t), Type: t, Nullable: c.onErrorNull}, nil
	}
	_, sl := decimalOf(l.Type)
	_, sr := decimalOf(r.Type)
	m := maxInt32(sl, sr)
	t := stream.Decimal(stream.MaxDecimalPrecision, m)
	rem := fmt.Sprintf("(%v %% %v)", unscaledSQL(l, m), unscaledSQL(r, m))
	return Expr{SQL: c.guardZero(r.SQL, fromUnscaledSQL(rem, m), t), Type: t, Nullable: c.onErrorNull}, nil
}

func (c *Compiler) compileIn(x *In) (Expr, error) {
	e, err := c.compile(x.X)
	if err != nil {
		return Expr{}, err
	}
	nullable := e.Nullable
	items := make([]string, len(x.List))
	for i, n := range x.List {
		v, err := c.compile(n)
		if err != nil {
			return Expr{}, err
		}
		if !canCompare(e.Type, v.Type) {
			return Expr{}, fmt.Errorf("cannot compare %v with %v in IN list", e.Type, v.Type)
		}
		nullable = nullable || v.Nullable
		items[i] = v.SQL
	}
	op := "IN"
	if x.Not {
		op = "NOT IN"
	}
	return Expr{SQL: fmt.Sprintf("(%v) %v (%v)", e.SQL, op, strings.Join(items, ", ")), Type: stream.Bool(), Nullable: nullable}, nil
}

func (c *Compiler) compileBetween(x *Between) (Expr, error) {
	var parts [3]Expr
	for i, n := range []Node{x.X, x.Lo, x.Hi} {
		e, err := c.compile(n)
		if err != nil {
			return Expr{}, err
		}
		parts[i] = e
	}
	if !canCompare(parts[0].Type, parts[1].Type) || !canCompare(parts[0].Type, parts[2].Type) {
		return Expr{}, fmt.Errorf("cannot compare %v with BETWEEN bounds %v and %v", parts[0].Type, parts[1].Type, parts[2].Type)
	}
	op := "BETWEEN"
	if x.Not {
		op = "NOT BETWEEN"
	}
	return Expr{
		SQL:      fmt.Sprintf("(%v) %v (%v) AND (%v)", parts[0].SQL, op, parts[1].SQL, parts[2].SQL),
		Type:     stream.Bool(),
		Nullable: parts[0].Nullable || parts[1].Nullable || parts[2].Nullable,
	}, nil
}

func (c *Compiler) compileCase(x *Case) (Expr, error) {
	var operand *Expr
	if x.Operand != nil {
		e, err := c.compile(x.Operand)
		if err != nil {
			return Expr{}, err
		}
		operand = &e
	}
	conds := make([]Expr, len(x.Whens))
	results := make([]Expr, 0, len(x.Whens)+1)
	for i, w := range x.Whens {
		cond, err := c.compile(w.Cond)
		if err != nil {
			return Expr{}, err
		}
		if operand != nil && !canCompare(operand.Type, cond.Type) {
			return Expr{}, fmt.Errorf("cannot compare CASE operand %v with %v", operand.Type, cond.Type)
		}
		if operand == nil && cond.Type.Kind != stream.KindBool && !isNullType(cond.Type) {
			return Expr{}, fmt.Errorf("WHEN condition is %v, not bool", cond.Type)
		}
		conds[i] = cond
		res, err := c.compile(w.Result)
		if err != nil {
			return Expr{}, err
		}
		results = append(results, res)
	}
	nullable := x.Else == nil
	if x.Else != nil {
		e, err := c.compile(x.Else)
		if err != nil {
			return Expr{}, err
		}
		results = append(results, e)
	}
	types := make([]stream.DataType, len(results))
	for i, r := range results {
		types[i] = r.Type
		nullable = nullable || r.Nullable
	}
	t, err := unify(types)
	if err != nil {
		return Expr{}, errors.Wrap(err, "CASE results")
	}
	if isNullType(t) {
		return Expr{}, errors.New("cannot infer the type of a CASE whose results are all NULL")
	}
	var sb strings.Builder
	sb.WriteString("(CASE")
	if operand != nil {
		sb.WriteString(" " + operand.SQL)
	}
	for i := range x.Whens {
		fmt.Fprintf(&sb, " WHEN %v THEN %v", conds[i].SQL, castSQL(results[i].SQL, t))
	}
	if x.Else != nil {
		fmt.Fprintf(&sb, " ELSE %v", castSQL(results[len(results)-1].SQL, t))
	}
	sb.WriteString(" END)")
	return Expr{SQL: sb.String(), Type: t, Nullable: nullable}, nil
}
