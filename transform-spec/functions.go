package transformspec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relloyd/lakepipe/stream"
)

type function struct {
	minArgs int
	maxArgs int // -1 means no limit
	compile func(name string, nodes []Node, args []Expr) (Expr, error)
}

// functions is the whitelist of scalar functions an expression may call.
var functions = map[string]function{
	"lower":          {1, 1, stringFunc},
	"upper":          {1, 1, stringFunc},
	"trim":           {1, 2, stringFunc},
	"ltrim":          {1, 2, stringFunc},
	"rtrim":          {1, 2, stringFunc},
	"md5":            {1, 1, stringFunc},
	"replace":        {3, 3, stringFunc},
	"regexp_replace": {3, 4, stringFunc},
	"regexp_extract": {2, 3, regexpExtract},
	"substr":         {2, 3, substring},
	"substring":      {2, 3, substring},
	"left":           {2, 2, substring},
	"right":          {2, 2, substring},
	"lpad":           {3, 3, pad},
	"rpad":           {3, 3, pad},
	"concat":         {1, -1, concat},
	"length":         {1, 1, length},
	"regexp_matches": {2, 3, stringPredicate},
	"starts_with":    {2, 2, stringPredicate},
	"contains":       {2, 2, stringPredicate},
	"abs":            {1, 1, abs},
	"round":          {1, 2, round},
	"floor":          {1, 1, floorCeil},
	"ceil":           {1, 1, floorCeil},
	"coalesce":       {1, -1, unifying},
	"greatest":       {1, -1, unifying},
	"least":          {1, -1, unifying},
	"nullif":         {2, 2, nullIf},
	"date_trunc":     {2, 2, dateTrunc},
	"year":           {1, 1, datePart},
	"quarter":        {1, 1, datePart},
	"month":          {1, 1, datePart},
	"day":            {1, 1, datePart},
	"dayofweek":      {1, 1, datePart},
	"dayofyear":      {1, 1, datePart},
	"week":           {1, 1, datePart},
	"hour":           {1, 1, datePart},
	"minute":         {1, 1, datePart},
	"second":         {1, 1, datePart},
	"epoch":          {1, 1, epoch},
	"strftime":       {2, 2, strftime},
}

var aggregateNames = map[string]bool{AggSum: true, AggCount: true, AggMin: true, AggMax: true, AggAvg: true}

func (c *Compiler) compileCall(x *Call) (Expr, error) {
	fn, ok := functions[x.Name]
	if !ok {
		if aggregateNames[x.Name] {
			return Expr{}, fmt.Errorf("aggregate function %v() is not allowed in an expression, configure it under aggregates", x.Name)
		}
		return Expr{}, fmt.Errorf("unknown function %v()", x.Name)
	}
	if x.Star {
		return Expr{}, fmt.Errorf("%v(*) is not supported", x.Name)
	}
	if len(x.Args) < fn.minArgs || (fn.maxArgs >= 0 && len(x.Args) > fn.maxArgs) {
		return Expr{}, fmt.Errorf("wrong number of arguments to %v(): %d", x.Name, len(x.Args))
	}
	args := make([]Expr, len(x.Args))
	for i, n := range x.Args {
		e, err := c.compile(n)
		if err != nil {
			return Expr{}, err
		}
		args[i] = e
	}
	return fn.compile(x.Name, x.Args, args)
}

func anyNullable(args []Expr) bool {
	for _, a := range args {
		if a.Nullable {
			return true
		}
	}
	return false
}

func allNullable(args []Expr) bool {
	for _, a := range args {
		if !a.Nullable {
			return false
		}
	}
	return true
}

func sqlArgs(args []Expr) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.SQL
	}
	return strings.Join(parts, ", ")
}

func want(name string, idx int, e Expr, ok func(stream.DataType) bool, what string) error {
	if isNullType(e.Type) || ok(e.Type) {
		return nil
	}
	return fmt.Errorf("argument %d of %v() must be %v, got %v", idx+1, name, what, e.Type)
}

func isString(d stream.DataType) bool { return d.Kind == stream.KindString }

func isInteger(d stream.DataType) bool { return d.IsInteger() }

func call(name string, args []Expr) string {
	return fmt.Sprintf("%v(%v)", name, sqlArgs(args))
}

func stringFunc(name string, _ []Node, args []Expr) (Expr, error) {
	for i, a := range args {
		if err := want(name, i, a, isString, "a string"); err != nil {
			return Expr{}, err
		}
	}
	return Expr{SQL: call(name, args), Type: stream.String(), Nullable: anyNullable(args)}, nil
}

func regexpExtract(name string, _ []Node, args []Expr) (Expr, error) {
	for i, a := range args[:2] {
		if err := want(name, i, a, isString, "a string"); err != nil {
			return Expr{}, err
		}
	}
	if len(args) == 3 {
		if err := want(name, 2, args[2], isInteger, "an integer"); err != nil {
			return Expr{}, err
		}
	}
	return Expr{SQL: call(name, args), Type: stream.String(), Nullable: anyNullable(args)}, nil
}

func substring(name string, _ []Node, args []Expr) (Expr, error) {
	if err := want(name, 0, args[0], isString, "a string"); err != nil {
		return Expr{}, err
	}
	for i := 1; i < len(args); i++ {
		if err := want(name, i, args[i], isInteger, "an integer"); err != nil {
			return Expr{}, err
		}
	}
	return Expr{SQL: call(name, args), Type: stream.String(), Nullable: anyNullable(args)}, nil
}

func pad(name string, _ []Node, args []Expr) (Expr, error) {
	if err := want(name, 0, args[0], isString, "a string"); err != nil {
		return Expr{}, err
	}
	if err := want(name, 1, args[1], isInteger, "an integer"); err != nil {
		return Expr{}, err
	}
	if err := want(name, 2, args[2], isString, "a string"); err != nil {
		return Expr{}, err
	}
	return Expr{SQL: call(name, args), Type: stream.String(), Nullable: anyNullable(args)}, nil
}

// concat skips NULL arguments so it only yields NULL when given none.
func concat(name string, _ []Node, args []Expr) (Expr, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = castSQL(a.SQL, stream.String())
	}
	return Expr{SQL: fmt.Sprintf("concat(%v)", strings.Join(parts, ", ")), Type: stream.String()}, nil
}

func length(name string, _ []Node, args []Expr) (Expr, error) {
	if err := want(name, 0, args[0], isString, "a string"); err != nil {
		return Expr{}, err
	}
	return Expr{SQL: castSQL(call(name, args), stream.Int64()), Type: stream.Int64(), Nullable: args[0].Nullable}, nil
}

func stringPredicate(name string, _ []Node, args []Expr) (Expr, error) {
	for i, a := range args {
		if err := want(name, i, a, isString, "a string"); err != nil {
			return Expr{}, err
		}
	}
	return Expr{SQL: call(name, args), Type: stream.Bool(), Nullable: anyNullable(args)}, nil
}

func abs(name string, _ []Node, args []Expr) (Expr, error) {
	a := args[0]
	switch {
	case isSmallInt(a.Type):
		return Expr{SQL: fmt.Sprintf("abs(%v)", castSQL(a.SQL, stream.Int64())), Type: stream.Int64(), Nullable: a.Nullable}, nil
	case a.Type.IsExact():
		p, s := decimalOf(a.Type)
		t := stream.Decimal(p, s)
		return Expr{SQL: castSQL(fmt.Sprintf("abs(%v)", castSQL(a.SQL, t)), t), Type: t, Nullable: a.Nullable}, nil
	case a.Type.IsFloat():
		return Expr{SQL: fmt.Sprintf("abs(%v)", castSQL(a.SQL, stream.Float64())), Type: stream.Float64(), Nullable: a.Nullable}, nil
	}
	return Expr{}, fmt.Errorf("abs() needs a numeric argument, got %v", a.Type)
}

// intLiteral returns the value of an integer literal argument, allowing a leading minus.
func intLiteral(n Node) (int64, bool) {
	neg := false
	if u, ok := n.(*Unary); ok && u.Op == "-" {
		neg = true
		n = u.X
	}
	lit, ok := n.(*NumberLit)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(lit.Text, 10, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

// round rounds half away from zero; on decimals the result scale drops to the requested digits.
func round(name string, nodes []Node, args []Expr) (Expr, error) {
	a := args[0]
	digits := int64(0)
	if len(nodes) == 2 {
		v, ok := intLiteral(nodes[1])
		if !ok {
			return Expr{}, fmt.Errorf("round() needs an integer literal for the number of digits")
		}
		digits = v
	}
	switch {
	case a.Type.IsFloat():
		return Expr{SQL: fmt.Sprintf("round(%v, %d)", castSQL(a.SQL, stream.Float64()), digits), Type: stream.Float64(), Nullable: a.Nullable}, nil
	case a.Type.IsExact():
		p, s := decimalOf(a.Type)
		scale := s
		if digits >= 0 && int32(digits) < s {
			scale = int32(digits)
		}
		if digits < 0 {
			scale = 0
		}
		t := stream.Decimal(minInt32(stream.MaxDecimalPrecision, p-s+scale+1), scale)
		if isSmallInt(a.Type) && digits >= 0 {
			t = stream.Int64()
			return Expr{SQL: castSQL(a.SQL, t), Type: t, Nullable: a.Nullable}, nil
		}
		src := stream.Decimal(p, s)
		return Expr{SQL: castSQL(fmt.Sprintf("round(%v, %d)", castSQL(a.SQL, src), digits), t), Type: t, Nullable: a.Nullable}, nil
	}
	return Expr{}, fmt.Errorf("round() needs a numeric argument, got %v", a.Type)
}

func floorCeil(name string, _ []Node, args []Expr) (Expr, error) {
	a := args[0]
	switch {
	case isSmallInt(a.Type):
		return Expr{SQL: castSQL(a.SQL, stream.Int64()), Type: stream.Int64(), Nullable: a.Nullable}, nil
	case a.Type.IsExact():
		p, s := decimalOf(a.Type)
		t := stream.Decimal(minInt32(stream.MaxDecimalPrecision, p-s+1), 0)
		return Expr{SQL: castSQL(fmt.Sprintf("%v(%v)", name, castSQL(a.SQL, stream.Decimal(p, s))), t), Type: t, Nullable: a.Nullable}, nil
	case a.Type.IsFloat():
		return Expr{SQL: fmt.Sprintf("%v(%v)", name, castSQL(a.SQL, stream.Float64())), Type: stream.Float64(), Nullable: a.Nullable}, nil
	}
	return Expr{}, fmt.Errorf("%v() needs a numeric argument, got %v", name, a.Type)
}

func unifying(name string, _ []Node, args []Expr) (Expr, error) {
	types := make([]stream.DataType, len(args))
	for i, a := range args {
		types[i] = a.Type
	}
	t, err := unify(types)
	if err != nil {
		return Expr{}, fmt.Errorf("arguments of %v(): %v", name, err)
	}
	if isNullType(t) {
		return Expr{SQL: "NULL", Type: t, Nullable: true}, nil
	}
	cast := make([]Expr, len(args))
	for i, a := range args {
		cast[i] = Expr{SQL: castSQL(a.SQL, t)}
	}
	return Expr{SQL: call(name, cast), Type: t, Nullable: allNullable(args)}, nil
}

func nullIf(name string, _ []Node, args []Expr) (Expr, error) {
	if !canCompare(args[0].Type, args[1].Type) {
		return Expr{}, fmt.Errorf("cannot compare %v with %v in nullif()", args[0].Type, args[1].Type)
	}
	return Expr{SQL: call(name, args), Type: args[0].Type, Nullable: true}, nil
}

var dateParts = map[string]bool{
	"year": true, "quarter": true, "month": true, "week": true, "day": true,
	"hour": true, "minute": true, "second": true, "millisecond": true, "microsecond": true,
}

func dateTrunc(name string, nodes []Node, args []Expr) (Expr, error) {
	lit, ok := nodes[0].(*StringLit)
	if !ok || !dateParts[strings.ToLower(lit.Value)] {
		return Expr{}, fmt.Errorf("date_trunc() needs a literal date part as its first argument")
	}
	t := args[1]
	if !t.Type.IsTemporal() {
		return Expr{}, fmt.Errorf("date_trunc() needs a date or timestamp, got %v", t.Type)
	}
	return Expr{SQL: castSQL(call(name, args), t.Type), Type: t.Type, Nullable: t.Nullable}, nil
}

func datePart(name string, _ []Node, args []Expr) (Expr, error) {
	if err := want(name, 0, args[0], stream.DataType.IsTemporal, "a date or timestamp"); err != nil {
		return Expr{}, err
	}
	return Expr{SQL: castSQL(call(name, args), stream.Int64()), Type: stream.Int64(), Nullable: args[0].Nullable}, nil
}

func epoch(name string, _ []Node, args []Expr) (Expr, error) {
	if err := want(name, 0, args[0], stream.DataType.IsTemporal, "a date or timestamp"); err != nil {
		return Expr{}, err
	}
	return Expr{SQL: castSQL(call(name, args), stream.Float64()), Type: stream.Float64(), Nullable: args[0].Nullable}, nil
}

func strftime(name string, _ []Node, args []Expr) (Expr, error) {
	if err := want(name, 0, args[0], stream.DataType.IsTemporal, "a date or timestamp"); err != nil {
		return Expr{}, err
	}
	if err := want(name, 1, args[1], isString, "a string"); err != nil {
		return Expr{}, err
	}
	return Expr{SQL: call(name, args), Type: stream.String(), Nullable: anyNullable(args)}, nil
}
