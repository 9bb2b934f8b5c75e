package tabledefinition

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/marcboeker/go-duckdb/v2"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/stream"
	"github.com/shopspring/decimal"
)

// Canonical Go values, produced by NormalizeValue and ValueAt:
//
//	signed integers   int64
//	unsigned integers uint64
//	floats            float64
//	decimal           decimal.Decimal
//	bool              bool
//	string            string
//	binary            []byte
//	date, timestamp   time.Time in UTC (naive timestamps carry their wall clock as UTC)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// NormalizeValue converts a raw driver value into the canonical Go value for col.
func NormalizeValue(col stream.Column, v interface{}) (interface{}, error) {
	if v == nil {
		if !col.Nullable {
			return nil, fmt.Errorf("null value in non-nullable column %q", col.Name)
		}
		return nil, nil
	}
	var retval interface{}
	var err error
	d := col.Type
	switch {
	case d.IsSignedInteger():
		retval, err = toInt64(v, d)
	case d.IsUnsignedInteger():
		retval, err = toUint64(v, d)
	case d.IsFloat():
		retval, err = toFloat64(v)
	case d.Kind == stream.KindDecimal:
		retval, err = toDecimal(v, d)
	case d.Kind == stream.KindBool:
		retval, err = toBool(v)
	case d.Kind == stream.KindString:
		retval, err = toString(v)
	case d.Kind == stream.KindBinary:
		retval, err = toBinary(v)
	case d.Kind == stream.KindDate:
		var t time.Time
		if t, err = toTime(v, d); err == nil {
			y, m, dd := t.Date()
			retval = time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
		}
	case d.Kind == stream.KindTimestamp:
		retval, err = toTime(v, d)
	default:
		err = fmt.Errorf("unsupported type %v", d)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "column %q", col.Name)
	}
	return retval, nil
}

func intRange(k stream.TypeKind) (int64, int64) {
	switch k {
	case stream.KindInt8:
		return math.MinInt8, math.MaxInt8
	case stream.KindInt16:
		return math.MinInt16, math.MaxInt16
	case stream.KindInt32:
		return math.MinInt32, math.MaxInt32
	}
	return math.MinInt64, math.MaxInt64
}

func uintMax(k stream.TypeKind) uint64 {
	switch k {
	case stream.KindUint8:
		return math.MaxUint8
	case stream.KindUint16:
		return math.MaxUint16
	case stream.KindUint32:
		return math.MaxUint32
	}
	return math.MaxUint64
}

func toInt64(v interface{}, d stream.DataType) (int64, error) {
	var i int64
	switch x := v.(type) {
	case int64:
		i = x
	case int32:
		i = int64(x)
	case int16:
		i = int64(x)
	case int8:
		i = int64(x)
	case int:
		i = int64(x)
	case uint8:
		i = int64(x)
	case uint16:
		i = int64(x)
	case uint32:
		i = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %v overflows %v", x, d)
		}
		i = int64(x)
	case []byte:
		return toInt64(string(x), d)
	case string:
		p, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, err
		}
		i = p
	case bool:
		if x {
			i = 1
		}
	default:
		return 0, fmt.Errorf("cannot convert %T to %v", v, d)
	}
	if lo, hi := intRange(d.Kind); i < lo || i > hi {
		return 0, fmt.Errorf("value %v overflows %v", i, d)
	}
	return i, nil
}

func toUint64(v interface{}, d stream.DataType) (uint64, error) {
	var u uint64
	switch x := v.(type) {
	case uint64:
		u = x
	case uint32:
		u = uint64(x)
	case uint16:
		u = uint64(x)
	case uint8:
		u = uint64(x)
	case uint:
		u = uint64(x)
	case int64, int32, int16, int8, int:
		i, _ := toInt64(x, stream.Int64())
		if i < 0 {
			return 0, fmt.Errorf("negative value %v for %v", i, d)
		}
		u = uint64(i)
	case []byte:
		return toUint64(string(x), d)
	case string:
		p, err := strconv.ParseUint(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, err
		}
		u = p
	default:
		return 0, fmt.Errorf("cannot convert %T to %v", v, d)
	}
	if u > uintMax(d.Kind) {
		return 0, fmt.Errorf("value %v overflows %v", u, d)
	}
	return u, nil
}

func toFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case decimal.Decimal:
		f, _ := x.Float64()
		return f, nil
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("cannot convert %T to float", v)
}

// toDecimal converts v and checks that it fits the declared precision and scale without rounding.
func toDecimal(v interface{}, d stream.DataType) (decimal.Decimal, error) {
	var dec decimal.Decimal
	switch x := v.(type) {
	case decimal.Decimal:
		dec = x
	case duckdb.Decimal:
		dec = decimal.NewFromBigInt(x.Value, -int32(x.Scale))
	case *big.Int:
		dec = decimal.NewFromBigInt(x, 0)
	case int64:
		dec = decimal.NewFromInt(x)
	case int32:
		dec = decimal.NewFromInt32(x)
	case int16, int8, int, uint8, uint16, uint32:
		i, _ := toInt64(x, stream.Int64())
		dec = decimal.NewFromInt(i)
	case uint64:
		dec = decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0)
	case float64:
		// Floats only reach decimal columns from drivers that lack a fixed point type.
		dec = decimal.NewFromFloat(x)
	case float32:
		dec = decimal.NewFromFloat32(x)
	case []byte:
		return toDecimal(string(x), d)
	case string:
		p, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Decimal{}, err
		}
		dec = p
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot convert %T to %v", v, d)
	}
	if _, err := unscaled(dec, d); err != nil {
		return decimal.Decimal{}, err
	}
	return dec, nil
}

// unscaled returns the integer coefficient of dec at the scale of d.
func unscaled(dec decimal.Decimal, d stream.DataType) (*big.Int, error) {
	shifted := dec.Shift(d.Scale)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("value %v needs more than %d decimal places for %v", dec, d.Scale, d)
	}
	bi := shifted.BigInt()
	if digits := len(new(big.Int).Abs(bi).String()); bi.Sign() != 0 && digits > int(d.Precision) {
		return nil, fmt.Errorf("value %v exceeds precision of %v", dec, d)
	}
	return bi, nil
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case []byte:
		return toBool(string(x))
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	}
	return false, fmt.Errorf("cannot convert %T to bool", v)
}

func toString(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	case int64, int32, int, float64, bool:
		return fmt.Sprint(x), nil
	}
	return "", fmt.Errorf("cannot convert %T to string", v)
}

func toBinary(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		b := make([]byte, len(x))
		copy(b, x)
		return b, nil
	case string:
		return []byte(x), nil
	}
	return nil, fmt.Errorf("cannot convert %T to binary", v)
}

// toTime returns t in UTC. Naive timestamps keep their wall clock reading.
// Timestamps carrying sub-microsecond digits are rejected rather than truncated.
func toTime(v interface{}, d stream.DataType) (time.Time, error) {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case []byte:
		return toTime(string(x), d)
	case string:
		var err error
		for _, l := range timeLayouts {
			if t, err = time.Parse(l, strings.TrimSpace(x)); err == nil {
				break
			}
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot parse %q as %v", x, d)
		}
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to %v", v, d)
	}
	if d.Kind == stream.KindTimestamp && t.Nanosecond()%int(time.Microsecond) != 0 {
		return time.Time{}, fmt.Errorf("value %v is finer than the microsecond resolution of %v", t.Format(time.RFC3339Nano), d)
	}
	if d.Kind == stream.KindTimestamp && d.TimeZone == "" {
		y, m, dd := t.Date()
		return time.Date(y, m, dd, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
	}
	return t.UTC(), nil
}

// AppendValue appends canonical value v (see NormalizeValue) to builder b.
func AppendValue(b array.Builder, col stream.Column, v interface{}) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	var ok bool
	switch bb := b.(type) {
	case *array.Int8Builder:
		var i int64
		if i, ok = v.(int64); ok {
			bb.Append(int8(i))
		}
	case *array.Int16Builder:
		var i int64
		if i, ok = v.(int64); ok {
			bb.Append(int16(i))
		}
	case *array.Int32Builder:
		var i int64
		if i, ok = v.(int64); ok {
			bb.Append(int32(i))
		}
	case *array.Int64Builder:
		var i int64
		if i, ok = v.(int64); ok {
			bb.Append(i)
		}
	case *array.Uint8Builder:
		var u uint64
		if u, ok = v.(uint64); ok {
			bb.Append(uint8(u))
		}
	case *array.Uint16Builder:
		var u uint64
		if u, ok = v.(uint64); ok {
			bb.Append(uint16(u))
		}
	case *array.Uint32Builder:
		var u uint64
		if u, ok = v.(uint64); ok {
			bb.Append(uint32(u))
		}
	case *array.Uint64Builder:
		var u uint64
		if u, ok = v.(uint64); ok {
			bb.Append(u)
		}
	case *array.Float32Builder:
		var f float64
		if f, ok = v.(float64); ok {
			bb.Append(float32(f))
		}
	case *array.Float64Builder:
		var f float64
		if f, ok = v.(float64); ok {
			bb.Append(f)
		}
	case *array.Decimal128Builder:
		var dec decimal.Decimal
		if dec, ok = v.(decimal.Decimal); ok {
			bi, err := unscaled(dec, col.Type)
			if err != nil {
				return errors.Wrapf(err, "column %q", col.Name)
			}
			bb.Append(decimal128.FromBigInt(bi))
		}
	case *array.BooleanBuilder:
		var x bool
		if x, ok = v.(bool); ok {
			bb.Append(x)
		}
	case *array.StringBuilder:
		var s string
		if s, ok = v.(string); ok {
			bb.Append(s)
		}
	case *array.BinaryBuilder:
		var x []byte
		if x, ok = v.([]byte); ok {
			bb.Append(x)
		}
	case *array.Date32Builder:
		var t time.Time
		if t, ok = v.(time.Time); ok {
			bb.Append(arrow.Date32FromTime(t))
		}
	case *array.TimestampBuilder:
		var t time.Time
		if t, ok = v.(time.Time); ok {
			bb.Append(arrow.Timestamp(t.UnixMicro()))
		}
	default:
		return fmt.Errorf("column %q: unsupported builder %T", col.Name, b)
	}
	if !ok {
		return fmt.Errorf("column %q: value of type %T is not canonical for %v", col.Name, v, col.Type)
	}
	return nil
}

// ValueAt decodes row i of arr into its canonical Go value.
func ValueAt(arr arrow.Array, i int, col stream.Column) (interface{}, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Int8:
		return int64(a.Value(i)), nil
	case *array.Int16:
		return int64(a.Value(i)), nil
	case *array.Int32:
		return int64(a.Value(i)), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return uint64(a.Value(i)), nil
	case *array.Uint16:
		return uint64(a.Value(i)), nil
	case *array.Uint32:
		return uint64(a.Value(i)), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Float32:
		return float64(a.Value(i)), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.Decimal128:
		dt := a.DataType().(*arrow.Decimal128Type)
		return decimal.NewFromBigInt(a.Value(i).BigInt(), -dt.Scale), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Binary:
		return copyBytes(a.Value(i)), nil
	case *array.LargeBinary:
		return copyBytes(a.Value(i)), nil
	case *array.Date32:
		return a.Value(i).ToTime().UTC(), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC(), nil
	}
	return nil, fmt.Errorf("column %q: unsupported arrow array %T", col.Name, arr)
}

func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// BuildRecord builds an Arrow record from canonical row values.
func BuildRecord(mem memory.Allocator, s *stream.Schema, rows [][]interface{}) (arrow.Record, error) {
	as, err := ArrowSchema(s)
	if err != nil {
		return nil, err
	}
	rb := array.NewRecordBuilder(mem, as)
	defer rb.Release()
	for r, row := range rows {
		if len(row) != len(s.Columns) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", r, len(row), len(s.Columns))
		}
		for c, v := range row {
			if err := AppendValue(rb.Field(c), s.Columns[c], v); err != nil {
				return nil, errors.Wrapf(err, "row %d", r)
			}
		}
	}
	return rb.NewRecord(), nil
}

// RecordRows decodes every row of rec into canonical values.
func RecordRows(rec arrow.Record, s *stream.Schema) ([][]interface{}, error) {
	if rec == nil {
		return nil, nil
	}
	rows := make([][]interface{}, rec.NumRows())
	for r := range rows {
		rows[r] = make([]interface{}, rec.NumCols())
	}
	for c := 0; c < int(rec.NumCols()); c++ {
		col := s.Columns[c]
		arr := rec.Column(c)
		for r := range rows {
			v, err := ValueAt(arr, r, col)
			if err != nil {
				return nil, err
			}
			rows[r][c] = v
		}
	}
	return rows, nil
}
