package transformspec

import (
	"fmt"
	"strings"

	"github.com/relloyd/lakepipe/stream"
)

// typeAliases lets CAST and column types use common SQL names as well as canonical ones.
var typeAliases = map[string]string{
	"tinyint":     "int8",
	"smallint":    "int16",
	"int":         "int32",
	"integer":     "int32",
	"bigint":      "int64",
	"utinyint":    "uint8",
	"usmallint":   "uint16",
	"uinteger":    "uint32",
	"ubigint":     "uint64",
	"real":        "float32",
	"float":       "float32",
	"double":      "float64",
	"boolean":     "bool",
	"varchar":     "string",
	"text":        "string",
	"blob":        "binary",
	"timestamptz": "timestamp(UTC)",
}

// ParseTypeName accepts canonical type names plus the SQL aliases above.
func ParseTypeName(s string) (stream.DataType, error) {
	if a, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		s = a
	}
	return stream.ParseDataType(s)
}

// DuckTypeName renders d as a DuckDB type.
func DuckTypeName(d stream.DataType) (string, error) {
	switch d.Kind {
	case stream.KindInt8:
		return "TINYINT", nil
	case stream.KindInt16:
		return "SMALLINT", nil
	case stream.KindInt32:
		return "INTEGER", nil
	case stream.KindInt64:
		return "BIGINT", nil
	case stream.KindUint8:
		return "UTINYINT", nil
	case stream.KindUint16:
		return "USMALLINT", nil
	case stream.KindUint32:
		return "UINTEGER", nil
	case stream.KindUint64:
		return "UBIGINT", nil
	case stream.KindFloat32:
		return "FLOAT", nil
	case stream.KindFloat64:
		return "DOUBLE", nil
	case stream.KindDecimal:
		if err := d.Validate(); err != nil {
			return "", err
		}
		return fmt.Sprintf("DECIMAL(%d,%d)", d.Precision, d.Scale), nil
	case stream.KindBool:
		return "BOOLEAN", nil
	case stream.KindString:
		return "VARCHAR", nil
	case stream.KindBinary:
		return "BLOB", nil
	case stream.KindDate:
		return "DATE", nil
	case stream.KindTimestamp:
		if d.TimeZone != "" {
			return "TIMESTAMPTZ", nil
		}
		return "TIMESTAMP", nil
	}
	return "", fmt.Errorf("no DuckDB type for %v", d)
}

func mustDuckTypeName(d stream.DataType) string {
	n, err := DuckTypeName(d)
	if err != nil {
		panic(err)
	}
	return n
}

// QuoteIdent quotes a DuckDB identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// nullType is the type of a bare NULL literal until it meets a typed operand.
var nullType = stream.DataType{}

func isNullType(d stream.DataType) bool {
	return d.Kind == stream.KindInvalid
}

func isNumeric(d stream.DataType) bool {
	return d.IsExact() || d.IsFloat()
}

// isSmallInt is true for integers that widen to int64 without loss.
func isSmallInt(d stream.DataType) bool {
	return d.IsSignedInteger() || (d.IsUnsignedInteger() && d.Kind != stream.KindUint64)
}

// decimalOf returns the precision and scale that hold every value of exact type d.
func decimalOf(d stream.DataType) (int32, int32) {
	switch d.Kind {
	case stream.KindInt8, stream.KindUint8:
		return 3, 0
	case stream.KindInt16, stream.KindUint16:
		return 5, 0
	case stream.KindInt32, stream.KindUint32:
		return 10, 0
	case stream.KindInt64:
		return 19, 0
	case stream.KindUint64:
		return 20, 0
	}
	return d.Precision, d.Scale
}

func minInt32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// canCompare reports whether values of a and b can be compared by DuckDB without surprises.
func canCompare(a, b stream.DataType) bool {
	switch {
	case isNullType(a) || isNullType(b):
		return true
	case isNumeric(a) && isNumeric(b):
		return true
	case a.IsTemporal() && (b.IsTemporal() || b.Kind == stream.KindString):
		return true
	case b.IsTemporal() && a.Kind == stream.KindString:
		return true
	}
	return a.Kind == b.Kind
}

// unify returns the type that holds the values of all non-null types.
func unify(types []stream.DataType) (stream.DataType, error) {
	var typed []stream.DataType
	for _, t := range types {
		if !isNullType(t) {
			typed = append(typed, t)
		}
	}
	if len(typed) == 0 {
		return nullType, nil
	}
	first := typed[0]
	same := true
	for _, t := range typed[1:] {
		if t != first {
			same = false
		}
	}
	if same {
		return first, nil
	}
	allNumeric, anyFloat, anyDecimal := true, false, false
	allString, allTemporal, allDate := true, true, true
	zone := ""
	for _, t := range typed {
		allNumeric = allNumeric && isNumeric(t)
		anyFloat = anyFloat || t.IsFloat()
		anyDecimal = anyDecimal || t.Kind == stream.KindDecimal || t.Kind == stream.KindUint64
		allString = allString && t.Kind == stream.KindString
		allTemporal = allTemporal && t.IsTemporal()
		allDate = allDate && t.Kind == stream.KindDate
		if t.Kind == stream.KindTimestamp && zone == "" {
			zone = t.TimeZone
		}
	}
	switch {
	case allNumeric && anyFloat:
		return stream.Float64(), nil
	case allNumeric && anyDecimal:
		var intDigits, scale int32
		for _, t := range typed {
			p, s := decimalOf(t)
			intDigits = maxInt32(intDigits, p-s)
			scale = maxInt32(scale, s)
		}
		return stream.Decimal(minInt32(stream.MaxDecimalPrecision, intDigits+scale), scale), nil
	case allNumeric:
		return stream.Int64(), nil
	case allString:
		return stream.String(), nil
	case allTemporal && allDate:
		return stream.Date(), nil
	case allTemporal:
		return stream.Timestamp(zone), nil
	}
	return nullType, fmt.Errorf("incompatible types %v and %v", first, typed[len(typed)-1])
}
