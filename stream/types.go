package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TypeKind is the canonical type family of a column.
type TypeKind int

const (
	KindInvalid TypeKind = iota
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindDecimal
	KindBool
	KindString
	KindBinary
	KindDate
	KindTimestamp
)

var kindNames = map[TypeKind]string{
	KindInt8:      "int8",
	KindInt16:     "int16",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindUint8:     "uint8",
	KindUint16:    "uint16",
	KindUint32:    "uint32",
	KindUint64:    "uint64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindDecimal:   "decimal",
	KindBool:      "bool",
	KindString:    "string",
	KindBinary:    "binary",
	KindDate:      "date",
	KindTimestamp: "timestamp",
}

func (k TypeKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "invalid"
}

// MaxDecimalPrecision is the widest decimal that maps onto a 128-bit fixed point value.
const MaxDecimalPrecision = 38

// DataType is a canonical column type.
// TimeZone applies to timestamps only: an empty zone marks a naive timestamp.
type DataType struct {
	Kind      TypeKind
	Precision int32
	Scale     int32
	TimeZone  string
}

func Int64() DataType   { return DataType{Kind: KindInt64} }
func Float64() DataType { return DataType{Kind: KindFloat64} }
func Bool() DataType    { return DataType{Kind: KindBool} }
func String() DataType  { return DataType{Kind: KindString} }
func Binary() DataType  { return DataType{Kind: KindBinary} }
func Date() DataType    { return DataType{Kind: KindDate} }

func Decimal(precision, scale int32) DataType {
	return DataType{Kind: KindDecimal, Precision: precision, Scale: scale}
}

func Timestamp(zone string) DataType {
	return DataType{Kind: KindTimestamp, TimeZone: zone}
}

func (d DataType) IsSignedInteger() bool { return d.Kind >= KindInt8 && d.Kind <= KindInt64 }

func (d DataType) IsUnsignedInteger() bool { return d.Kind >= KindUint8 && d.Kind <= KindUint64 }

func (d DataType) IsInteger() bool { return d.IsSignedInteger() || d.IsUnsignedInteger() }

func (d DataType) IsFloat() bool { return d.Kind == KindFloat32 || d.Kind == KindFloat64 }

// IsExact is true for integers and decimals.
func (d DataType) IsExact() bool { return d.IsInteger() || d.Kind == KindDecimal }

func (d DataType) IsTemporal() bool { return d.Kind == KindDate || d.Kind == KindTimestamp }

// String renders the type in the form accepted by ParseDataType.
func (d DataType) String() string {
	switch d.Kind {
	case KindDecimal:
		return fmt.Sprintf("decimal(%d,%d)", d.Precision, d.Scale)
	case KindTimestamp:
		if d.TimeZone != "" {
			return fmt.Sprintf("timestamp(%v)", d.TimeZone)
		}
		return "timestamp"
	default:
		return d.Kind.String()
	}
}

// Validate checks decimal bounds.
func (d DataType) Validate() error {
	switch d.Kind {
	case KindInvalid:
		return errors.New("invalid data type")
	case KindDecimal:
		if d.Precision < 1 || d.Precision > MaxDecimalPrecision {
			return fmt.Errorf("decimal precision %d out of range 1..%d", d.Precision, MaxDecimalPrecision)
		}
		if d.Scale < 0 || d.Scale > d.Precision {
			return fmt.Errorf("decimal scale %d out of range 0..%d", d.Scale, d.Precision)
		}
	}
	return nil
}

var reDataType = regexp.MustCompile(`(?i)^\s*([a-z0-9]+)\s*(?:\(\s*([^)]*)\s*\))?\s*$`)

// ParseDataType is the inverse of DataType.String().
func ParseDataType(s string) (DataType, error) {
	m := reDataType.FindStringSubmatch(s)
	if m == nil {
		return DataType{}, fmt.Errorf("unable to parse data type %q", s)
	}
	name, args := strings.ToLower(m[1]), strings.TrimSpace(m[2])
	switch name {
	case "decimal", "numeric":
		p, sc := int32(MaxDecimalPrecision), int32(0)
		if args != "" {
			parts := strings.Split(args, ",")
			v, err := strconv.Atoi(strings.TrimSpace(parts[0]))
			if err != nil {
				return DataType{}, fmt.Errorf("bad decimal precision in %q", s)
			}
			p = int32(v)
			if len(parts) > 1 {
				v, err = strconv.Atoi(strings.TrimSpace(parts[1]))
				if err != nil {
					return DataType{}, fmt.Errorf("bad decimal scale in %q", s)
				}
				sc = int32(v)
			}
		}
		d := Decimal(p, sc)
		return d, d.Validate()
	case "timestamp":
		return Timestamp(args), nil
	}
	for k, n := range kindNames {
		if n == name && args == "" {
			return DataType{Kind: k}, nil
		}
	}
	return DataType{}, fmt.Errorf("unknown data type %q", s)
}

// MarshalText allows types to be embedded in JSON and YAML documents.
func (d DataType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DataType) UnmarshalText(b []byte) error {
	v, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Column is one field of a Schema.
type Column struct {
	Name       string   `json:"name"`
	Type       DataType `json:"type"`
	Nullable   bool     `json:"nullable"`
	SourceType string   `json:"sourceType,omitempty"`
}

// Schema is the ordered set of columns every batch of a run conforms to.
type Schema struct {
	Columns []Column `json:"columns"`
}

func NewSchema(cols ...Column) *Schema {
	return &Schema{Columns: cols}
}

func (s *Schema) Len() int {
	return len(s.Columns)
}

func (s *Schema) Names() []string {
	retval := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		retval[i] = c.Name
	}
	return retval
}

// Index returns the position of the named column (case insensitive) or -1.
func (s *Schema) Index(name string) int {
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func (s *Schema) Column(name string) (Column, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Columns[i], true
	}
	return Column{}, false
}

// Fingerprint is a stable hash of column names, types and nullability.
func (s *Schema) Fingerprint() string {
	h := sha256.New()
	for _, c := range s.Columns {
		_, _ = fmt.Fprintf(h, "%v|%v|%v\n", strings.ToLower(c.Name), c.Type.String(), c.Nullable)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Diff returns a SchemaDriftError describing the first difference between s (declared) and other (observed), or nil.
func (s *Schema) Diff(other *Schema) error {
	if len(s.Columns) != len(other.Columns) {
		return &SchemaDriftError{
			Reason:   "column count changed",
			Expected: strings.Join(s.Names(), ","),
			Got:      strings.Join(other.Names(), ","),
		}
	}
	for i, c := range s.Columns {
		o := other.Columns[i]
		if !strings.EqualFold(c.Name, o.Name) {
			return &SchemaDriftError{Column: c.Name, Reason: "column name changed", Expected: c.Name, Got: o.Name}
		}
		if c.Type != o.Type {
			return &SchemaDriftError{Column: c.Name, Reason: "column type changed", Expected: c.Type.String(), Got: o.Type.String()}
		}
	}
	return nil
}

func (s *Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		n := ""
		if !c.Nullable {
			n = " not null"
		}
		parts[i] = fmt.Sprintf("%v %v%v", c.Name, c.Type, n)
	}
	return strings.Join(parts, ", ")
}
