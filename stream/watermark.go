package stream

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/constants"
	"github.com/shopspring/decimal"
)

// WatermarkKind is the family of extraction key values.
type WatermarkKind string

const (
	WatermarkNone   WatermarkKind = ""
	WatermarkInt    WatermarkKind = "int"
	WatermarkTime   WatermarkKind = "time"
	WatermarkString WatermarkKind = "string"
)

// WatermarkKindFor returns the watermark kind that can hold values of type d.
func WatermarkKindFor(d DataType) (WatermarkKind, error) {
	switch {
	case d.IsSignedInteger(), d.Kind == KindUint8, d.Kind == KindUint16, d.Kind == KindUint32:
		return WatermarkInt, nil
	case d.Kind == KindDecimal && d.Scale == 0 && d.Precision <= 18:
		return WatermarkInt, nil
	case d.IsTemporal():
		return WatermarkTime, nil
	case d.Kind == KindString:
		return WatermarkString, nil
	}
	return WatermarkNone, fmt.Errorf("type %v cannot be used as an extraction key", d)
}

// Watermark is an extraction key value.
// Time values are held in UTC at microsecond precision.
type Watermark struct {
	kind WatermarkKind
	i    int64
	t    time.Time
	s    string
}

func NewIntWatermark(i int64) Watermark { return Watermark{kind: WatermarkInt, i: i} }

func NewTimeWatermark(t time.Time) Watermark {
	return Watermark{kind: WatermarkTime, t: t.UTC().Truncate(time.Microsecond)}
}

func NewStringWatermark(s string) Watermark { return Watermark{kind: WatermarkString, s: s} }

func (w Watermark) Kind() WatermarkKind { return w.kind }
func (w Watermark) IsZero() bool        { return w.kind == WatermarkNone }
func (w Watermark) Int() int64          { return w.i }
func (w Watermark) Time() time.Time     { return w.t }
func (w Watermark) Str() string         { return w.s }

// Value returns the key as a value suitable for use as a query parameter.
func (w Watermark) Value() interface{} {
	switch w.kind {
	case WatermarkInt:
		return w.i
	case WatermarkTime:
		return w.t
	case WatermarkString:
		return w.s
	}
	return nil
}

// Bound returns the query parameter for a range starting at w.
// The successor of a string key is returned as the key itself with exclusive set, so no NUL is bound.
func (w Watermark) Bound() (value interface{}, exclusive bool) {
	if w.kind == WatermarkString && strings.HasSuffix(w.s, "\x00") {
		return strings.TrimSuffix(w.s, "\x00"), true
	}
	return w.Value(), false
}

// Successor returns the smallest key strictly greater than w.
// String keys are ordered by code point.
func (w Watermark) Successor() (Watermark, error) {
	switch w.kind {
	case WatermarkInt:
		if w.i == math.MaxInt64 {
			return Watermark{}, errors.New("integer watermark overflow")
		}
		return NewIntWatermark(w.i + 1), nil
	case WatermarkTime:
		return NewTimeWatermark(w.t.Add(time.Microsecond)), nil
	case WatermarkString:
		return NewStringWatermark(w.s + "\x00"), nil
	}
	return Watermark{}, errors.New("successor of empty watermark")
}

// Compare returns -1, 0 or 1. Watermarks of different kinds are an error.
func (w Watermark) Compare(o Watermark) (int, error) {
	if w.kind != o.kind {
		return 0, fmt.Errorf("cannot compare %v watermark with %v watermark", w.kind, o.kind)
	}
	switch w.kind {
	case WatermarkInt:
		switch {
		case w.i < o.i:
			return -1, nil
		case w.i > o.i:
			return 1, nil
		}
		return 0, nil
	case WatermarkTime:
		return w.t.Compare(o.t), nil
	case WatermarkString:
		return strings.Compare(w.s, o.s), nil
	}
	return 0, nil
}

func (w Watermark) Equal(o Watermark) bool {
	c, err := w.Compare(o)
	return err == nil && c == 0
}

func (w Watermark) String() string {
	switch w.kind {
	case WatermarkInt:
		return strconv.FormatInt(w.i, 10)
	case WatermarkTime:
		return w.t.Format(time.RFC3339Nano)
	case WatermarkString:
		return strconv.Quote(w.s)
	}
	return "<none>"
}

// Token renders w for use inside object names.
func (w Watermark) Token() string {
	switch w.kind {
	case WatermarkInt:
		return strconv.FormatInt(w.i, 10)
	case WatermarkTime:
		return w.t.Format(constants.TimeFormatWatermark)
	case WatermarkString:
		return strings.ReplaceAll(url.PathEscape(w.s), "_", "%5F")
	}
	return ""
}

// ParseWatermarkToken is the inverse of Token.
func ParseWatermarkToken(kind WatermarkKind, s string) (Watermark, error) {
	switch kind {
	case WatermarkInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Watermark{}, errors.Wrapf(err, "bad integer watermark %q", s)
		}
		return NewIntWatermark(i), nil
	case WatermarkTime:
		t, err := time.Parse(constants.TimeFormatWatermark, s)
		if err != nil {
			return Watermark{}, errors.Wrapf(err, "bad time watermark %q", s)
		}
		return NewTimeWatermark(t), nil
	case WatermarkString:
		v, err := url.PathUnescape(s)
		if err != nil {
			return Watermark{}, errors.Wrapf(err, "bad string watermark %q", s)
		}
		return NewStringWatermark(v), nil
	}
	return Watermark{}, fmt.Errorf("unknown watermark kind %q", kind)
}

var watermarkTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	constants.TimeFormatYearSeconds,
	constants.TimeFormatWatermark,
}

// ParseWatermark parses user supplied text, e.g. a configured start watermark.
// Times without an offset are read as UTC.
func ParseWatermark(kind WatermarkKind, s string) (Watermark, error) {
	switch kind {
	case WatermarkInt:
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return Watermark{}, errors.Wrapf(err, "start watermark %q is not an integer", s)
		}
		return NewIntWatermark(i), nil
	case WatermarkTime:
		for _, l := range watermarkTimeLayouts {
			if t, err := time.Parse(l, strings.TrimSpace(s)); err == nil {
				return NewTimeWatermark(t), nil
			}
		}
		return Watermark{}, fmt.Errorf("start watermark %q is not a recognised date or timestamp", s)
	case WatermarkString:
		return NewStringWatermark(s), nil
	}
	return Watermark{}, fmt.Errorf("unknown watermark kind %q", kind)
}

// WatermarkFromValue builds a watermark from a canonical column value.
func WatermarkFromValue(v interface{}) (Watermark, error) {
	switch x := v.(type) {
	case int64:
		return NewIntWatermark(x), nil
	case int32:
		return NewIntWatermark(int64(x)), nil
	case int16:
		return NewIntWatermark(int64(x)), nil
	case int8:
		return NewIntWatermark(int64(x)), nil
	case int:
		return NewIntWatermark(int64(x)), nil
	case uint8:
		return NewIntWatermark(int64(x)), nil
	case uint16:
		return NewIntWatermark(int64(x)), nil
	case uint32:
		return NewIntWatermark(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Watermark{}, fmt.Errorf("key value %v overflows int64", x)
		}
		return NewIntWatermark(int64(x)), nil
	case decimal.Decimal:
		if !x.IsInteger() {
			return Watermark{}, fmt.Errorf("key value %v is not integral", x)
		}
		if !x.BigInt().IsInt64() {
			return Watermark{}, fmt.Errorf("key value %v overflows int64", x)
		}
		return NewIntWatermark(x.IntPart()), nil
	case time.Time:
		return NewTimeWatermark(x), nil
	case string:
		return NewStringWatermark(x), nil
	case nil:
		return Watermark{}, errors.New("null key value")
	}
	return Watermark{}, fmt.Errorf("unsupported key value type %T", v)
}

// watermarkJSON holds no NUL characters, which JSONB columns reject; see Bound.
type watermarkJSON struct {
	Kind      WatermarkKind `json:"kind"`
	Value     string        `json:"value"`
	Exclusive bool          `json:"exclusive,omitempty"`
}

func (w Watermark) MarshalJSON() ([]byte, error) {
	if w.kind == WatermarkNone {
		return []byte("null"), nil
	}
	j := watermarkJSON{Kind: w.kind}
	switch w.kind {
	case WatermarkInt:
		j.Value = strconv.FormatInt(w.i, 10)
	case WatermarkTime:
		j.Value = w.t.Format(time.RFC3339Nano)
	case WatermarkString:
		v, exclusive := w.Bound()
		j.Value, j.Exclusive = v.(string), exclusive
	}
	return json.Marshal(j)
}

func (w *Watermark) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*w = Watermark{}
		return nil
	}
	var j watermarkJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	if j.Kind == WatermarkTime {
		t, err := time.Parse(time.RFC3339Nano, j.Value)
		if err != nil {
			return errors.Wrap(err, "bad time watermark")
		}
		*w = NewTimeWatermark(t)
		return nil
	}
	if j.Kind == WatermarkString && j.Exclusive {
		j.Value += "\x00"
	}
	v, err := ParseWatermark(j.Kind, j.Value)
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// WatermarkRange is the half open key range [Start, End) covered by a batch.
type WatermarkRange struct {
	Start Watermark `json:"start"`
	End   Watermark `json:"end"`
}

func (r WatermarkRange) String() string {
	return fmt.Sprintf("[%v,%v)", r.Start, r.End)
}
