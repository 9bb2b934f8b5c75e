package tabledefinition

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/relloyd/lakepipe/stream"
)

const metadataSourceType = "lakepipe.sourceType"

// ArrowType returns the physical Arrow type used to hold values of canonical type d.
func ArrowType(d stream.DataType) (arrow.DataType, error) {
	switch d.Kind {
	case stream.KindInt8:
		return arrow.PrimitiveTypes.Int8, nil
	case stream.KindInt16:
		return arrow.PrimitiveTypes.Int16, nil
	case stream.KindInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case stream.KindInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case stream.KindUint8:
		return arrow.PrimitiveTypes.Uint8, nil
	case stream.KindUint16:
		return arrow.PrimitiveTypes.Uint16, nil
	case stream.KindUint32:
		return arrow.PrimitiveTypes.Uint32, nil
	case stream.KindUint64:
		return arrow.PrimitiveTypes.Uint64, nil
	case stream.KindFloat32:
		return arrow.PrimitiveTypes.Float32, nil
	case stream.KindFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case stream.KindDecimal:
		if err := d.Validate(); err != nil {
			return nil, err
		}
		return &arrow.Decimal128Type{Precision: d.Precision, Scale: d.Scale}, nil
	case stream.KindBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case stream.KindString:
		return arrow.BinaryTypes.String, nil
	case stream.KindBinary:
		return arrow.BinaryTypes.Binary, nil
	case stream.KindDate:
		return arrow.FixedWidthTypes.Date32, nil
	case stream.KindTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: d.TimeZone}, nil
	}
	return nil, fmt.Errorf("no arrow type for %v", d)
}

// DataTypeFromArrow is the inverse of ArrowType.
func DataTypeFromArrow(t arrow.DataType) (stream.DataType, error) {
	switch t.ID() {
	case arrow.INT8:
		return stream.DataType{Kind: stream.KindInt8}, nil
	case arrow.INT16:
		return stream.DataType{Kind: stream.KindInt16}, nil
	case arrow.INT32:
		return stream.DataType{Kind: stream.KindInt32}, nil
	case arrow.INT64:
		return stream.DataType{Kind: stream.KindInt64}, nil
	case arrow.UINT8:
		return stream.DataType{Kind: stream.KindUint8}, nil
	case arrow.UINT16:
		return stream.DataType{Kind: stream.KindUint16}, nil
	case arrow.UINT32:
		return stream.DataType{Kind: stream.KindUint32}, nil
	case arrow.UINT64:
		return stream.DataType{Kind: stream.KindUint64}, nil
	case arrow.FLOAT32:
		return stream.DataType{Kind: stream.KindFloat32}, nil
	case arrow.FLOAT64:
		return stream.DataType{Kind: stream.KindFloat64}, nil
	case arrow.DECIMAL128:
		dt := t.(*arrow.Decimal128Type)
		return stream.Decimal(dt.Precision, dt.Scale), nil
	case arrow.BOOL:
		return stream.Bool(), nil
	case arrow.STRING, arrow.LARGE_STRING:
		return stream.String(), nil
	case arrow.BINARY, arrow.LARGE_BINARY:
		return stream.Binary(), nil
	case arrow.DATE32:
		return stream.Date(), nil
	case arrow.TIMESTAMP:
		return stream.Timestamp(t.(*arrow.TimestampType).TimeZone), nil
	}
	return stream.DataType{}, fmt.Errorf("unsupported arrow type %v", t)
}

// ArrowSchema converts a canonical schema into an Arrow schema.
func ArrowSchema(s *stream.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s.Columns))
	for i, c := range s.Columns {
		t, err := ArrowType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		var md arrow.Metadata
		if c.SourceType != "" {
			md = arrow.NewMetadata([]string{metadataSourceType}, []string{c.SourceType})
		}
		fields[i] = arrow.Field{Name: c.Name, Type: t, Nullable: c.Nullable, Metadata: md}
	}
	return arrow.NewSchema(fields, nil), nil
}

// SchemaFromArrow converts an Arrow schema, e.g. one read back from a Parquet file, into a canonical schema.
func SchemaFromArrow(as *arrow.Schema) (*stream.Schema, error) {
	cols := make([]stream.Column, len(as.Fields()))
	for i, f := range as.Fields() {
		dt, err := DataTypeFromArrow(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		cols[i] = stream.Column{Name: f.Name, Type: dt, Nullable: f.Nullable}
		if idx := f.Metadata.FindKey(metadataSourceType); idx >= 0 {
			cols[i].SourceType = f.Metadata.Values()[idx]
		}
	}
	return stream.NewSchema(cols...), nil
}
