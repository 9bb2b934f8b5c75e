package tabledefinition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/stream"
)

// ColumnInfo is the declared type of a source column as reported by the database driver.
type ColumnInfo struct {
	Name             string
	DatabaseTypeName string
	Length           int64
	HasLength        bool
	Precision        int64
	Scale            int64
	HasDecimalSize   bool
	Nullable         bool
	HasNullable      bool
}

// SqlColumnType is satisfied by *sql.ColumnType.
type SqlColumnType interface {
	Name() string
	DatabaseTypeName() string
	Length() (int64, bool)
	DecimalSize() (int64, int64, bool)
	Nullable() (bool, bool)
}

// ColumnInfoFromSql extracts the driver's view of a result column.
func ColumnInfoFromSql(ct SqlColumnType) ColumnInfo {
	ci := ColumnInfo{Name: ct.Name(), DatabaseTypeName: ct.DatabaseTypeName()}
	ci.Length, ci.HasLength = ct.Length()
	ci.Precision, ci.Scale, ci.HasDecimalSize = ct.DecimalSize()
	ci.Nullable, ci.HasNullable = ct.Nullable()
	if !ci.HasNullable {
		ci.Nullable = true
	}
	return ci
}

// Mapper converts source column declarations into canonical types.
type Mapper interface {
	Map(col ColumnInfo) (stream.DataType, error)
	Column(col ColumnInfo) (stream.Column, error)
}

// sanitiserFuncT derives the canonical type from the length, precision and scale of a source column.
type sanitiserFuncT func(col ColumnInfo) (stream.DataType, error)

// dataTypeMap implements Mapper.
type dataTypeMap struct {
	dialect       string
	mapSanitisers map[string]sanitiserFuncT
}

type dataTypeLink struct {
	SourceDataType string
	SanitiserFunc  sanitiserFuncT
}

func newDataTypeMapper(dialect string, types []dataTypeLink) dataTypeMap {
	dtm := dataTypeMap{dialect: dialect, mapSanitisers: make(map[string]sanitiserFuncT)}
	for _, row := range types { // for each data type link...
		dtm.mapSanitisers[row.SourceDataType] = row.SanitiserFunc
	}
	return dtm
}

var mappers = map[string]dataTypeMap{
	constants.ConnectionTypeMySql:     newDataTypeMapper(constants.ConnectionTypeMySql, MySqlDataTypeMapping),
	constants.ConnectionTypePostgres:  newDataTypeMapper(constants.ConnectionTypePostgres, PostgresDataTypeMapping),
	constants.ConnectionTypeSqlServer: newDataTypeMapper(constants.ConnectionTypeSqlServer, SqlServerDataTypeMapping),
	constants.ConnectionTypeDuckDb:    newDataTypeMapper(constants.ConnectionTypeDuckDb, DuckDbDataTypeMapping),
}

// GetMapper returns the Mapper for the dialect name (see constants.ConnectionType*).
func GetMapper(dialect string) (Mapper, error) {
	m, ok := mappers[strings.ToLower(dialect)]
	if !ok {
		return nil, fmt.Errorf("no data type mapping for database type %q", dialect)
	}
	return m, nil
}

var reTypeArgs = regexp.MustCompile(`^\s*([^(]+?)\s*(?:\(([^)]*)\))?\s*(unsigned)?\s*$`)

// normaliseTypeName lower cases t and splits off any parenthesised arguments.
// MySQL reports unsigned types with an "UNSIGNED " prefix which is kept.
func normaliseTypeName(t string) (name string, args []int64) {
	m := reTypeArgs.FindStringSubmatch(strings.ToLower(t))
	if m == nil {
		return strings.ToLower(strings.TrimSpace(t)), nil
	}
	name = m[1]
	if m[3] != "" {
		name = "unsigned " + name
	}
	for _, a := range strings.Split(m[2], ",") {
		if v, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64); err == nil {
			args = append(args, v)
		}
	}
	return name, args
}

// Map will convert the column's database type to lower case and use it to find the canonical type.
func (o dataTypeMap) Map(col ColumnInfo) (stream.DataType, error) {
	name, args := normaliseTypeName(col.DatabaseTypeName)
	fn, ok := o.mapSanitisers[name]
	if !ok {
		return stream.DataType{}, &stream.UnsupportedTypeError{Column: col.Name, SourceType: col.DatabaseTypeName}
	}
	if !col.HasDecimalSize && len(args) > 0 { // if the driver reports sizes inside the type name...
		col.Precision = args[0]
		if len(args) > 1 {
			col.Scale = args[1]
		}
		col.HasDecimalSize = true
	}
	dt, err := fn(col)
	if err != nil {
		return stream.DataType{}, err
	}
	if err := dt.Validate(); err != nil {
		return stream.DataType{}, &stream.UnsupportedTypeError{Column: col.Name, SourceType: fmt.Sprintf("%v (%v)", col.DatabaseTypeName, err)}
	}
	return dt, nil
}

// Column maps col into a stream.Column.
func (o dataTypeMap) Column(col ColumnInfo) (stream.Column, error) {
	dt, err := o.Map(col)
	if err != nil {
		return stream.Column{}, err
	}
	return stream.Column{Name: col.Name, Type: dt, Nullable: col.Nullable, SourceType: col.DatabaseTypeName}, nil
}

// DeltaType is used to flag each column as being suitable for DATE or NUMBER based arithmetic.
// Only columns with a DeltaType other than DeltaTypeUnclassified can drive incremental extracts.
type DeltaType uint32

const (
	DeltaTypeUnclassified DeltaType = iota + 1
	DeltaTypeDateTime
	DeltaTypeNumber
	DeltaTypeText
)

// GetDeltaDataType classifies a canonical type.
func GetDeltaDataType(d stream.DataType) DeltaType {
	k, err := stream.WatermarkKindFor(d)
	if err != nil {
		return DeltaTypeUnclassified
	}
	switch k {
	case stream.WatermarkInt:
		return DeltaTypeNumber
	case stream.WatermarkTime:
		return DeltaTypeDateTime
	case stream.WatermarkString:
		return DeltaTypeText
	}
	return DeltaTypeUnclassified
}

func fixed(k stream.TypeKind) sanitiserFuncT {
	return func(col ColumnInfo) (stream.DataType, error) {
		return stream.DataType{Kind: k}, nil
	}
}

func fixedDecimal(precision, scale int32) sanitiserFuncT {
	return func(col ColumnInfo) (stream.DataType, error) {
		return stream.Decimal(precision, scale), nil
	}
}

// unconstrainedDecimalScale is applied to decimals declared without precision or scale, e.g. postgres numeric.
const unconstrainedDecimalScale = 10

func sanitisePrecisionScale(col ColumnInfo) (stream.DataType, error) {
	if !col.HasDecimalSize || col.Precision == 0 {
		return stream.Decimal(stream.MaxDecimalPrecision, unconstrainedDecimalScale), nil
	}
	if col.Precision > stream.MaxDecimalPrecision {
		return stream.DataType{}, &stream.UnsupportedTypeError{
			Column:     col.Name,
			SourceType: fmt.Sprintf("%v(%d,%d)", col.DatabaseTypeName, col.Precision, col.Scale),
		}
	}
	return stream.Decimal(int32(col.Precision), int32(col.Scale)), nil
}

func timestampUTC(col ColumnInfo) (stream.DataType, error) {
	return stream.Timestamp("UTC"), nil
}

func timestampNaive(col ColumnInfo) (stream.DataType, error) {
	return stream.Timestamp(""), nil
}

// maxFractionalSecondDigits is the finest timestamp resolution that survives the Arrow microsecond unit.
const maxFractionalSecondDigits = 6

// fractionalSeconds wraps a timestamp sanitiser for types that declare their fractional second digits.
// Columns without a declared precision take defaultDigits.
func fractionalSeconds(defaultDigits int64, fn sanitiserFuncT) sanitiserFuncT {
	return func(col ColumnInfo) (stream.DataType, error) {
		digits := defaultDigits
		if col.HasDecimalSize {
			digits = col.Precision
		}
		if digits > maxFractionalSecondDigits {
			return stream.DataType{}, &stream.UnsupportedTypeError{
				Column:     col.Name,
				SourceType: fmt.Sprintf("%v(%d)", col.DatabaseTypeName, digits),
			}
		}
		return fn(col)
	}
}

// subMicrosecond rejects types whose resolution is always finer than a microsecond.
func subMicrosecond(col ColumnInfo) (stream.DataType, error) {
	return stream.DataType{}, &stream.UnsupportedTypeError{Column: col.Name, SourceType: col.DatabaseTypeName}
}

// MySqlDataTypeMapping contains a mapping of MySQL types as reported by go-sql-driver/mysql.
// TIMESTAMP is stored by MySQL in UTC; DATETIME has no zone.
var MySqlDataTypeMapping = []dataTypeLink{
	{SourceDataType: "tinyint", SanitiserFunc: fixed(stream.KindInt8)},
	{SourceDataType: "unsigned tinyint", SanitiserFunc: fixed(stream.KindUint8)},
	{SourceDataType: "smallint", SanitiserFunc: fixed(stream.KindInt16)},
	{SourceDataType: "unsigned smallint", SanitiserFunc: fixed(stream.KindUint16)},
	{SourceDataType: "mediumint", SanitiserFunc: fixed(stream.KindInt32)},
	{SourceDataType: "unsigned mediumint", SanitiserFunc: fixed(stream.KindUint32)},
	{SourceDataType: "int", SanitiserFunc: fixed(stream.KindInt32)},
	{SourceDataType: "integer", SanitiserFunc: fixed(stream.KindInt32)},
	{SourceDataType: "unsigned int", SanitiserFunc: fixed(stream.KindUint32)},
	{SourceDataType: "bigint", SanitiserFunc: fixed(stream.KindInt64)},
	{SourceDataType: "unsigned bigint", SanitiserFunc: fixed(stream.KindUint64)},
	{SourceDataType: "year", SanitiserFunc: fixed(stream.KindInt16)},
	{SourceDataType: "float", SanitiserFunc: fixed(stream.KindFloat32)},
	{SourceDataType: "double", SanitiserFunc: fixed(stream.KindFloat64)},
	{SourceDataType: "decimal", SanitiserFunc: sanitisePrecisionScale},
	{SourceDataType: "bit", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "char", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "varchar", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "tinytext", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "text", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "mediumtext", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "longtext", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "enum", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "set", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "json", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "binary", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "varbinary", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "tinyblob", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "blob", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "mediumblob", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "longblob", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "date", SanitiserFunc: fixed(stream.KindDate)},
	{SourceDataType: "datetime", SanitiserFunc: timestampNaive},
	{SourceDataType: "timestamp", SanitiserFunc: timestampUTC},
}

// PostgresDataTypeMapping contains a mapping of PostgreSQL types as reported by pgx.
var PostgresDataTypeMapping = []dataTypeLink{
	{SourceDataType: "int2", SanitiserFunc: fixed(stream.KindInt16)},
	{SourceDataType: "smallint", SanitiserFunc: fixed(stream.KindInt16)},
	{SourceDataType: "int4", SanitiserFunc: fixed(stream.KindInt32)},
	{SourceDataType: "integer", SanitiserFunc: fixed(stream.KindInt32)},
	{SourceDataType: "int8", SanitiserFunc: fixed(stream.KindInt64)},
	{SourceDataType: "bigint", SanitiserFunc: fixed(stream.KindInt64)},
	{SourceDataType: "float4", SanitiserFunc: fixed(stream.KindFloat32)},
	{SourceDataType: "real", SanitiserFunc: fixed(stream.KindFloat32)},
	{SourceDataType: "float8", SanitiserFunc: fixed(stream.KindFloat64)},
	{SourceDataType: "double precision", SanitiserFunc: fixed(stream.KindFloat64)},
	{SourceDataType: "numeric", SanitiserFunc: sanitisePrecisionScale},
	{SourceDataType: "decimal", SanitiserFunc: sanitisePrecisionScale},
	{SourceDataType: "bool", SanitiserFunc: fixed(stream.KindBool)},
	{SourceDataType: "boolean", SanitiserFunc: fixed(stream.KindBool)},
	{SourceDataType: "text", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "varchar", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "bpchar", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "char", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "name", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "citext", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "uuid", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "json", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "jsonb", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "bytea", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "date", SanitiserFunc: fixed(stream.KindDate)},
	{SourceDataType: "timestamp", SanitiserFunc: timestampNaive},
	{SourceDataType: "timestamptz", SanitiserFunc: timestampUTC},
}

// sqlServerDefaultFractionalDigits is the scale of DATETIME2 and DATETIMEOFFSET declared without one.
const sqlServerDefaultFractionalDigits = 7

// SqlServerDataTypeMapping contains a mapping of SQL Server types as reported by go-mssqldb.
// DATETIMEOFFSET values are normalised to UTC, so the offset of each value is not kept.
// go-mssqldb does not report the scale of DATETIME2 or DATETIMEOFFSET, so these are only
// supported where the type name carries a scale of 6 or less, e.g. DATETIME2(6).
var SqlServerDataTypeMapping = []dataTypeLink{
	{SourceDataType: "bigint", SanitiserFunc: fixed(stream.KindInt64)},
	{SourceDataType: "bit", SanitiserFunc: fixed(stream.KindBool)},
	{SourceDataType: "tinyint", SanitiserFunc: fixed(stream.KindUint8)},
	{SourceDataType: "smallint", SanitiserFunc: fixed(stream.KindInt16)},
	{SourceDataType: "int", SanitiserFunc: fixed(stream.KindInt32)},
	{SourceDataType: "decimal", SanitiserFunc: sanitisePrecisionScale},
	{SourceDataType: "numeric", SanitiserFunc: sanitisePrecisionScale},
	{SourceDataType: "money", SanitiserFunc: fixedDecimal(19, 4)},
	{SourceDataType: "smallmoney", SanitiserFunc: fixedDecimal(10, 4)},
	{SourceDataType: "float", SanitiserFunc: fixed(stream.KindFloat64)},
	{SourceDataType: "real", SanitiserFunc: fixed(stream.KindFloat32)},
	{SourceDataType: "date", SanitiserFunc: fixed(stream.KindDate)},
	{SourceDataType: "datetime", SanitiserFunc: timestampNaive},
	{SourceDataType: "datetime2", SanitiserFunc: fractionalSeconds(sqlServerDefaultFractionalDigits, timestampNaive)},
	{SourceDataType: "smalldatetime", SanitiserFunc: timestampNaive},
	{SourceDataType: "datetimeoffset", SanitiserFunc: fractionalSeconds(sqlServerDefaultFractionalDigits, timestampUTC)},
	{SourceDataType: "char", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "varchar", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "nchar", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "nvarchar", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "text", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "ntext", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "xml", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "binary", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "varbinary", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "image", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "uniqueidentifier", SanitiserFunc: fixed(stream.KindBinary)},
}

// DuckDbDataTypeMapping contains a mapping of DuckDB types as reported by go-duckdb.
// It is used for DuckDB sources and to type the output of transformations.
var DuckDbDataTypeMapping = []dataTypeLink{
	{SourceDataType: "tinyint", SanitiserFunc: fixed(stream.KindInt8)},
	{SourceDataType: "smallint", SanitiserFunc: fixed(stream.KindInt16)},
	{SourceDataType: "integer", SanitiserFunc: fixed(stream.KindInt32)},
	{SourceDataType: "bigint", SanitiserFunc: fixed(stream.KindInt64)},
	{SourceDataType: "utinyint", SanitiserFunc: fixed(stream.KindUint8)},
	{SourceDataType: "usmallint", SanitiserFunc: fixed(stream.KindUint16)},
	{SourceDataType: "uinteger", SanitiserFunc: fixed(stream.KindUint32)},
	{SourceDataType: "ubigint", SanitiserFunc: fixed(stream.KindUint64)},
	{SourceDataType: "hugeint", SanitiserFunc: fixedDecimal(38, 0)},
	{SourceDataType: "float", SanitiserFunc: fixed(stream.KindFloat32)},
	{SourceDataType: "double", SanitiserFunc: fixed(stream.KindFloat64)},
	{SourceDataType: "decimal", SanitiserFunc: sanitisePrecisionScale},
	{SourceDataType: "boolean", SanitiserFunc: fixed(stream.KindBool)},
	{SourceDataType: "varchar", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "uuid", SanitiserFunc: fixed(stream.KindString)},
	{SourceDataType: "blob", SanitiserFunc: fixed(stream.KindBinary)},
	{SourceDataType: "date", SanitiserFunc: fixed(stream.KindDate)},
	{SourceDataType: "timestamp", SanitiserFunc: timestampNaive},
	{SourceDataType: "timestamp_s", SanitiserFunc: timestampNaive},
	{SourceDataType: "timestamp_ms", SanitiserFunc: timestampNaive},
	{SourceDataType: "timestamp_ns", SanitiserFunc: subMicrosecond},
	{SourceDataType: "timestamptz", SanitiserFunc: timestampUTC},
	{SourceDataType: "timestamp with time zone", SanitiserFunc: timestampUTC},
}
