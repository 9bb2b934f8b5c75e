package tabledefinition

import (
	"testing"

	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/stream"
)

func TestTableDefinitionMapper(t *testing.T) {
	g := NewWithT(t)
	type test struct {
		dialect string
		col     ColumnInfo
		want    stream.DataType
	}
	tests := []test{
		{constants.ConnectionTypeMySql, ColumnInfo{Name: "id", DatabaseTypeName: "UNSIGNED BIGINT"}, stream.DataType{Kind: stream.KindUint64}},
		{constants.ConnectionTypeMySql, ColumnInfo{Name: "amount", DatabaseTypeName: "DECIMAL", Precision: 18, Scale: 2, HasDecimalSize: true}, stream.Decimal(18, 2)},
		{constants.ConnectionTypeMySql, ColumnInfo{Name: "created_at", DatabaseTypeName: "DATETIME"}, stream.Timestamp("")},
		{constants.ConnectionTypeMySql, ColumnInfo{Name: "updated_at", DatabaseTypeName: "TIMESTAMP"}, stream.Timestamp("UTC")},
		{constants.ConnectionTypeMySql, ColumnInfo{Name: "n", DatabaseTypeName: "int(11) unsigned"}, stream.DataType{Kind: stream.KindUint32}},
		{constants.ConnectionTypePostgres, ColumnInfo{Name: "ts", DatabaseTypeName: "TIMESTAMPTZ"}, stream.Timestamp("UTC")},
		{constants.ConnectionTypePostgres, ColumnInfo{Name: "n", DatabaseTypeName: "NUMERIC"}, stream.Decimal(38, unconstrainedDecimalScale)},
		{constants.ConnectionTypePostgres, ColumnInfo{Name: "b", DatabaseTypeName: "BYTEA"}, stream.Binary()},
		{constants.ConnectionTypeSqlServer, ColumnInfo{Name: "m", DatabaseTypeName: "MONEY"}, stream.Decimal(19, 4)},
		{constants.ConnectionTypeSqlServer, ColumnInfo{Name: "o", DatabaseTypeName: "DATETIMEOFFSET(3)"}, stream.Timestamp("UTC")},
		{constants.ConnectionTypeSqlServer, ColumnInfo{Name: "d2", DatabaseTypeName: "DATETIME2(6)"}, stream.Timestamp("")},
		{constants.ConnectionTypeDuckDb, ColumnInfo{Name: "ms", DatabaseTypeName: "TIMESTAMP_MS"}, stream.Timestamp("")},
		{constants.ConnectionTypeDuckDb, ColumnInfo{Name: "d", DatabaseTypeName: "DECIMAL(18,2)"}, stream.Decimal(18, 2)},
		{constants.ConnectionTypeDuckDb, ColumnInfo{Name: "h", DatabaseTypeName: "HUGEINT"}, stream.Decimal(38, 0)},
		{constants.ConnectionTypeDuckDb, ColumnInfo{Name: "t", DatabaseTypeName: "TIMESTAMP WITH TIME ZONE"}, stream.Timestamp("UTC")},
	}
	for _, tc := range tests {
		m, err := GetMapper(tc.dialect)
		g.Expect(err).NotTo(HaveOccurred())
		got, err := m.Map(tc.col)
		g.Expect(err).NotTo(HaveOccurred(), tc.col.DatabaseTypeName)
		g.Expect(got).To(Equal(tc.want), tc.col.DatabaseTypeName)
	}
}

func TestMapperUnsupportedTypes(t *testing.T) {
	g := NewWithT(t)
	m, err := GetMapper(constants.ConnectionTypeMySql)
	g.Expect(err).NotTo(HaveOccurred())
	var ute *stream.UnsupportedTypeError
	// Unknown type.
	_, err = m.Map(ColumnInfo{Name: "shape", DatabaseTypeName: "GEOMETRY"})
	g.Expect(errors.As(err, &ute)).To(BeTrue())
	g.Expect(ute.Column).To(Equal("shape"))
	g.Expect(ute.SourceType).To(Equal("GEOMETRY"))
	// Decimal wider than 128 bits.
	_, err = m.Map(ColumnInfo{Name: "big", DatabaseTypeName: "DECIMAL", Precision: 65, Scale: 2, HasDecimalSize: true})
	g.Expect(errors.As(err, &ute)).To(BeTrue())
	g.Expect(ute.Column).To(Equal("big"))
	// Unknown dialect.
	_, err = GetMapper("oracle")
	g.Expect(err).To(HaveOccurred())
}

func TestMapperRejectsSubMicrosecondTimestamps(t *testing.T) {
	g := NewWithT(t)
	cases := []struct {
		dialect string
		col     ColumnInfo
	}{
		{constants.ConnectionTypeDuckDb, ColumnInfo{Name: "ts", DatabaseTypeName: "TIMESTAMP_NS"}},
		{constants.ConnectionTypeSqlServer, ColumnInfo{Name: "ts", DatabaseTypeName: "DATETIME2"}},
		{constants.ConnectionTypeSqlServer, ColumnInfo{Name: "ts", DatabaseTypeName: "DATETIME2(7)"}},
		{constants.ConnectionTypeSqlServer, ColumnInfo{Name: "ts", DatabaseTypeName: "DATETIMEOFFSET"}},
		{constants.ConnectionTypeSqlServer, ColumnInfo{Name: "ts", DatabaseTypeName: "DATETIMEOFFSET", Precision: 7, HasDecimalSize: true}},
	}
	for _, tc := range cases {
		m, err := GetMapper(tc.dialect)
		g.Expect(err).NotTo(HaveOccurred())
		_, err = m.Map(tc.col)
		var ute *stream.UnsupportedTypeError
		g.Expect(errors.As(err, &ute)).To(BeTrue(), tc.col.DatabaseTypeName)
		g.Expect(ute.Column).To(Equal("ts"))
	}
}

func TestMapperColumn(t *testing.T) {
	g := NewWithT(t)
	m, _ := GetMapper(constants.ConnectionTypePostgres)
	c, err := m.Column(ColumnInfo{Name: "id", DatabaseTypeName: "INT8", Nullable: false, HasNullable: true})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(c).To(Equal(stream.Column{Name: "id", Type: stream.Int64(), Nullable: false, SourceType: "INT8"}))
}

func TestGetDeltaDataType(t *testing.T) {
	g := NewWithT(t)
	g.Expect(GetDeltaDataType(stream.Int64())).To(Equal(DeltaTypeNumber))
	g.Expect(GetDeltaDataType(stream.Decimal(10, 0))).To(Equal(DeltaTypeNumber))
	g.Expect(GetDeltaDataType(stream.Timestamp(""))).To(Equal(DeltaTypeDateTime))
	g.Expect(GetDeltaDataType(stream.String())).To(Equal(DeltaTypeText))
	g.Expect(GetDeltaDataType(stream.Float64())).To(Equal(DeltaTypeUnclassified))
	g.Expect(GetDeltaDataType(stream.Decimal(10, 2))).To(Equal(DeltaTypeUnclassified))
}

func TestMappingTablesHaveNoDuplicates(t *testing.T) {
	for name, tab := range map[string][]dataTypeLink{
		"mysql": MySqlDataTypeMapping, "postgres": PostgresDataTypeMapping,
		"sqlserver": SqlServerDataTypeMapping, "duckdb": DuckDbDataTypeMapping,
	} {
		seen := map[string]bool{}
		for _, l := range tab {
			if seen[l.SourceDataType] {
				t.Fatalf("duplicate entry %q in %v mapping", l.SourceDataType, name)
			}
			seen[l.SourceDataType] = true
			if l.SanitiserFunc == nil {
				t.Fatalf("missing sanitiser for %q in %v mapping", l.SourceDataType, name)
			}
		}
	}
}
