package rdbms

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestSchemaTable(t *testing.T) {
	g := NewWithT(t)
	type test struct {
		input  string
		schema string
		table  string
	}
	tests := []test{
		{`schema.table`, "schema", "table"},
		{`table`, "", "table"},
		{`"random.table"`, "", `"random.table"`},
		{`schema."table"`, "schema", `"table"`},
		{`"schema"."table"`, `"schema"`, `"table"`},
		{`"schema".table`, `"schema"`, "table"},
	}
	for _, tc := range tests {
		st := SchemaTable{SchemaTable: tc.input}
		g.Expect(st.GetSchema()).To(Equal(tc.schema), tc.input)
		g.Expect(st.GetTable()).To(Equal(tc.table), tc.input)
		g.Expect(st.String()).To(Equal(tc.input))
	}
	g.Expect(NewSchemaTable("", "invoices").String()).To(Equal("invoices"))
	g.Expect(NewSchemaTable("billing", "invoices").String()).To(Equal("billing.invoices"))
}
