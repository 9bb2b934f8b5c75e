package rdbms

import (
	"regexp"
	"strings"
)

// SchemaTable holds a table name as written by the user, optionally qualified by schema.
// Quoting is left to the user so the value is used verbatim in generated SQL.
type SchemaTable struct {
	SchemaTable string `errorTxt:"[<schema>.]<object>" mandatory:"yes"`
}

func NewSchemaTable(schema string, table string) SchemaTable {
	if schema == "" {
		return SchemaTable{table}
	}
	return SchemaTable{schema + "." + table}
}

var (
	reQuotedDottedTable = regexp.MustCompile(`".+\..+"`)   // "random.table"
	reQuotedSchemaTable = regexp.MustCompile(`".+"\.".+"`) // "schema"."table"
)

func (st *SchemaTable) isQuotedTable() bool {
	// True if the schemaTable is a quoted "random.table" and not a regular "schema"."table".
	return reQuotedDottedTable.MatchString(st.SchemaTable) && !reQuotedSchemaTable.MatchString(st.SchemaTable)
}

func (st *SchemaTable) GetTable() string {
	if st.isQuotedTable() {
		return st.SchemaTable
	}
	i := strings.Index(st.SchemaTable, ".")
	if i < 0 { // if we have just a table...
		return st.SchemaTable
	}
	return st.SchemaTable[i+1:]
}

func (st *SchemaTable) GetSchema() string {
	if st.isQuotedTable() {
		return ""
	}
	i := strings.Index(st.SchemaTable, ".")
	if i < 0 {
		return ""
	}
	return st.SchemaTable[:i]
}

func (st SchemaTable) String() string {
	return st.SchemaTable
}
