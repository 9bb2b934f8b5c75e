package rdbms

import (
	"fmt"
	"strings"

	"github.com/relloyd/lakepipe/constants"
	h "github.com/relloyd/lakepipe/helper"
)

// Dialect generates the database-specific SQL used by the Extractor and batch INSERT builder.
type Dialect struct {
	Name       string
	quoteOpen  string
	quoteClose string
	bindFunc   func(n int) string // returns the bind variable for the n'th (1-based) value.
	useTop     bool               // SQL Server limits rows with TOP instead of LIMIT.
	// Text keys are compared in code point order regardless of the column collation.
	// These format the key column and its bind variable for that comparison; an empty bytesBind leaves the bind as is.
	bytesColumn string
	bytesBind   string
}

var dialects = map[string]Dialect{
	constants.ConnectionTypeMySql: {
		Name: constants.ConnectionTypeMySql, quoteOpen: "`", quoteClose: "`",
		bindFunc:    func(int) string { return "?" },
		bytesColumn: "CAST(CONVERT(%v USING utf8mb4) AS BINARY)",
		bytesBind:   "CAST(CONVERT(%v USING utf8mb4) AS BINARY)",
	},
	constants.ConnectionTypePostgres: {
		Name: constants.ConnectionTypePostgres, quoteOpen: `"`, quoteClose: `"`,
		bindFunc:    func(n int) string { return fmt.Sprintf("$%d", n) },
		bytesColumn: `%v COLLATE "C"`,
	},
	constants.ConnectionTypeSqlServer: {
		Name: constants.ConnectionTypeSqlServer, quoteOpen: "[", quoteClose: "]",
		bindFunc:    func(n int) string { return fmt.Sprintf("@p%d", n) },
		useTop:      true,
		bytesColumn: "%v COLLATE Latin1_General_100_BIN2",
	},
	constants.ConnectionTypeDuckDb: {
		Name: constants.ConnectionTypeDuckDb, quoteOpen: `"`, quoteClose: `"`,
		bindFunc:    func(int) string { return "?" },
		bytesColumn: "encode(%v)",
		bytesBind:   "encode(%v)",
	},
}

// GetDialect returns the Dialect for the connection type t.
func GetDialect(t string) (Dialect, error) {
	d, ok := dialects[t]
	if !ok {
		return Dialect{}, fmt.Errorf("unsupported database type, %q", t)
	}
	return d, nil
}

// Quote returns the quoted identifier.
func (d Dialect) Quote(ident string) string {
	return h.QuoteIdentifier(ident, d.quoteOpen, d.quoteClose)
}

// Bind returns the bind variable for the n'th value of a statement, starting at 1.
func (d Dialect) Bind(n int) string {
	return d.bindFunc(n)
}

func (d Dialect) selectList(cols []string) string {
	if len(cols) == 0 {
		return "*"
	}
	return strings.Join(h.QuoteIdentifiers(cols, d.quoteOpen, d.quoteClose), ", ")
}

// DiscoverSql returns a query that yields column metadata without rows.
func (d Dialect) DiscoverSql(table SchemaTable, cols []string) string {
	return fmt.Sprintf("SELECT %v FROM %v WHERE 1=0", d.selectList(cols), table.String())
}

// keyExpr returns the key column as used in predicates and ORDER BY.
func (d Dialect) keyExpr(key string, text bool) string {
	if text {
		return fmt.Sprintf(d.bytesColumn, d.Quote(key))
	}
	return d.Quote(key)
}

// keyBind returns the n'th bind variable for comparison with keyExpr.
func (d Dialect) keyBind(n int, text bool) string {
	if text && d.bytesBind != "" {
		return fmt.Sprintf(d.bytesBind, d.Bind(n))
	}
	return d.Bind(n)
}

func (d Dialect) limit(sqltext string, n int) string {
	if d.useTop {
		return strings.Replace(sqltext, "SELECT ", fmt.Sprintf("SELECT TOP (%d) ", n), 1)
	}
	return fmt.Sprintf("%v LIMIT %d", sqltext, n)
}

// MinKeySql returns a query for the smallest non-null key in table.
// Text keys are ordered by code point, see RangeQuery.TextKey.
func (d Dialect) MinKeySql(table SchemaTable, key string, text bool) string {
	if !text {
		return fmt.Sprintf("SELECT MIN(%v) FROM %v", d.Quote(key), table.String())
	}
	return d.limit(fmt.Sprintf("SELECT %v FROM %v WHERE %v IS NOT NULL ORDER BY %v",
		d.Quote(key), table.String(), d.Quote(key), d.keyExpr(key, true)), 1)
}

// RangeQuery describes an ordered read of at most Limit rows starting at an inclusive key.
type RangeQuery struct {
	Table             SchemaTable
	Columns           []string
	KeyColumn         string
	HasStart          bool // when false the read starts at the lowest key.
	StartExclusive    bool // the start key itself is excluded.
	TextKey           bool // compare keys by code point instead of by the column collation.
	IncrementalColumn string
	Limit             int
}

// RangeSql returns the SQL for q. Bind variables are, in order: the start key (when HasStart) and the
// incremental filter value (when IncrementalColumn is set).
func (d Dialect) RangeSql(q RangeQuery) string {
	pred := make([]string, 0, 2)
	n := 0
	key := d.keyExpr(q.KeyColumn, q.TextKey)
	if q.HasStart {
		n++
		op := ">="
		if q.StartExclusive {
			op = ">"
		}
		pred = append(pred, fmt.Sprintf("%v %v %v", key, op, d.keyBind(n, q.TextKey)))
	}
	if q.IncrementalColumn != "" {
		n++
		pred = append(pred, fmt.Sprintf("%v > %v", d.Quote(q.IncrementalColumn), d.Bind(n)))
	}
	sb := strings.Builder{}
	sb.WriteString("SELECT ")
	if d.useTop {
		sb.WriteString(fmt.Sprintf("TOP (%d) ", q.Limit))
	}
	sb.WriteString(d.selectList(q.Columns))
	sb.WriteString(" FROM ")
	sb.WriteString(q.Table.String())
	if len(pred) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(pred, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(key)
	if !d.useTop {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}
	return sb.String()
}

// KeyGroupSql returns the SQL to fetch every row sharing a single key value.
// Bind variables are the key and then the incremental filter value (when set).
func (d Dialect) KeyGroupSql(q RangeQuery) string {
	s := fmt.Sprintf("SELECT %v FROM %v WHERE %v = %v", d.selectList(q.Columns), q.Table.String(), d.keyExpr(q.KeyColumn, q.TextKey), d.keyBind(1, q.TextKey))
	if q.IncrementalColumn != "" {
		s += fmt.Sprintf(" AND %v > %v", d.Quote(q.IncrementalColumn), d.Bind(2))
	}
	return s
}
