package rdbms

import (
	"context"
	"fmt"
	"strings"

	om "github.com/cevaris/ordered_map"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/logger"
)

// BindWrapperFunc wraps the bind variable of column idx, e.g. to add a CAST around it.
type BindWrapperFunc func(idx int, bind string) string

// SqlStatementGeneratorConfig configures a batch INSERT generator.
type SqlStatementGeneratorConfig struct {
	Log         logger.Logger
	Dialect     Dialect
	OutputTable string         // used verbatim.
	TargetCols  *om.OrderedMap // ordered map of: key = field name; value = target table column name
	BindWrapper BindWrapperFunc
}

// SqlInsertTxtBatch generates multi-row INSERT statements with batches of rows supplied.
type SqlInsertTxtBatch struct {
	SqlStatementGeneratorConfig
	ColList         []string
	sqlStmtTemplate string
	sqlStmtCache    map[int]string // statement per number of rows in batch.
	sqlValues       []interface{}
	batchSize       int
	rowsInBatch     int
}

// NewInsertGenerator creates a new batch INSERT generator.
func NewInsertGenerator(cfg *SqlStatementGeneratorConfig) *SqlInsertTxtBatch {
	o := &SqlInsertTxtBatch{SqlStatementGeneratorConfig: *cfg, sqlStmtCache: make(map[int]string)}
	o.setupSqlStatement()
	return o
}

func (o *SqlInsertTxtBatch) setupSqlStatement() {
	// Build the list of column names.
	o.ColList = make([]string, 0, o.TargetCols.Len())
	iter := o.TargetCols.IterFunc()
	for kv, ok := iter(); ok; kv, ok = iter() {
		o.ColList = append(o.ColList, o.Dialect.Quote(fmt.Sprintf("%v", kv.Value)))
	}
	o.sqlStmtTemplate = fmt.Sprintf("insert into %v (%v) values ", o.OutputTable, strings.Join(o.ColList, ","))
	o.Log.Debug("setup INSERT generator with SQL (VALUES pending): ", o.sqlStmtTemplate)
}

// InitBatch resets the buffer of values ready for up to batchSize rows.
func (o *SqlInsertTxtBatch) InitBatch(batchSize int) {
	o.batchSize = batchSize
	o.rowsInBatch = 0
	o.sqlValues = make([]interface{}, 0, o.batchSize*len(o.ColList)) // many values per row in a batch.
}

// AddValuesToBatch adds a row of values and reports whether the batch is now full.
func (o *SqlInsertTxtBatch) AddValuesToBatch(values []interface{}) (batchIsFull bool, err error) {
	if o.rowsInBatch >= o.batchSize {
		return true, errors.New("no more rows allowed in INSERT batch")
	}
	if len(values) != len(o.ColList) {
		return false, errors.New("the number of values supplied does not match the number of table columns")
	}
	o.sqlValues = append(o.sqlValues, values...)
	o.rowsInBatch++
	return o.rowsInBatch >= o.batchSize, nil
}

func (o *SqlInsertTxtBatch) GetValues() []interface{} {
	return o.sqlValues
}

// GetStatement returns the INSERT for the rows added since InitBatch.
func (o *SqlInsertTxtBatch) GetStatement() string {
	if s, ok := o.sqlStmtCache[o.rowsInBatch]; ok {
		return s
	}
	allRows := strings.Builder{}
	allRows.WriteString(o.sqlStmtTemplate)
	valIdx := 1
	for rowIdx := 0; rowIdx < o.rowsInBatch; rowIdx++ {
		if rowIdx > 0 {
			allRows.WriteString(",")
		}
		allRows.WriteString("(")
		for idy := range o.ColList {
			if idy > 0 {
				allRows.WriteString(",")
			}
			bind := o.Dialect.Bind(valIdx)
			if o.BindWrapper != nil {
				bind = o.BindWrapper(idy, bind)
			}
			allRows.WriteString(bind)
			valIdx++
		}
		allRows.WriteString(")")
	}
	s := allRows.String()
	o.sqlStmtCache[o.rowsInBatch] = s
	return s
}

// ExecFunc executes a statement, e.g. a wrapper around (*sql.DB).ExecContext.
type ExecFunc func(ctx context.Context, query string, args ...interface{}) error

// ExecInsertRows inserts rows in batches of batchSize using the generator o.
func (o *SqlInsertTxtBatch) ExecInsertRows(ctx context.Context, exec ExecFunc, rows [][]interface{}, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(rows)
	}
	flush := func() error {
		if o.rowsInBatch == 0 {
			return nil
		}
		if err := exec(ctx, o.GetStatement(), o.GetValues()...); err != nil {
			return errors.Wrapf(err, "error executing batch INSERT into %v", o.OutputTable)
		}
		return nil
	}
	o.InitBatch(batchSize)
	for _, r := range rows {
		full, err := o.AddValuesToBatch(r)
		if err != nil {
			return err
		}
		if full {
			if err = flush(); err != nil {
				return err
			}
			o.InitBatch(batchSize)
		}
	}
	return flush()
}
