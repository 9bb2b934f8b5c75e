package file

import (
	"bytes"
	"context"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	pq "github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	tabledefinition "github.com/relloyd/lakepipe/table-definition"
	"github.com/relloyd/lakepipe/stream"
)

// DecodeParquet reads a Parquet file produced by EncodeParquet back into its canonical schema and row values.
func DecodeParquet(ctx context.Context, data []byte) (*stream.Schema, [][]interface{}, error) {
	mem := memory.NewGoAllocator()
	tbl, err := pqarrow.ReadTable(ctx, bytes.NewReader(data), parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error reading parquet table")
	}
	defer tbl.Release()
	s, err := tabledefinition.SchemaFromArrow(tbl.Schema())
	if err != nil {
		return nil, nil, err
	}
	rows := make([][]interface{}, 0, tbl.NumRows())
	tr := array.NewTableReader(tbl, 0)
	defer tr.Release()
	for tr.Next() {
		var r [][]interface{}
		if r, err = tabledefinition.RecordRows(tr.Record(), s); err != nil {
			return nil, nil, err
		}
		rows = append(rows, r...)
	}
	return s, rows, nil
}

// ParquetInfo summarises a Parquet file footer.
type ParquetInfo struct {
	NumRows      int64
	NumRowGroups int
	Columns      []string
	CreatedBy    string
}

// InspectParquet reads the footer of a Parquet file without decoding its pages.
func InspectParquet(data []byte) (*ParquetInfo, error) {
	f, err := pq.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, "error opening parquet file")
	}
	info := &ParquetInfo{
		NumRows:      f.NumRows(),
		NumRowGroups: len(f.RowGroups()),
		CreatedBy:    f.Metadata().CreatedBy,
	}
	for _, field := range f.Schema().Fields() {
		info.Columns = append(info.Columns, field.Name())
	}
	return info, nil
}
