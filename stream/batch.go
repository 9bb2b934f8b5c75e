package stream

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Batch is a bounded set of rows in columnar layout.
// A batch with no rows marks the end of the source.
type Batch struct {
	Seq    int64
	Range  WatermarkRange
	Schema *Schema
	Record arrow.Record
}

func (b *Batch) NumRows() int64 {
	if b == nil || b.Record == nil {
		return 0
	}
	return b.Record.NumRows()
}

func (b *Batch) IsEmpty() bool {
	return b.NumRows() == 0
}

// Release frees the memory held by the underlying record.
func (b *Batch) Release() {
	if b != nil && b.Record != nil {
		b.Record.Release()
		b.Record = nil
	}
}

func (b *Batch) String() string {
	if b == nil {
		return "<nil batch>"
	}
	return fmt.Sprintf("batch %d %v (%d rows)", b.Seq, b.Range, b.NumRows())
}
