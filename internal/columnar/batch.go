package columnar

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ColumnType enumerates the value types a column can hold.
type ColumnType int

const (
	Int32 ColumnType = iota
	Int64
	Float64
	Bool
	String
)

func (t ColumnType) String() string {
	switch t {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// width returns the fixed byte width of a value, or 0 for variable-width.
func (t ColumnType) width() int {
	switch t {
	case Int32:
		return 4
	case Int64, Float64:
		return 8
	case Bool:
		return 1
	default:
		return 0
	}
}

// Column holds one column of a batch: a validity bitmap, raw big-endian
// values, and (for String columns) row offsets into the value bytes.
type Column struct {
	Type     ColumnType
	Validity []byte  // 1 bit per row, set = non-null
	Offsets  []int32 // String only, len rows+1
	Values   []byte
}

// Batch is an immutable columnar table slice. Rows and column payloads are
// never mutated after Build; tier stores copy the encoded bytes around.
type Batch struct {
	NumRows int
	Columns []Column
}

// Types returns the column types of the batch in order.
func (b *Batch) Types() []ColumnType {
	ts := make([]ColumnType, len(b.Columns))
	for i, c := range b.Columns {
		ts[i] = c.Type
	}
	return ts
}

// IsNull reports whether the value at (row, col) is null.
func (b *Batch) IsNull(row, col int) bool {
	c := &b.Columns[col]
	return c.Validity[row>>3]&(1<<uint(row&7)) == 0
}

// Int32 returns the value at (row, col). The column must be Int32 and the
// value non-null; violations are programming errors and panic.
func (b *Batch) Int32(row, col int) int32 {
	c := b.column(col, Int32)
	return int32(binary.BigEndian.Uint32(c.Values[row*4:]))
}

func (b *Batch) Int64(row, col int) int64 {
	c := b.column(col, Int64)
	return int64(binary.BigEndian.Uint64(c.Values[row*8:]))
}

func (b *Batch) Float64(row, col int) float64 {
	c := b.column(col, Float64)
	return math.Float64frombits(binary.BigEndian.Uint64(c.Values[row*8:]))
}

func (b *Batch) Bool(row, col int) bool {
	c := b.column(col, Bool)
	return c.Values[row] != 0
}

func (b *Batch) StringAt(row, col int) string {
	c := b.column(col, String)
	return string(c.Values[c.Offsets[row]:c.Offsets[row+1]])
}

func (b *Batch) column(col int, want ColumnType) *Column {
	c := &b.Columns[col]
	if c.Type != want {
		panic(fmt.Sprintf("column %d is %s, accessed as %s", col, c.Type, want))
	}
	return c
}

func validityLen(rows int) int {
	return (rows + 7) / 8
}
