package columnar

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Builder assembles a Batch column by column. Append methods panic on a
// column type mismatch, which is a programming error in the producer.
type Builder struct {
	types    []ColumnType
	rows     []int // per-column appended row count
	validity [][]byte
	offsets  [][]int32
	values   [][]byte
}

// NewBuilder creates a builder for a batch with the given column types.
func NewBuilder(types ...ColumnType) *Builder {
	b := &Builder{
		types:    types,
		rows:     make([]int, len(types)),
		validity: make([][]byte, len(types)),
		offsets:  make([][]int32, len(types)),
		values:   make([][]byte, len(types)),
	}
	for i, t := range types {
		if t == String {
			b.offsets[i] = []int32{0}
		}
	}
	return b
}

func (b *Builder) AppendInt32(col int, v int32) *Builder {
	b.checkType(col, Int32)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	b.appendValue(col, buf[:], true)
	return b
}

func (b *Builder) AppendInt64(col int, v int64) *Builder {
	b.checkType(col, Int64)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	b.appendValue(col, buf[:], true)
	return b
}

func (b *Builder) AppendFloat64(col int, v float64) *Builder {
	b.checkType(col, Float64)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	b.appendValue(col, buf[:], true)
	return b
}

func (b *Builder) AppendBool(col int, v bool) *Builder {
	b.checkType(col, Bool)
	by := byte(0)
	if v {
		by = 1
	}
	b.appendValue(col, []byte{by}, true)
	return b
}

func (b *Builder) AppendString(col int, v string) *Builder {
	b.checkType(col, String)
	b.appendValue(col, []byte(v), true)
	return b
}

// AppendNull appends a null to the column; the value slot holds the type's
// zero value so fixed-width indexing stays uniform.
func (b *Builder) AppendNull(col int) *Builder {
	t := b.types[col]
	if t == String {
		b.appendValue(col, nil, false)
		return b
	}
	b.appendValue(col, make([]byte, t.width()), false)
	return b
}

func (b *Builder) appendValue(col int, raw []byte, valid bool) {
	row := b.rows[col]
	if row>>3 >= len(b.validity[col]) {
		b.validity[col] = append(b.validity[col], 0)
	}
	if valid {
		b.validity[col][row>>3] |= 1 << uint(row&7)
	}
	b.values[col] = append(b.values[col], raw...)
	if b.types[col] == String {
		b.offsets[col] = append(b.offsets[col], int32(len(b.values[col])))
	}
	b.rows[col]++
}

func (b *Builder) checkType(col int, want ColumnType) {
	if b.types[col] != want {
		panic(fmt.Sprintf("column %d is %s, appended as %s", col, b.types[col], want))
	}
}

// Build finalizes the batch. All columns must have the same row count.
func (b *Builder) Build() (*Batch, error) {
	rows := 0
	if len(b.rows) > 0 {
		rows = b.rows[0]
	}
	for i, r := range b.rows {
		if r != rows {
			return nil, fmt.Errorf("column %d has %d rows, column 0 has %d", i, r, rows)
		}
	}

	cols := make([]Column, len(b.types))
	for i, t := range b.types {
		cols[i] = Column{
			Type:     t,
			Validity: b.validity[i],
			Values:   b.values[i],
		}
		if t == String {
			cols[i].Offsets = b.offsets[i]
		}
		if cols[i].Validity == nil {
			cols[i].Validity = []byte{}
		}
		if cols[i].Values == nil {
			cols[i].Values = []byte{}
		}
	}
	return &Batch{NumRows: rows, Columns: cols}, nil
}
