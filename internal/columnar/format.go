package columnar

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// BatchMagic identifies the spill batch format.
	BatchMagic = uint32(0x53504C42) // "SPLB"

	formatVersion = uint32(1)

	// batchHeaderSize: [4 magic][4 version][4 rows][4 cols]
	batchHeaderSize = 16

	checksumSize = 4
)

// Encode serializes the batch to its tier-portable byte form. The format is
// deliberately type-erased: column types are NOT written, so callers must
// supply them again to Decode. Layout per column, after the batch header:
//
//	[4 validity_len][validity][4 offset_count][offsets][4 values_len][values]
//
// A trailing CRC32 over everything after the magic guards against torn or
// corrupted spill files.
func (b *Batch) Encode() []byte {
	buf := make([]byte, 0, b.EncodedSize())

	hdr := make([]byte, batchHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], BatchMagic)
	binary.BigEndian.PutUint32(hdr[4:8], formatVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(b.NumRows))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(b.Columns)))
	buf = append(buf, hdr...)

	var u32 [4]byte
	for _, c := range b.Columns {
		binary.BigEndian.PutUint32(u32[:], uint32(len(c.Validity)))
		buf = append(buf, u32[:]...)
		buf = append(buf, c.Validity...)

		binary.BigEndian.PutUint32(u32[:], uint32(len(c.Offsets)))
		buf = append(buf, u32[:]...)
		for _, off := range c.Offsets {
			binary.BigEndian.PutUint32(u32[:], uint32(off))
			buf = append(buf, u32[:]...)
		}

		binary.BigEndian.PutUint32(u32[:], uint32(len(c.Values)))
		buf = append(buf, u32[:]...)
		buf = append(buf, c.Values...)
	}

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(u32[:], crc)
	buf = append(buf, u32[:]...)

	return buf
}

// EncodedSize returns the exact length Encode will produce. Tier stores use
// it for capacity checks before any bytes are copied.
func (b *Batch) EncodedSize() int64 {
	size := int64(batchHeaderSize)
	for _, c := range b.Columns {
		size += 4 + int64(len(c.Validity))
		size += 4 + 4*int64(len(c.Offsets))
		size += 4 + int64(len(c.Values))
	}
	return size + checksumSize
}

// Decode re-hydrates a batch from its encoded form. The on-disk bytes carry
// no type information, so the caller supplies the column types; an arity or
// shape mismatch fails rather than silently misreading values.
func Decode(raw []byte, types []ColumnType) (*Batch, error) {
	if len(raw) < batchHeaderSize+checksumSize {
		return nil, fmt.Errorf("encoded batch too short: %d bytes", len(raw))
	}
	if magic := binary.BigEndian.Uint32(raw[0:4]); magic != BatchMagic {
		return nil, fmt.Errorf("bad batch magic: 0x%08X", magic)
	}
	if v := binary.BigEndian.Uint32(raw[4:8]); v != formatVersion {
		return nil, fmt.Errorf("unsupported batch format version %d", v)
	}

	crcWant := binary.BigEndian.Uint32(raw[len(raw)-checksumSize:])
	if crc := crc32.ChecksumIEEE(raw[4 : len(raw)-checksumSize]); crc != crcWant {
		return nil, fmt.Errorf("batch checksum mismatch: got 0x%08X want 0x%08X", crc, crcWant)
	}

	rows := int(binary.BigEndian.Uint32(raw[8:12]))
	cols := int(binary.BigEndian.Uint32(raw[12:16]))
	if cols != len(types) {
		return nil, fmt.Errorf("encoded batch has %d columns, caller supplied %d types", cols, len(types))
	}

	body := raw[batchHeaderSize : len(raw)-checksumSize]
	pos := 0
	next := func(n int) ([]byte, error) {
		if pos+n > len(body) {
			return nil, fmt.Errorf("truncated batch body at offset %d", pos)
		}
		out := body[pos : pos+n]
		pos += n
		return out, nil
	}
	nextU32 := func() (int, error) {
		b, err := next(4)
		if err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint32(b)), nil
	}

	out := &Batch{NumRows: rows, Columns: make([]Column, cols)}
	for i := 0; i < cols; i++ {
		t := types[i]

		vlen, err := nextU32()
		if err != nil {
			return nil, err
		}
		if vlen != validityLen(rows) {
			return nil, fmt.Errorf("column %d: validity is %d bytes, want %d", i, vlen, validityLen(rows))
		}
		validity, err := next(vlen)
		if err != nil {
			return nil, err
		}

		offCount, err := nextU32()
		if err != nil {
			return nil, err
		}
		if t == String {
			if offCount != rows+1 {
				return nil, fmt.Errorf("column %d: string column has %d offsets, want %d", i, offCount, rows+1)
			}
		} else if offCount != 0 {
			return nil, fmt.Errorf("column %d: %s column has %d offsets, want 0", i, t, offCount)
		}
		var offsets []int32
		if offCount > 0 {
			offsets = make([]int32, offCount)
			for j := range offsets {
				o, err := nextU32()
				if err != nil {
					return nil, err
				}
				offsets[j] = int32(o)
			}
		}

		vallen, err := nextU32()
		if err != nil {
			return nil, err
		}
		if w := t.width(); w > 0 && vallen != rows*w {
			return nil, fmt.Errorf("column %d: %s values are %d bytes, want %d", i, t, vallen, rows*w)
		}
		values, err := next(vallen)
		if err != nil {
			return nil, err
		}

		out.Columns[i] = Column{Type: t, Validity: validity, Offsets: offsets, Values: values}
	}

	if pos != len(body) {
		return nil, fmt.Errorf("encoded batch has %d trailing bytes", len(body)-pos)
	}
	return out, nil
}
