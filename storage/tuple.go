package storage

import (
	"encoding/binary"
	"math"

	"github.com/cyw5807/miniSQL/internal/dberrors"
)

// ColumnType enumerates the field types a Schema can describe.
type ColumnType uint8

const (
	TypeInt32 ColumnType = iota
	TypeFloat32
	TypeChar
)

// Column describes one field of a Schema. Len is only meaningful for TypeChar, where it bounds
// the longest value the column accepts; a CHAR value shorter than Len is stored at its actual
// length, not padded.
type Column struct {
	Name       string
	Type       ColumnType
	Len        int
	TableIndex int
	Nullable   bool
	Unique     bool
}

// FixedSize returns the number of bytes a non-NULL value of this column's type occupies when
// packed at a fixed width: 4 for INT32 and FLOAT32, Len for CHAR. It has no bearing on a row's
// encoded size on the heap, where CHAR is variable-width and NULLs occupy nothing; it exists for
// callers, such as the B+-tree's key encoding, that need a fixed per-column stride.
func (c Column) FixedSize() int {
	switch c.Type {
	case TypeInt32:
		return 4
	case TypeFloat32:
		return 4
	case TypeChar:
		return c.Len
	default:
		return 0
	}
}

// Schema is an ordered list of columns shared by every row in a table.
type Schema struct {
	Columns []Column
}

// NullBitmapBytes returns ceil(n/8), the number of bytes needed to hold one null flag per column.
func NullBitmapBytes(n int) int {
	return (n + 7) / 8
}

// RowSize returns the encoded byte length of a row conforming to this schema in which every CHAR
// column is filled to its declared maximum and no column is NULL -- the largest a row can ever
// encode to, not the size of any particular row (rows are variable-width; see Row.Encode).
func (s Schema) RowSize() int {
	total := 4 + NullBitmapBytes(len(s.Columns))
	for _, c := range s.Columns {
		if c.Type == TypeChar {
			total += 4 + c.Len
		} else {
			total += c.FixedSize()
		}
	}
	return total
}

const schemaMagic = 0x53434831   // "SCH1"
const columnMagic = 0x434f4c31   // "COL1"

// EncodeSchema serializes s as {u32 MAGIC, u32 column_count, column*column_count}, each column
// itself framed as {u32 MAGIC, u32 name_len, name_bytes, u32 type_id, u32 length, u32
// table_index, u8 nullable, u8 unique}.
func EncodeSchema(s Schema) []byte {
	buf := make([]byte, 0, 8+len(s.Columns)*32)
	head := make([]byte, 8)
	binary.LittleEndian.PutUint32(head[0:], schemaMagic)
	binary.LittleEndian.PutUint32(head[4:], uint32(len(s.Columns)))
	buf = append(buf, head...)
	for _, c := range s.Columns {
		buf = append(buf, encodeColumn(c)...)
	}
	return buf
}

func encodeColumn(c Column) []byte {
	nameLen := len(c.Name)
	entry := make([]byte, 4+4+nameLen+4+4+4+1+1)
	pos := 0
	binary.LittleEndian.PutUint32(entry[pos:], columnMagic)
	pos += 4
	binary.LittleEndian.PutUint32(entry[pos:], uint32(nameLen))
	pos += 4
	copy(entry[pos:pos+nameLen], c.Name)
	pos += nameLen
	binary.LittleEndian.PutUint32(entry[pos:], uint32(c.Type))
	pos += 4
	binary.LittleEndian.PutUint32(entry[pos:], uint32(c.Len))
	pos += 4
	binary.LittleEndian.PutUint32(entry[pos:], uint32(c.TableIndex))
	pos += 4
	if c.Nullable {
		entry[pos] = 1
	}
	pos++
	if c.Unique {
		entry[pos] = 1
	}
	return entry
}

func decodeColumn(data []byte) (Column, int, error) {
	if len(data) < 8 {
		return Column{}, 0, dberrors.New(dberrors.CatalogCorruption, "column buffer too short")
	}
	if binary.LittleEndian.Uint32(data[0:]) != columnMagic {
		return Column{}, 0, dberrors.New(dberrors.CatalogCorruption, "bad column magic")
	}
	pos := 4
	nameLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if pos+nameLen+4+4+4+1+1 > len(data) {
		return Column{}, 0, dberrors.New(dberrors.CatalogCorruption, "truncated column body")
	}
	name := string(data[pos : pos+nameLen])
	pos += nameLen
	typ := ColumnType(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	length := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	tableIndex := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	nullable := data[pos] != 0
	pos++
	unique := data[pos] != 0
	pos++
	return Column{Name: name, Type: typ, Len: length, TableIndex: tableIndex, Nullable: nullable, Unique: unique}, pos, nil
}

// DecodeSchema parses a buffer produced by EncodeSchema, returning the consumed byte count.
func DecodeSchema(data []byte) (Schema, int, error) {
	if len(data) < 8 {
		return Schema{}, 0, dberrors.New(dberrors.CatalogCorruption, "schema buffer too short")
	}
	if binary.LittleEndian.Uint32(data[0:]) != schemaMagic {
		return Schema{}, 0, dberrors.New(dberrors.CatalogCorruption, "bad schema magic")
	}
	numCols := int(binary.LittleEndian.Uint32(data[4:]))
	pos := 8
	cols := make([]Column, 0, numCols)
	for i := 0; i < numCols; i++ {
		col, n, err := decodeColumn(data[pos:])
		if err != nil {
			return Schema{}, 0, dberrors.New(dberrors.CatalogCorruption, "schema column %d: %v", i, err)
		}
		cols = append(cols, col)
		pos += n
	}
	return Schema{Columns: cols}, pos, nil
}

// Value is a single field's runtime representation, tagged by the column type it was read
// against. Null discards whatever the type-specific field holds.
type Value struct {
	Null       bool
	Int32Val   int32
	Float32Val float32
	CharVal    string
}

func NewInt32Value(v int32) Value     { return Value{Int32Val: v} }
func NewFloat32Value(v float32) Value { return Value{Float32Val: v} }
func NewCharValue(v string) Value     { return Value{CharVal: v} }
func NewNullValue() Value             { return Value{Null: true} }

// Row is a decoded tuple: one Value per Schema column, in column order.
type Row struct {
	Values []Value
}

// Encode packs row into {u32 field_count, null_bitmap[ceil(n/8)], non_null_fields...}. INT32 and
// FLOAT32 fields are 4 bytes each; CHAR fields are {u32 length, bytes}; a NULL field contributes
// no body bytes at all, which is why the encoded length varies row to row.
func (row Row) Encode(schema Schema) ([]byte, error) {
	if len(row.Values) != len(schema.Columns) {
		return nil, dberrors.New(dberrors.SchemaMismatch, "row has %d values, schema has %d columns", len(row.Values), len(schema.Columns))
	}
	bitmapLen := NullBitmapBytes(len(schema.Columns))
	size := 4 + bitmapLen
	for i, col := range schema.Columns {
		val := row.Values[i]
		if val.Null {
			continue
		}
		switch col.Type {
		case TypeInt32, TypeFloat32:
			size += 4
		case TypeChar:
			size += 4 + len(val.CharVal)
		}
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(schema.Columns)))
	pos := 4 + bitmapLen
	for i, col := range schema.Columns {
		val := row.Values[i]
		if val.Null {
			buf[4+i/8] |= 1 << uint(i%8)
			continue
		}
		switch col.Type {
		case TypeInt32:
			binary.LittleEndian.PutUint32(buf[pos:], uint32(val.Int32Val))
			pos += 4
		case TypeFloat32:
			binary.LittleEndian.PutUint32(buf[pos:], math.Float32bits(val.Float32Val))
			pos += 4
		case TypeChar:
			if col.Len > 0 && len(val.CharVal) > col.Len {
				return nil, dberrors.New(dberrors.RowTooLarge, "column %q: value length %d exceeds CHAR(%d)", col.Name, len(val.CharVal), col.Len)
			}
			binary.LittleEndian.PutUint32(buf[pos:], uint32(len(val.CharVal)))
			pos += 4
			copy(buf[pos:pos+len(val.CharVal)], val.CharVal)
			pos += len(val.CharVal)
		default:
			return nil, dberrors.New(dberrors.SchemaMismatch, "column %q has unknown type %d", col.Name, col.Type)
		}
	}
	return buf, nil
}

// DecodeRow is the inverse of Row.Encode. It trusts data's field_count against schema rather than
// the other way around, so a schema/data mismatch is reported as SchemaMismatch instead of a
// panic on out-of-range access.
func DecodeRow(schema Schema, data []byte) (Row, error) {
	if len(data) < 4 {
		return Row{}, dberrors.New(dberrors.SchemaMismatch, "row buffer too short for field count")
	}
	fieldCount := int(binary.LittleEndian.Uint32(data[0:]))
	if fieldCount != len(schema.Columns) {
		return Row{}, dberrors.New(dberrors.SchemaMismatch, "row has %d fields, schema has %d columns", fieldCount, len(schema.Columns))
	}
	bitmapLen := NullBitmapBytes(len(schema.Columns))
	if len(data) < 4+bitmapLen {
		return Row{}, dberrors.New(dberrors.SchemaMismatch, "row buffer too short for null bitmap")
	}
	pos := 4 + bitmapLen
	values := make([]Value, len(schema.Columns))
	for i, col := range schema.Columns {
		isNull := data[4+i/8]&(1<<uint(i%8)) != 0
		if isNull {
			values[i] = Value{Null: true}
			continue
		}
		switch col.Type {
		case TypeInt32:
			if pos+4 > len(data) {
				return Row{}, dberrors.New(dberrors.SchemaMismatch, "truncated INT32 field %q", col.Name)
			}
			values[i] = NewInt32Value(int32(binary.LittleEndian.Uint32(data[pos:])))
			pos += 4
		case TypeFloat32:
			if pos+4 > len(data) {
				return Row{}, dberrors.New(dberrors.SchemaMismatch, "truncated FLOAT32 field %q", col.Name)
			}
			values[i] = NewFloat32Value(math.Float32frombits(binary.LittleEndian.Uint32(data[pos:])))
			pos += 4
		case TypeChar:
			if pos+4 > len(data) {
				return Row{}, dberrors.New(dberrors.SchemaMismatch, "truncated CHAR length %q", col.Name)
			}
			length := int(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
			if pos+length > len(data) {
				return Row{}, dberrors.New(dberrors.SchemaMismatch, "truncated CHAR body %q", col.Name)
			}
			values[i] = NewCharValue(string(data[pos : pos+length]))
			pos += length
		default:
			return Row{}, dberrors.New(dberrors.SchemaMismatch, "column %q has unknown type %d", col.Name, col.Type)
		}
	}
	return Row{Values: values}, nil
}
