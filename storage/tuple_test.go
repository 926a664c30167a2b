package storage

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSchema() Schema {
	return Schema{Columns: []Column{
		{Name: "id", Type: TypeInt32, TableIndex: 0, Nullable: false, Unique: true},
		{Name: "score", Type: TypeFloat32, TableIndex: 1, Nullable: true},
		{Name: "name", Type: TypeChar, Len: 8, TableIndex: 2, Nullable: true},
	}}
}

func TestRowEncodeDecodeRoundTrip(t *testing.T) {
	schema := sampleSchema()
	row := Row{Values: []Value{
		NewInt32Value(42),
		NewFloat32Value(3.5),
		NewCharValue("alice"),
	}}

	buf, err := row.Encode(schema)
	require.NoError(t, err)

	decoded, err := DecodeRow(schema, buf)
	require.NoError(t, err)
	assert.Equal(t, int32(42), decoded.Values[0].Int32Val)
	assert.InDelta(t, float32(3.5), decoded.Values[1].Float32Val, 0.0001)
	assert.Equal(t, "alice", decoded.Values[2].CharVal)
}

// TestRowEncodeLiteralLayout pins the wire format down to the byte: {u32 field_count,
// null_bitmap, non_null_fields...} with a variable-width {u32 length, bytes} CHAR body, so a
// silent drift back to a fixed-width layout would fail here even though the round-trip tests
// above would not notice.
func TestRowEncodeLiteralLayout(t *testing.T) {
	schema := sampleSchema()
	row := Row{Values: []Value{
		NewInt32Value(42),
		NewFloat32Value(3.5),
		NewCharValue("alice"),
	}}
	buf, err := row.Encode(schema)
	require.NoError(t, err)

	// 4 (field_count) + 1 (null bitmap, 3 columns) + 4 (int32) + 4 (float32) + 4 (char length) + 5 (char bytes)
	require.Len(t, buf, 22)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[0:]))
	assert.Equal(t, byte(0), buf[4]) // no nulls
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(buf[5:]))
	assert.Equal(t, float32(3.5), math.Float32frombits(binary.LittleEndian.Uint32(buf[9:])))
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(buf[13:]))
	assert.Equal(t, "alice", string(buf[17:22]))
}

func TestRowEncodeNullValues(t *testing.T) {
	schema := sampleSchema()
	row := Row{Values: []Value{
		NewInt32Value(1),
		NewNullValue(),
		NewNullValue(),
	}}
	buf, err := row.Encode(schema)
	require.NoError(t, err)

	// A NULL field occupies no body bytes at all: field_count + bitmap + only the int32 body.
	require.Len(t, buf, 4+1+4)
	assert.Equal(t, byte(0b0000_0110), buf[4])

	decoded, err := DecodeRow(schema, buf)
	require.NoError(t, err)
	assert.False(t, decoded.Values[0].Null)
	assert.True(t, decoded.Values[1].Null)
	assert.True(t, decoded.Values[2].Null)
}

func TestRowEncodeCharTooLong(t *testing.T) {
	schema := sampleSchema()
	row := Row{Values: []Value{
		NewInt32Value(1),
		NewFloat32Value(1),
		NewCharValue("waytoolongforeight"),
	}}
	_, err := row.Encode(schema)
	assert.Error(t, err)
	assert.True(t, dberrors.Is(err, dberrors.RowTooLarge))
}

func TestRowEncodeSchemaMismatch(t *testing.T) {
	schema := sampleSchema()
	row := Row{Values: []Value{NewInt32Value(1)}}
	_, err := row.Encode(schema)
	assert.Error(t, err)
}

func TestDecodeRowFieldCountMismatch(t *testing.T) {
	schema := sampleSchema()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 7)
	_, err := DecodeRow(schema, buf)
	assert.Error(t, err)
	assert.True(t, dberrors.Is(err, dberrors.SchemaMismatch))
}

func TestSchemaEncodeDecodeRoundTrip(t *testing.T) {
	schema := sampleSchema()
	buf := EncodeSchema(schema)
	decoded, n, err := DecodeSchema(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, schema, decoded)
}

// TestEncodeColumnLiteralLayout pins the column format to {u32 MAGIC, u32 name_len, name_bytes,
// u32 type_id, u32 length, u32 table_index, u8 nullable, u8 unique}.
func TestEncodeColumnLiteralLayout(t *testing.T) {
	col := Column{Name: "id", Type: TypeInt32, Len: 0, TableIndex: 3, Nullable: false, Unique: true}
	buf := encodeColumn(col)
	require.Len(t, buf, 4+4+2+4+4+4+1+1)
	assert.Equal(t, uint32(columnMagic), binary.LittleEndian.Uint32(buf[0:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, "id", string(buf[8:10]))
	assert.Equal(t, uint32(TypeInt32), binary.LittleEndian.Uint32(buf[10:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[14:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[18:]))
	assert.Equal(t, byte(0), buf[22])
	assert.Equal(t, byte(1), buf[23])

	decoded, n, err := decodeColumn(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, col, decoded)
}
