// Package index implements the persistent B+-tree secondary index built on top of the storage
// package's buffer pool and page primitives.
package index

import (
	"encoding/binary"
	"math"

	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/cyw5807/miniSQL/storage"
)

// KeyManager serializes and compares composite index keys according to a fixed key schema (a
// projection of one or more columns from the indexed table's row schema). Every key produced by
// a given KeyManager has the same encoded length, which is what lets btree_page.go pack keys
// into a fixed-stride array.
type KeyManager struct {
	schema storage.Schema
}

// NewKeyManager builds a KeyManager over the given key schema.
func NewKeyManager(schema storage.Schema) *KeyManager {
	return &KeyManager{schema: schema}
}

// fixedKeySize returns the encoded length every key over schema occupies: a null bitmap plus one
// fixed-width slot per column (CHAR columns zero-padded to their declared length). This is
// deliberately not Row.Encode's variable-width, field_count-prefixed row format -- a B+-tree
// page's slot array is a fixed-stride array, so every key it stores must be exactly the same
// size, unlike a heap row.
func fixedKeySize(schema storage.Schema) int {
	total := storage.NullBitmapBytes(len(schema.Columns))
	for _, c := range schema.Columns {
		total += c.FixedSize()
	}
	return total
}

// Size returns the fixed encoded length of every key this manager produces.
func (km *KeyManager) Size() int {
	return fixedKeySize(km.schema)
}

// Schema exposes the underlying key schema, chiefly so a caller can build a Row to encode.
func (km *KeyManager) Schema() storage.Schema {
	return km.schema
}

// Encode packs a key row into its fixed-width wire form.
func (km *KeyManager) Encode(key storage.Row) ([]byte, error) {
	if len(key.Values) != len(km.schema.Columns) {
		return nil, dberrors.New(dberrors.SchemaMismatch, "key has %d values, schema has %d columns", len(key.Values), len(km.schema.Columns))
	}
	buf := make([]byte, km.Size())
	bitmapLen := storage.NullBitmapBytes(len(km.schema.Columns))
	pos := bitmapLen
	for i, col := range km.schema.Columns {
		val := key.Values[i]
		if val.Null {
			buf[i/8] |= 1 << uint(i%8)
			pos += col.FixedSize()
			continue
		}
		switch col.Type {
		case storage.TypeInt32:
			binary.LittleEndian.PutUint32(buf[pos:], uint32(val.Int32Val))
		case storage.TypeFloat32:
			binary.LittleEndian.PutUint32(buf[pos:], math.Float32bits(val.Float32Val))
		case storage.TypeChar:
			if len(val.CharVal) > col.Len {
				return nil, dberrors.New(dberrors.RowTooLarge, "key column %q: value length %d exceeds CHAR(%d)", col.Name, len(val.CharVal), col.Len)
			}
			copy(buf[pos:pos+col.Len], val.CharVal)
		default:
			return nil, dberrors.New(dberrors.SchemaMismatch, "key column %q has unknown type %d", col.Name, col.Type)
		}
		pos += col.FixedSize()
	}
	return buf, nil
}

// Decode is the inverse of Encode.
func (km *KeyManager) Decode(data []byte) (storage.Row, error) {
	if len(data) != km.Size() {
		return storage.Row{}, dberrors.New(dberrors.SchemaMismatch, "key buffer is %d bytes, schema expects %d", len(data), km.Size())
	}
	bitmapLen := storage.NullBitmapBytes(len(km.schema.Columns))
	pos := bitmapLen
	values := make([]storage.Value, len(km.schema.Columns))
	for i, col := range km.schema.Columns {
		isNull := data[i/8]&(1<<uint(i%8)) != 0
		if isNull {
			values[i] = storage.Value{Null: true}
			pos += col.FixedSize()
			continue
		}
		switch col.Type {
		case storage.TypeInt32:
			values[i] = storage.NewInt32Value(int32(binary.LittleEndian.Uint32(data[pos:])))
		case storage.TypeFloat32:
			values[i] = storage.NewFloat32Value(math.Float32frombits(binary.LittleEndian.Uint32(data[pos:])))
		case storage.TypeChar:
			raw := data[pos : pos+col.Len]
			end := len(raw)
			for end > 0 && raw[end-1] == 0 {
				end--
			}
			values[i] = storage.NewCharValue(string(raw[:end]))
		default:
			return storage.Row{}, dberrors.New(dberrors.SchemaMismatch, "key column %q has unknown type %d", col.Name, col.Type)
		}
		pos += col.FixedSize()
	}
	return storage.Row{Values: values}, nil
}

// Compare orders two encoded keys column by column, NULLs sorting before any non-NULL value.
func (km *KeyManager) Compare(a, b []byte) int {
	ra, errA := km.Decode(a)
	rb, errB := km.Decode(b)
	if errA != nil || errB != nil {
		// Fixed-width encodings should always decode; fall back to a byte compare rather than
		// panicking on corruption a caller can still detect via CatalogCorruption elsewhere.
		return compareBytes(a, b)
	}
	for i := range ra.Values {
		if c := compareValue(ra.Values[i], rb.Values[i]); c != 0 {
			return c
		}
	}
	return 0
}

func compareValue(a, b storage.Value) int {
	if a.Null && b.Null {
		return 0
	}
	if a.Null {
		return -1
	}
	if b.Null {
		return 1
	}
	switch {
	case a.Int32Val != b.Int32Val:
		if a.Int32Val < b.Int32Val {
			return -1
		}
		return 1
	case a.Float32Val != b.Float32Val:
		if a.Float32Val < b.Float32Val {
			return -1
		}
		return 1
	case a.CharVal != b.CharVal:
		if a.CharVal < b.CharVal {
			return -1
		}
		return 1
	}
	return 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

var errKeyNotFound = dberrors.New(dberrors.KeyNotFound, "key not found")
