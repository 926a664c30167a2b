package catalog

import (
	"encoding/binary"

	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/cyw5807/miniSQL/storage"
)

// catalogMagic tags the catalog meta page so Load can detect a file that was never bootstrapped
// or has been corrupted.
const catalogMagic = 89849901

// The catalog meta page (logical page storage.CatalogMetaPageID) is a directory, not the schemas
// themselves: it records how many tables and indexes exist, the next id to hand out for each,
// and a (id, meta_page_id) pair per object. The object's actual name and schema live on their
// own dedicated meta page, so directory capacity never limits schema size.
const (
	metaMagicOff       = 0
	metaNextTableIDOff = 4
	metaNextIndexIDOff = 8
	metaTableCountOff  = 12
	metaIndexCountOff  = 16
	metaDirectoryOff   = 20
	metaDirEntrySize   = 8 // id int32 + metaPageID int32
)

const maxCatalogEntries = (storage.PageSize - metaDirectoryOff) / (2 * metaDirEntrySize)

type dirEntry struct {
	id         int32
	metaPageID storage.PageID
}

type catalogMeta struct {
	nextTableID int32
	nextIndexID int32
	tables      []dirEntry
	indexes     []dirEntry
}

func decodeCatalogMeta(buf []byte) (catalogMeta, error) {
	if binary.LittleEndian.Uint32(buf[metaMagicOff:]) != catalogMagic {
		return catalogMeta{}, dberrors.New(dberrors.CatalogCorruption, "catalog meta page has bad magic")
	}
	m := catalogMeta{
		nextTableID: int32(binary.LittleEndian.Uint32(buf[metaNextTableIDOff:])),
		nextIndexID: int32(binary.LittleEndian.Uint32(buf[metaNextIndexIDOff:])),
	}
	tableCount := int(binary.LittleEndian.Uint32(buf[metaTableCountOff:]))
	indexCount := int(binary.LittleEndian.Uint32(buf[metaIndexCountOff:]))
	if tableCount+indexCount > maxCatalogEntries {
		return catalogMeta{}, dberrors.New(dberrors.CatalogCorruption, "catalog directory count exceeds page capacity")
	}
	pos := metaDirectoryOff
	for i := 0; i < tableCount; i++ {
		m.tables = append(m.tables, dirEntry{
			id:         int32(binary.LittleEndian.Uint32(buf[pos:])),
			metaPageID: storage.PageID(int32(binary.LittleEndian.Uint32(buf[pos+4:]))),
		})
		pos += metaDirEntrySize
	}
	for i := 0; i < indexCount; i++ {
		m.indexes = append(m.indexes, dirEntry{
			id:         int32(binary.LittleEndian.Uint32(buf[pos:])),
			metaPageID: storage.PageID(int32(binary.LittleEndian.Uint32(buf[pos+4:]))),
		})
		pos += metaDirEntrySize
	}
	return m, nil
}

func (m catalogMeta) encode(buf []byte) error {
	if len(m.tables)+len(m.indexes) > maxCatalogEntries {
		return dberrors.New(dberrors.CatalogCorruption, "catalog directory is full")
	}
	binary.LittleEndian.PutUint32(buf[metaMagicOff:], catalogMagic)
	binary.LittleEndian.PutUint32(buf[metaNextTableIDOff:], uint32(m.nextTableID))
	binary.LittleEndian.PutUint32(buf[metaNextIndexIDOff:], uint32(m.nextIndexID))
	binary.LittleEndian.PutUint32(buf[metaTableCountOff:], uint32(len(m.tables)))
	binary.LittleEndian.PutUint32(buf[metaIndexCountOff:], uint32(len(m.indexes)))
	pos := metaDirectoryOff
	for _, e := range m.tables {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(e.id))
		binary.LittleEndian.PutUint32(buf[pos+4:], uint32(int32(e.metaPageID)))
		pos += metaDirEntrySize
	}
	for _, e := range m.indexes {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(e.id))
		binary.LittleEndian.PutUint32(buf[pos+4:], uint32(int32(e.metaPageID)))
		pos += metaDirEntrySize
	}
	return nil
}

// Per-table meta page: [tableID int32][firstPageID int32][nameLen uint16][name][schema...]
func encodeTableMeta(id int32, firstPageID storage.PageID, name string, schema storage.Schema) []byte {
	schemaBytes := storage.EncodeSchema(schema)
	buf := make([]byte, 10+len(name)+len(schemaBytes))
	binary.LittleEndian.PutUint32(buf[0:], uint32(id))
	binary.LittleEndian.PutUint32(buf[4:], uint32(int32(firstPageID)))
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(name)))
	copy(buf[10:10+len(name)], name)
	copy(buf[10+len(name):], schemaBytes)
	return buf
}

func decodeTableMeta(buf []byte) (id int32, firstPageID storage.PageID, name string, schema storage.Schema, err error) {
	if len(buf) < 10 {
		return 0, 0, "", storage.Schema{}, dberrors.New(dberrors.CatalogCorruption, "table meta page too short")
	}
	id = int32(binary.LittleEndian.Uint32(buf[0:]))
	firstPageID = storage.PageID(int32(binary.LittleEndian.Uint32(buf[4:])))
	nameLen := int(binary.LittleEndian.Uint16(buf[8:]))
	if 10+nameLen > len(buf) {
		return 0, 0, "", storage.Schema{}, dberrors.New(dberrors.CatalogCorruption, "table meta page name truncated")
	}
	name = string(buf[10 : 10+nameLen])
	schema, _, err = storage.DecodeSchema(buf[10+nameLen:])
	return id, firstPageID, name, schema, err
}

// Per-index meta page: [indexID int32][tableID int32][nameLen uint16][name][keySchema...]
func encodeIndexMeta(id, tableID int32, name string, keySchema storage.Schema) []byte {
	schemaBytes := storage.EncodeSchema(keySchema)
	buf := make([]byte, 10+len(name)+len(schemaBytes))
	binary.LittleEndian.PutUint32(buf[0:], uint32(id))
	binary.LittleEndian.PutUint32(buf[4:], uint32(tableID))
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(name)))
	copy(buf[10:10+len(name)], name)
	copy(buf[10+len(name):], schemaBytes)
	return buf
}

func decodeIndexMeta(buf []byte) (id, tableID int32, name string, keySchema storage.Schema, err error) {
	if len(buf) < 10 {
		return 0, 0, "", storage.Schema{}, dberrors.New(dberrors.CatalogCorruption, "index meta page too short")
	}
	id = int32(binary.LittleEndian.Uint32(buf[0:]))
	tableID = int32(binary.LittleEndian.Uint32(buf[4:]))
	nameLen := int(binary.LittleEndian.Uint16(buf[8:]))
	if 10+nameLen > len(buf) {
		return 0, 0, "", storage.Schema{}, dberrors.New(dberrors.CatalogCorruption, "index meta page name truncated")
	}
	name = string(buf[10 : 10+nameLen])
	keySchema, _, err = storage.DecodeSchema(buf[10+nameLen:])
	return id, tableID, name, keySchema, err
}
