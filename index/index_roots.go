package index

import (
	"encoding/binary"

	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/cyw5807/miniSQL/storage"
)

// indexRootsHeaderSize holds the entry count.
const indexRootsHeaderSize = 4
const indexRootsEntrySize = 8 // indexID int32 + rootPageID int32

// maxIndexRoots bounds how many indexes a single roots page can track.
const maxIndexRoots = (storage.PageSize - indexRootsHeaderSize) / indexRootsEntrySize

// Roots is the logical-page-1 directory mapping index id to its current root page id. A
// B+-tree's root moves whenever the root splits or collapses, so every tree consults this
// directory rather than caching a root id that could go stale.
type Roots struct {
	pool *storage.BufferPool
}

// OpenRoots wraps the buffer pool for index-roots access. Bootstrap must have already formatted
// logical page storage.IndexRootsPageID as an empty roots page.
func OpenRoots(pool *storage.BufferPool) *Roots {
	return &Roots{pool: pool}
}

// InitRootsPage formats a freshly-allocated page as an empty roots directory.
func InitRootsPage(bytes []byte) {
	binary.LittleEndian.PutUint32(bytes[0:], 0)
}

func (r *Roots) withPage(fn func(bytes []byte) (dirty bool, err error)) error {
	frame, err := r.pool.FetchPage(storage.IndexRootsPageID)
	if err != nil {
		return err
	}
	dirty, err := fn(frame.Bytes[:])
	if unpinErr := r.pool.UnpinPage(storage.IndexRootsPageID, dirty); unpinErr != nil && err == nil {
		err = unpinErr
	}
	return err
}

func entryOffset(i int) int { return indexRootsHeaderSize + i*indexRootsEntrySize }

// Get returns the current root page id for indexID.
func (r *Roots) Get(indexID int32) (storage.PageID, error) {
	var found storage.PageID = storage.InvalidPageID
	err := r.withPage(func(bytes []byte) (bool, error) {
		count := int(binary.LittleEndian.Uint32(bytes[0:]))
		for i := 0; i < count; i++ {
			off := entryOffset(i)
			id := int32(binary.LittleEndian.Uint32(bytes[off:]))
			if id == indexID {
				found = storage.PageID(int32(binary.LittleEndian.Uint32(bytes[off+4:])))
				return false, nil
			}
		}
		return false, dberrors.New(dberrors.NotFound, "no root registered for index %d", indexID)
	})
	return found, err
}

// Set records rootPageID as indexID's root, inserting a new directory entry the first time
// indexID is seen.
func (r *Roots) Set(indexID int32, rootPageID storage.PageID) error {
	return r.withPage(func(bytes []byte) (bool, error) {
		count := int(binary.LittleEndian.Uint32(bytes[0:]))
		for i := 0; i < count; i++ {
			off := entryOffset(i)
			if int32(binary.LittleEndian.Uint32(bytes[off:])) == indexID {
				binary.LittleEndian.PutUint32(bytes[off+4:], uint32(int32(rootPageID)))
				return true, nil
			}
		}
		if count >= maxIndexRoots {
			return false, dberrors.New(dberrors.CatalogCorruption, "index roots page is full")
		}
		off := entryOffset(count)
		binary.LittleEndian.PutUint32(bytes[off:], uint32(indexID))
		binary.LittleEndian.PutUint32(bytes[off+4:], uint32(int32(rootPageID)))
		binary.LittleEndian.PutUint32(bytes[0:], uint32(count+1))
		return true, nil
	})
}

// Remove deletes indexID's directory entry, used when an index is dropped.
func (r *Roots) Remove(indexID int32) error {
	return r.withPage(func(bytes []byte) (bool, error) {
		count := int(binary.LittleEndian.Uint32(bytes[0:]))
		for i := 0; i < count; i++ {
			off := entryOffset(i)
			if int32(binary.LittleEndian.Uint32(bytes[off:])) == indexID {
				last := entryOffset(count - 1)
				copy(bytes[off:off+indexRootsEntrySize], bytes[last:last+indexRootsEntrySize])
				binary.LittleEndian.PutUint32(bytes[0:], uint32(count-1))
				return true, nil
			}
		}
		return false, dberrors.New(dberrors.NotFound, "no root registered for index %d", indexID)
	})
}
