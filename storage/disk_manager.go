package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/cyw5807/miniSQL/internal/dbutil"
	"github.com/rs/zerolog/log"
)

// BitmapCapacity is the number of data pages a single bitmap page manages, derived so the bitmap
// page is exactly PageSize bytes.
const BitmapCapacity = (PageSize - extentHeaderSize) * 8

const metaHeaderSize = 8 // u32 allocatedCount, u32 extentCount

// maxExtents bounds how many extents the file-meta page can record; beyond this AllocatePage
// reports PageAllocationExhausted even if MaxValidPageID has not been reached.
const maxExtents = (PageSize - metaHeaderSize) / 4

// DiskManager owns a single database file and maps logical page ids to physical offsets,
// allocating and freeing pages through per-extent bitmap pages.
type DiskManager struct {
	mu     sync.Mutex
	file   *os.File
	closed bool

	allocatedCount int32
	extentCount    int32
	usedPerExtent  [maxExtents]int32
}

// Open opens (creating if necessary) the database file at path and loads its file-meta page.
func Open(path string) (*DiskManager, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dberrors.New(dberrors.FileIOFailure, "create db directory: %v", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dberrors.New(dberrors.FileIOFailure, "open db file: %v", err)
	}
	dm := &DiskManager{file: f}
	buf := make([]byte, PageSize)
	if err := dm.readPhysical(0, buf); err != nil {
		_ = f.Close()
		return nil, err
	}
	dm.allocatedCount = int32(binary.LittleEndian.Uint32(buf[0:]))
	dm.extentCount = int32(binary.LittleEndian.Uint32(buf[4:]))
	for i := 0; i < maxExtents; i++ {
		dm.usedPerExtent[i] = int32(binary.LittleEndian.Uint32(buf[metaHeaderSize+4*i:]))
	}
	return dm, nil
}

func (dm *DiskManager) encodeMeta(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(dm.allocatedCount))
	binary.LittleEndian.PutUint32(buf[4:], uint32(dm.extentCount))
	for i := 0; i < maxExtents; i++ {
		binary.LittleEndian.PutUint32(buf[metaHeaderSize+4*i:], uint32(dm.usedPerExtent[i]))
	}
}

func (dm *DiskManager) writeMeta() error {
	buf := make([]byte, PageSize)
	dm.encodeMeta(buf)
	return dm.writePhysical(0, buf)
}

// physicalBitmapPage returns the physical page number of the bitmap page governing extent i.
func physicalBitmapPage(extent int32) int64 {
	return 1 + int64(extent)*(1+BitmapCapacity)
}

// MapPageId translates a logical page id into a physical page number: skip the file meta, skip
// full extents, then skip the target extent's own bitmap page.
func MapPageId(logical PageID) int64 {
	extent := int64(logical) / BitmapCapacity
	offset := int64(logical) % BitmapCapacity
	return 1 + extent*(1+BitmapCapacity) + offset + 1
}

func (dm *DiskManager) readPhysical(physicalPage int64, buf []byte) error {
	dbutil.Assert(len(buf) == PageSize, "read buffer must be PageSize")
	offset := physicalPage * PageSize
	info, err := dm.file.Stat()
	if err != nil {
		return dberrors.New(dberrors.FileIOFailure, "stat db file: %v", err)
	}
	if offset >= info.Size() {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return dberrors.New(dberrors.FileIOFailure, "read physical page %d: %v", physicalPage, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (dm *DiskManager) writePhysical(physicalPage int64, buf []byte) error {
	dbutil.Assert(len(buf) == PageSize, "write buffer must be PageSize")
	if _, err := dm.file.WriteAt(buf, physicalPage*PageSize); err != nil {
		return dberrors.New(dberrors.FileIOFailure, "write physical page %d: %v", physicalPage, err)
	}
	return nil
}

func (dm *DiskManager) loadExtent(extent int32, buf []byte) (ExtentBitmap, error) {
	if err := dm.readPhysical(physicalBitmapPage(extent), buf); err != nil {
		return ExtentBitmap{}, err
	}
	return AsExtentBitmap(buf, BitmapCapacity), nil
}

// AllocatePage finds the first extent with room, or appends a fresh extent, and returns the
// logical id of a newly-marked-allocated page. Returns InvalidPageID once MaxValidPageID or
// maxExtents is reached.
func (dm *DiskManager) AllocatePage() (PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.allocatedCount >= int32(MaxValidPageID) {
		return InvalidPageID, dberrors.New(dberrors.PageAllocationExhausted, "allocation ceiling reached")
	}

	buf := make([]byte, PageSize)
	for extent := int32(0); extent < dm.extentCount; extent++ {
		if dm.usedPerExtent[extent] >= BitmapCapacity {
			continue
		}
		ext, err := dm.loadExtent(extent, buf)
		if err != nil {
			return InvalidPageID, err
		}
		offset, ok := ext.Allocate()
		dbutil.Assert(ok, "extent %d reported room but bitmap is full", extent)
		if err := dm.writePhysical(physicalBitmapPage(extent), buf); err != nil {
			return InvalidPageID, err
		}
		dm.usedPerExtent[extent]++
		dm.allocatedCount++
		if err := dm.writeMeta(); err != nil {
			return InvalidPageID, err
		}
		id := PageID(int64(extent)*BitmapCapacity + int64(offset))
		log.Debug().Int32("extent", extent).Int("offset", offset).Msg("disk: allocated page")
		return id, nil
	}

	if dm.extentCount >= maxExtents {
		return InvalidPageID, dberrors.New(dberrors.PageAllocationExhausted, "no room for another extent")
	}

	ext := AsExtentBitmap(buf, BitmapCapacity)
	ext.Init()
	offset, ok := ext.Allocate()
	dbutil.Assert(ok, "fresh extent must have room for its first page")
	dbutil.Assert(offset == 0, "fresh extent's first allocation must land at offset 0")

	newExtent := dm.extentCount
	if err := dm.writePhysical(physicalBitmapPage(newExtent), buf); err != nil {
		return InvalidPageID, err
	}
	dm.extentCount++
	dm.usedPerExtent[newExtent] = 1
	dm.allocatedCount++
	if err := dm.writeMeta(); err != nil {
		return InvalidPageID, err
	}
	id := PageID(int64(newExtent) * BitmapCapacity)
	log.Debug().Int32("extent", newExtent).Msg("disk: allocated first page of new extent")
	return id, nil
}

// DeAllocatePage clears the bit for id in its extent's bitmap. It returns a NotFound error,
// changing nothing, if the extent does not exist or the page is already free.
func (dm *DiskManager) DeAllocatePage(id PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	extent := int32(int64(id) / BitmapCapacity)
	offset := int(int64(id) % BitmapCapacity)
	if extent < 0 || extent >= dm.extentCount {
		return dberrors.New(dberrors.NotFound, "page %d belongs to unallocated extent %d", id, extent)
	}

	buf := make([]byte, PageSize)
	ext, err := dm.loadExtent(extent, buf)
	if err != nil {
		return err
	}
	if !ext.Free(offset) {
		return dberrors.New(dberrors.NotFound, "page %d is already free", id)
	}
	if err := dm.writePhysical(physicalBitmapPage(extent), buf); err != nil {
		return err
	}
	dm.usedPerExtent[extent]--
	dm.allocatedCount--
	log.Debug().Int32("extent", extent).Int("offset", offset).Msg("disk: deallocated page")
	return dm.writeMeta()
}

// IsPageFree reports whether id is currently free (not marked allocated). Extents beyond the file's
// extent count are considered entirely free.
func (dm *DiskManager) IsPageFree(id PageID) (bool, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	extent := int32(int64(id) / BitmapCapacity)
	if extent < 0 {
		return false, dberrors.New(dberrors.NotFound, "negative page id %d", id)
	}
	if extent >= dm.extentCount {
		return true, nil
	}
	buf := make([]byte, PageSize)
	ext, err := dm.loadExtent(extent, buf)
	if err != nil {
		return false, err
	}
	offset := int(int64(id) % BitmapCapacity)
	return ext.IsFree(offset), nil
}

// ReadPage reads the physical bytes for logical page id into buf, zero-filling past EOF.
func (dm *DiskManager) ReadPage(id PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.readPhysical(MapPageId(id), buf)
}

// WritePage writes buf to the physical location of logical page id.
func (dm *DiskManager) WritePage(id PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writePhysical(MapPageId(id), buf)
}

// AllocatedCount returns the total number of pages currently marked allocated, matching the
// file-meta page's allocated_count field.
func (dm *DiskManager) AllocatedCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return int(dm.allocatedCount)
}

// ExtentCount returns the number of extents the file currently has.
func (dm *DiskManager) ExtentCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return int(dm.extentCount)
}

// Close flushes the meta page and closes the file handle. Safe to call more than once.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return nil
	}
	if err := dm.writeMeta(); err != nil {
		return err
	}
	dm.closed = true
	if err := dm.file.Close(); err != nil {
		return dberrors.New(dberrors.FileIOFailure, "close db file: %v", err)
	}
	return nil
}
