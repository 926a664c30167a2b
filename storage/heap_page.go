package storage

import (
	"encoding/binary"

	"github.com/cyw5807/miniSQL/internal/dberrors"
)

// A heap page is laid out as:
//
//	[0:4]    page_id        (int32, this page's own id)
//	[4:8]    prev_page_id   (int32, InvalidPageID if this is the head page)
//	[8:12]   next_page_id   (int32, InvalidPageID if this is the tail page)
//	[12:14]  num_slots      (uint16)
//	[14:16]  free_space_ptr (uint16, offset where the next tuple body would start)
//	[16:20]  log_seq_number (int32, LSN of the most recent record logged against this page)
//	[20: ]   slot directory, growing forward, 4 bytes per slot: {offset uint16, length uint16}
//	[..PageSize] tuple bodies, growing backward from the end of the page
//
// The slot directory never shrinks: a slot's index is its RowID.Slot for the page's lifetime.
// A slot's length field's high bit is the tombstone flag, set by MarkDelete and cleared by
// RollbackDelete.
const (
	heapHeaderSize = 20
	heapSlotSize   = 4
	tombstoneBit   = uint16(1) << 15
	slotLengthMask = tombstoneBit - 1
)

// HeapPage is a thin, stateless view over a frame's bytes -- callers hold the pin.
type HeapPage struct {
	Bytes []byte
}

func AsHeapPage(bytes []byte) HeapPage {
	return HeapPage{Bytes: bytes}
}

func (p HeapPage) PageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(p.Bytes[0:])))
}

func (p HeapPage) setPageID(id PageID) {
	binary.LittleEndian.PutUint32(p.Bytes[0:], uint32(int32(id)))
}

func (p HeapPage) PrevPageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(p.Bytes[4:])))
}

func (p HeapPage) SetPrevPageID(id PageID) {
	binary.LittleEndian.PutUint32(p.Bytes[4:], uint32(int32(id)))
}

func (p HeapPage) NextPageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(p.Bytes[8:])))
}

func (p HeapPage) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(p.Bytes[8:], uint32(int32(id)))
}

func (p HeapPage) NumSlots() int {
	return int(binary.LittleEndian.Uint16(p.Bytes[12:]))
}

func (p HeapPage) setNumSlots(n int) {
	binary.LittleEndian.PutUint16(p.Bytes[12:], uint16(n))
}

func (p HeapPage) freeSpacePtr() int {
	return int(binary.LittleEndian.Uint16(p.Bytes[14:]))
}

func (p HeapPage) setFreeSpacePtr(v int) {
	binary.LittleEndian.PutUint16(p.Bytes[14:], uint16(v))
}

// LogSeqNumber returns the LSN most recently stamped on this page by a log-manager call.
func (p HeapPage) LogSeqNumber() int32 {
	return int32(binary.LittleEndian.Uint32(p.Bytes[16:]))
}

func (p HeapPage) SetLogSeqNumber(lsn int32) {
	binary.LittleEndian.PutUint32(p.Bytes[16:], uint32(lsn))
}

// Init formats a freshly-allocated page as an empty heap page with the given self and previous
// page ids.
func (p HeapPage) Init(pageID, prevPageID PageID) {
	p.setPageID(pageID)
	p.SetPrevPageID(prevPageID)
	p.SetNextPageID(InvalidPageID)
	p.setNumSlots(0)
	p.setFreeSpacePtr(len(p.Bytes))
	p.SetLogSeqNumber(0)
}

func (p HeapPage) slotOffset(idx int) int {
	return heapHeaderSize + idx*heapSlotSize
}

func (p HeapPage) rawSlot(idx int) (offset, length uint16) {
	base := p.slotOffset(idx)
	offset = binary.LittleEndian.Uint16(p.Bytes[base:])
	length = binary.LittleEndian.Uint16(p.Bytes[base+2:])
	return
}

func (p HeapPage) setRawSlot(idx int, offset, length uint16) {
	base := p.slotOffset(idx)
	binary.LittleEndian.PutUint16(p.Bytes[base:], offset)
	binary.LittleEndian.PutUint16(p.Bytes[base+2:], length)
}

// FreeSpace returns the number of unused bytes between the slot directory and the tuple area.
func (p HeapPage) FreeSpace() int {
	return p.freeSpacePtr() - (heapHeaderSize + p.NumSlots()*heapSlotSize)
}

// MaxTuplePayload is the largest tuple body a single empty heap page can ever hold, once its own
// slot directory entry is accounted for. A tuple larger than this can never fit on any page
// regardless of how many pages the heap allocates.
const MaxTuplePayload = PageSize - heapHeaderSize - heapSlotSize

// Insert appends tuple to the page, allocating a new slot. Returns the slot index, or false if
// the page has no room for it (including the new slot directory entry).
func (p HeapPage) Insert(tuple []byte) (slot int, ok bool) {
	needed := len(tuple) + heapSlotSize
	if p.FreeSpace() < needed {
		return 0, false
	}
	newFree := p.freeSpacePtr() - len(tuple)
	copy(p.Bytes[newFree:newFree+len(tuple)], tuple)

	idx := p.NumSlots()
	p.setRawSlot(idx, uint16(newFree), uint16(len(tuple)))
	p.setNumSlots(idx + 1)
	p.setFreeSpacePtr(newFree)
	return idx, true
}

// Get returns the tuple bytes at slot, and whether the slot is live (not tombstoned).
func (p HeapPage) Get(slot int) (tuple []byte, live bool, err error) {
	if slot < 0 || slot >= p.NumSlots() {
		return nil, false, dberrors.New(dberrors.NotFound, "slot %d out of range", slot)
	}
	offset, length := p.rawSlot(slot)
	if length&tombstoneBit != 0 {
		return nil, false, nil
	}
	return p.Bytes[offset : offset+length], true, nil
}

// UpdateInPlace overwrites the tuple at slot with newTuple, which must be exactly the size of
// the slot currently occupies. Larger or smaller tuples require delete-then-reinsert at the
// table heap layer.
func (p HeapPage) UpdateInPlace(slot int, newTuple []byte) error {
	if slot < 0 || slot >= p.NumSlots() {
		return dberrors.New(dberrors.NotFound, "slot %d out of range", slot)
	}
	offset, length := p.rawSlot(slot)
	if length&tombstoneBit != 0 {
		return dberrors.New(dberrors.NotFound, "slot %d is deleted", slot)
	}
	if int(length&slotLengthMask) != len(newTuple) {
		return dberrors.New(dberrors.RowTooLarge, "in-place update requires matching length (%d != %d)", length&slotLengthMask, len(newTuple))
	}
	copy(p.Bytes[offset:offset+length], newTuple)
	return nil
}

// MarkDelete sets slot's tombstone bit without reclaiming its storage.
func (p HeapPage) MarkDelete(slot int) error {
	if slot < 0 || slot >= p.NumSlots() {
		return dberrors.New(dberrors.NotFound, "slot %d out of range", slot)
	}
	offset, length := p.rawSlot(slot)
	if length&tombstoneBit != 0 {
		return dberrors.New(dberrors.NotFound, "slot %d already deleted", slot)
	}
	p.setRawSlot(slot, offset, length|tombstoneBit)
	return nil
}

// RollbackDelete clears slot's tombstone bit, restoring it to visibility.
func (p HeapPage) RollbackDelete(slot int) error {
	if slot < 0 || slot >= p.NumSlots() {
		return dberrors.New(dberrors.NotFound, "slot %d out of range", slot)
	}
	offset, length := p.rawSlot(slot)
	if length&tombstoneBit == 0 {
		return dberrors.New(dberrors.NotFound, "slot %d is not marked deleted", slot)
	}
	if offset == 0 {
		return dberrors.New(dberrors.NotFound, "slot %d delete already applied", slot)
	}
	p.setRawSlot(slot, offset, length&slotLengthMask)
	return nil
}

// ApplyDelete finalizes a mark-deleted slot, permanently zeroing its length so future space
// reuse never has to consult the tombstone bit again. The slot directory entry remains so that
// RowIDs referencing it keep failing lookups cleanly instead of aliasing a later insert.
func (p HeapPage) ApplyDelete(slot int) error {
	if slot < 0 || slot >= p.NumSlots() {
		return dberrors.New(dberrors.NotFound, "slot %d out of range", slot)
	}
	_, length := p.rawSlot(slot)
	if length&tombstoneBit == 0 {
		return dberrors.New(dberrors.NotFound, "slot %d is not marked deleted", slot)
	}
	p.setRawSlot(slot, 0, tombstoneBit)
	return nil
}

// IsDeleted reports whether slot carries the tombstone bit (either marked or applied).
func (p HeapPage) IsDeleted(slot int) bool {
	_, length := p.rawSlot(slot)
	return length&tombstoneBit != 0
}
