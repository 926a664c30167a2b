package index

import (
	"encoding/binary"

	"github.com/cyw5807/miniSQL/storage"
)

// Every B+-tree page (leaf or internal) shares this 32-byte header: type, current size, capacity,
// parent link, self id, key width, a trailing slot whose meaning depends on page type (the
// next-leaf pointer on a leaf, reserved on an internal node), and a log sequence number stamped by
// the log manager on the most recent write to the page.
const btreeHeaderSize = 32

const (
	pageTypeInternal uint8 = 0
	pageTypeLeaf     uint8 = 1
)

// BTreePage is a raw view over one page's bytes, shared by leaf and internal pages.
type BTreePage struct {
	Bytes []byte
}

func AsBTreePage(bytes []byte) BTreePage { return BTreePage{Bytes: bytes} }

func (p BTreePage) IsLeaf() bool { return p.Bytes[0] == pageTypeLeaf }

func (p BTreePage) Size() int    { return int(int32(binary.LittleEndian.Uint32(p.Bytes[4:]))) }
func (p BTreePage) setSize(n int) { binary.LittleEndian.PutUint32(p.Bytes[4:], uint32(int32(n))) }

func (p BTreePage) MaxSize() int { return int(int32(binary.LittleEndian.Uint32(p.Bytes[8:]))) }
func (p BTreePage) setMaxSize(n int) {
	binary.LittleEndian.PutUint32(p.Bytes[8:], uint32(int32(n)))
}

func (p BTreePage) ParentPageID() storage.PageID {
	return storage.PageID(int32(binary.LittleEndian.Uint32(p.Bytes[12:])))
}
func (p BTreePage) SetParentPageID(id storage.PageID) {
	binary.LittleEndian.PutUint32(p.Bytes[12:], uint32(int32(id)))
}

func (p BTreePage) PageID() storage.PageID {
	return storage.PageID(int32(binary.LittleEndian.Uint32(p.Bytes[16:])))
}
func (p BTreePage) setPageID(id storage.PageID) {
	binary.LittleEndian.PutUint32(p.Bytes[16:], uint32(int32(id)))
}

func (p BTreePage) KeySize() int { return int(int32(binary.LittleEndian.Uint32(p.Bytes[20:]))) }
func (p BTreePage) setKeySize(n int) {
	binary.LittleEndian.PutUint32(p.Bytes[20:], uint32(int32(n)))
}

// NextPageID is only meaningful on a leaf page: it chains leaves left to right for range scans.
func (p BTreePage) NextPageID() storage.PageID {
	return storage.PageID(int32(binary.LittleEndian.Uint32(p.Bytes[24:])))
}
func (p BTreePage) SetNextPageID(id storage.PageID) {
	binary.LittleEndian.PutUint32(p.Bytes[24:], uint32(int32(id)))
}

func (p BTreePage) IsRoot() bool { return p.ParentPageID() == storage.InvalidPageID }

// LogSeqNumber returns the LSN most recently stamped on this page by a log-manager call.
func (p BTreePage) LogSeqNumber() int32 {
	return int32(binary.LittleEndian.Uint32(p.Bytes[28:]))
}

func (p BTreePage) SetLogSeqNumber(lsn int32) {
	binary.LittleEndian.PutUint32(p.Bytes[28:], uint32(lsn))
}

// entrySize returns the fixed stride of one slot: key bytes, plus a RowID (leaf) or a child page
// id (internal).
func (p BTreePage) entrySize() int {
	if p.IsLeaf() {
		return p.KeySize() + 8 // RowID = PageID(int32) + Slot(uint32)
	}
	return p.KeySize() + 4 // child PageID
}

func (p BTreePage) entryOffset(i int) int {
	return btreeHeaderSize + i*p.entrySize()
}

// capacityMaxSize returns the largest number of entries of entrySize bytes each that fit in a
// page's body, the default max size when a caller has not overridden it.
func capacityMaxSize(bytesLen, keySize, entryOverhead int) int {
	return (bytesLen - btreeHeaderSize) / (keySize + entryOverhead)
}

// InitLeaf formats a fresh page as an empty leaf. maxSize overrides the page-capacity-derived
// default when positive, letting a caller force a small fanout (e.g. to exercise split/merge
// behavior in a test without inserting thousands of keys); 0 keeps the default.
func (p BTreePage) InitLeaf(pageID, parentID storage.PageID, keySize, maxSize int) {
	p.Bytes[0] = pageTypeLeaf
	p.setSize(0)
	p.setKeySize(keySize)
	if maxSize <= 0 {
		maxSize = capacityMaxSize(len(p.Bytes), keySize, 8)
	}
	p.setMaxSize(maxSize)
	p.setPageID(pageID)
	p.SetParentPageID(parentID)
	p.SetNextPageID(storage.InvalidPageID)
	p.SetLogSeqNumber(0)
}

// InitInternal formats a fresh page as an empty internal node. maxSize overrides the
// page-capacity-derived default when positive; 0 keeps the default.
func (p BTreePage) InitInternal(pageID, parentID storage.PageID, keySize, maxSize int) {
	p.Bytes[0] = pageTypeInternal
	p.setSize(0)
	p.setKeySize(keySize)
	if maxSize <= 0 {
		maxSize = capacityMaxSize(len(p.Bytes), keySize, 4)
	}
	p.setMaxSize(maxSize)
	p.setPageID(pageID)
	p.SetParentPageID(parentID)
	p.SetLogSeqNumber(0)
}

func (p BTreePage) keyAt(i int) []byte {
	off := p.entryOffset(i)
	return p.Bytes[off : off+p.KeySize()]
}

func (p BTreePage) setKeyAt(i int, key []byte) {
	off := p.entryOffset(i)
	copy(p.Bytes[off:off+p.KeySize()], key)
}

// SetKeyAt overwrites only the key portion of slot i, used when redistributing entries between
// siblings shifts a separator without moving the child/RowID it's paired with.
func (p BTreePage) SetKeyAt(i int, key []byte) { p.setKeyAt(i, key) }

// --- Leaf entry accessors ---

func (p BTreePage) LeafKeyAt(i int) []byte { return p.keyAt(i) }

func (p BTreePage) LeafRowIDAt(i int) storage.RowID {
	off := p.entryOffset(i) + p.KeySize()
	pageID := storage.PageID(int32(binary.LittleEndian.Uint32(p.Bytes[off:])))
	slot := binary.LittleEndian.Uint32(p.Bytes[off+4:])
	return storage.RowID{PageID: pageID, Slot: slot}
}

func (p BTreePage) setLeafEntry(i int, key []byte, rid storage.RowID) {
	p.setKeyAt(i, key)
	off := p.entryOffset(i) + p.KeySize()
	binary.LittleEndian.PutUint32(p.Bytes[off:], uint32(int32(rid.PageID)))
	binary.LittleEndian.PutUint32(p.Bytes[off+4:], rid.Slot)
}

// LeafInsertAt shifts entries [i:size) right by one slot and writes key/rid at i.
func (p BTreePage) LeafInsertAt(i int, key []byte, rid storage.RowID) {
	size := p.Size()
	for j := size; j > i; j-- {
		p.setLeafEntry(j, p.keyAt(j-1), p.LeafRowIDAt(j-1))
	}
	p.setLeafEntry(i, key, rid)
	p.setSize(size + 1)
}

// LeafRemoveAt shifts entries [i+1:size) left by one slot, dropping the entry at i.
func (p BTreePage) LeafRemoveAt(i int) {
	size := p.Size()
	for j := i; j < size-1; j++ {
		p.setLeafEntry(j, p.keyAt(j+1), p.LeafRowIDAt(j+1))
	}
	p.setSize(size - 1)
}

// --- Internal entry accessors ---
//
// Slot 0's key is a sentinel (never compared against); ChildAt(0) is the leftmost child. Slot i
// (i>=1) pairs separator key i with the child subtree containing keys >= key i.

func (p BTreePage) InternalKeyAt(i int) []byte { return p.keyAt(i) }

func (p BTreePage) ChildAt(i int) storage.PageID {
	off := p.entryOffset(i) + p.KeySize()
	return storage.PageID(int32(binary.LittleEndian.Uint32(p.Bytes[off:])))
}

func (p BTreePage) setInternalEntry(i int, key []byte, child storage.PageID) {
	p.setKeyAt(i, key)
	off := p.entryOffset(i) + p.KeySize()
	binary.LittleEndian.PutUint32(p.Bytes[off:], uint32(int32(child)))
}

// SetChildAt overwrites only the child pointer at i, leaving its key untouched.
func (p BTreePage) SetChildAt(i int, child storage.PageID) {
	off := p.entryOffset(i) + p.KeySize()
	binary.LittleEndian.PutUint32(p.Bytes[off:], uint32(int32(child)))
}

// InternalSetFirst sets the sentinel-keyed leftmost child. It is used when a fresh internal root
// is created above two split children, when an internal split fills either half, and when a
// redistribution from a left sibling moves a child into slot 0.
func (p BTreePage) InternalSetFirst(child storage.PageID) {
	p.setInternalEntry(0, make([]byte, p.KeySize()), child)
	if p.Size() == 0 {
		p.setSize(1)
	}
}

// InternalInsertAt shifts entries [i:size) right by one slot and writes key/child at i. Never
// used for slot 0 (the sentinel), which is set via InternalSetFirst.
func (p BTreePage) InternalInsertAt(i int, key []byte, child storage.PageID) {
	size := p.Size()
	for j := size; j > i; j-- {
		p.setInternalEntry(j, p.keyAt(j-1), p.ChildAt(j-1))
	}
	p.setInternalEntry(i, key, child)
	p.setSize(size + 1)
}

// InternalRemoveAt shifts entries [i+1:size) left by one slot, dropping the entry at i.
func (p BTreePage) InternalRemoveAt(i int) {
	size := p.Size()
	for j := i; j < size-1; j++ {
		p.setInternalEntry(j, p.keyAt(j+1), p.ChildAt(j+1))
	}
	p.setSize(size - 1)
}

// IsFull reports whether the page has reached its maximum occupancy.
func (p BTreePage) IsFull() bool { return p.Size() >= p.MaxSize() }

// ceilDiv returns ceil(a/b) for positive a, b.
func ceilDiv(a, b int) int { return (a + b - 1) / b }

// minSize returns the minimum occupancy below which the page must coalesce or redistribute.
// A leaf's minimum is ceil((max-1)/2): one entry may leave via delete before the leaf is
// deficient. An internal node's minimum is ceil(max/2), since child(0) carries no separator key
// of its own and every node still needs at least half its child slots filled.
func (p BTreePage) minSize() int {
	if p.IsLeaf() {
		return ceilDiv(p.MaxSize()-1, 2)
	}
	return ceilDiv(p.MaxSize(), 2)
}

// IsUnderflow reports whether the page has fewer entries than its minimum occupancy.
func (p BTreePage) IsUnderflow() bool {
	return p.Size() < p.minSize()
}
