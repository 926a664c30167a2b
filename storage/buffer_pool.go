package storage

import (
	"container/list"
	"sync"

	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// LRUReplacer tracks frames that currently hold zero pins and are therefore eligible for
// eviction, ordered least-recently-unpinned first. Its contract mirrors the disk-backed buffer
// pool's expectations: Size never exceeds the pool's frame count.
type LRUReplacer struct {
	mu       sync.Mutex
	order    *list.List // front = least recently used, back = most recently used
	position map[int]*list.Element
}

// NewLRUReplacer builds an LRUReplacer with room for capacity frame indices.
func NewLRUReplacer(capacity int) *LRUReplacer {
	return &LRUReplacer{
		order:    list.New(),
		position: make(map[int]*list.Element, capacity),
	}
}

// Unpin makes frameIdx a victim candidate, inserting it as most-recently-used. A frame already
// tracked is left where it is (unpinning twice is a caller bug, not a replacer concern).
func (r *LRUReplacer) Unpin(frameIdx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.position[frameIdx]; ok {
		return
	}
	r.position[frameIdx] = r.order.PushBack(frameIdx)
}

// Pin removes frameIdx from victim consideration, if present. Called whenever a frame's pin
// count becomes non-zero.
func (r *LRUReplacer) Pin(frameIdx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.position[frameIdx]; ok {
		r.order.Remove(el)
		delete(r.position, frameIdx)
	}
}

// Victim evicts and returns the least-recently-used frame index, or false if the replacer holds
// nothing.
func (r *LRUReplacer) Victim() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	front := r.order.Front()
	if front == nil {
		return 0, false
	}
	r.order.Remove(front)
	frameIdx := front.Value.(int)
	delete(r.position, frameIdx)
	return frameIdx, true
}

// Size returns the number of frames currently eligible for eviction.
func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// BufferPool caches PageSize frames backed by a DiskManager, serving reads and writes without
// touching disk on every access. Frame selection prefers the free list; only once it is
// exhausted does it consult the LRU replacer.
type BufferPool struct {
	mu sync.Mutex

	disk      *DiskManager
	frames    []*Frame
	pageTable *xsync.MapOf[PageID, int] // logical page id -> frame index
	freeList  []int
	replacer  *LRUReplacer
}

// NewBufferPool allocates poolSize frames on top of disk.
func NewBufferPool(disk *DiskManager, poolSize int) *BufferPool {
	frames := make([]*Frame, poolSize)
	freeList := make([]int, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = &Frame{pageID: InvalidPageID}
		freeList[i] = poolSize - 1 - i // pop from the tail, hand out frame 0 first
	}
	return &BufferPool{
		disk:      disk,
		frames:    frames,
		pageTable: xsync.NewMapOf[PageID, int](),
		freeList:  freeList,
		replacer:  NewLRUReplacer(poolSize),
	}
}

// pickVictimFrame returns a frame index to reuse, preferring the free list over eviction. If it
// must evict a dirty frame, that frame's contents are flushed to disk first.
func (bp *BufferPool) pickVictimFrame() (int, error) {
	if n := len(bp.freeList); n > 0 {
		idx := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return idx, nil
	}
	idx, ok := bp.replacer.Victim()
	if !ok {
		return 0, dberrors.New(dberrors.NoEvictableFrame, "buffer pool exhausted: every frame is pinned")
	}
	frame := bp.frames[idx]
	frame.mu.Lock()
	if frame.dirty {
		if err := bp.disk.WritePage(frame.pageID, frame.Bytes[:]); err != nil {
			frame.mu.Unlock()
			return 0, err
		}
	}
	bp.pageTable.Delete(frame.pageID)
	frame.mu.Unlock()
	return idx, nil
}

// FetchPage pins and returns the frame holding id, reading it from disk if not already resident.
func (bp *BufferPool) FetchPage(id PageID) (*Frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if idx, ok := bp.pageTable.Load(id); ok {
		frame := bp.frames[idx]
		frame.mu.Lock()
		if frame.pinCount == 0 {
			bp.replacer.Pin(idx)
		}
		frame.pinCount++
		frame.mu.Unlock()
		return frame, nil
	}

	idx, err := bp.pickVictimFrame()
	if err != nil {
		return nil, err
	}
	frame := bp.frames[idx]
	frame.mu.Lock()
	frame.reset(id)
	if err := bp.disk.ReadPage(id, frame.Bytes[:]); err != nil {
		frame.mu.Unlock()
		bp.freeList = append(bp.freeList, idx)
		return nil, err
	}
	frame.pinCount = 1
	frame.mu.Unlock()
	bp.pageTable.Store(id, idx)
	return frame, nil
}

// NewPage secures a target frame first, then asks disk for a fresh logical page id; on
// allocation failure the frame goes straight back to the free list, so disk is never touched
// until a frame to hold the new page is already in hand.
func (bp *BufferPool) NewPage() (*Frame, PageID, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	idx, err := bp.pickVictimFrame()
	if err != nil {
		return nil, InvalidPageID, err
	}

	id, err := bp.disk.AllocatePage()
	if err != nil {
		bp.freeList = append(bp.freeList, idx)
		return nil, InvalidPageID, err
	}

	frame := bp.frames[idx]
	frame.mu.Lock()
	frame.reset(id)
	frame.pinCount = 1
	frame.mu.Unlock()
	bp.pageTable.Store(id, idx)
	log.Debug().Int32("page", int32(id)).Msg("buffer pool: new page")
	return frame, id, nil
}

// UnpinPage decrements id's pin count, marking the frame dirty if isDirty is set. Once the pin
// count reaches zero the frame becomes eligible for eviction.
func (bp *BufferPool) UnpinPage(id PageID, isDirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	idx, ok := bp.pageTable.Load(id)
	if !ok {
		return dberrors.New(dberrors.PageNotResident, "page %d is not in the buffer pool", id)
	}
	frame := bp.frames[idx]
	frame.mu.Lock()
	if isDirty {
		frame.dirty = true
	}
	if frame.pinCount == 0 {
		frame.mu.Unlock()
		return dberrors.New(dberrors.PagePinned, "page %d is already unpinned", id)
	}
	frame.pinCount--
	becameFree := frame.pinCount == 0
	frame.mu.Unlock()
	if becameFree {
		bp.replacer.Unpin(idx)
	}
	return nil
}

// FlushPage writes a resident page to disk regardless of its dirty bit and clears the dirty bit.
func (bp *BufferPool) FlushPage(id PageID) error {
	bp.mu.Lock()
	idx, ok := bp.pageTable.Load(id)
	bp.mu.Unlock()
	if !ok {
		return dberrors.New(dberrors.PageNotResident, "page %d is not in the buffer pool", id)
	}
	frame := bp.frames[idx]
	frame.mu.Lock()
	defer frame.mu.Unlock()
	if err := bp.disk.WritePage(id, frame.Bytes[:]); err != nil {
		return err
	}
	frame.dirty = false
	return nil
}

// FlushAll writes every resident dirty frame to disk.
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	ids := make([]PageID, 0, bp.pageTable.Size())
	bp.pageTable.Range(func(id PageID, _ int) bool {
		ids = append(ids, id)
		return true
	})
	bp.mu.Unlock()
	for _, id := range ids {
		if err := bp.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage removes id from the pool and frees it on disk. Fails with PagePinned if any pin is
// outstanding.
func (bp *BufferPool) DeletePage(id PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	idx, ok := bp.pageTable.Load(id)
	if !ok {
		return bp.disk.DeAllocatePage(id)
	}
	frame := bp.frames[idx]
	frame.mu.Lock()
	if frame.pinCount > 0 {
		frame.mu.Unlock()
		return dberrors.New(dberrors.PagePinned, "page %d has %d outstanding pins", id, frame.pinCount)
	}
	frame.mu.Unlock()

	bp.replacer.Pin(idx) // remove from victim consideration before reuse
	bp.pageTable.Delete(id)
	bp.freeList = append(bp.freeList, idx)
	return bp.disk.DeAllocatePage(id)
}

// CheckAllUnpinned reports whether every resident frame currently has a zero pin count, the
// invariant a clean shutdown should leave the pool in.
func (bp *BufferPool) CheckAllUnpinned() bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, frame := range bp.frames {
		frame.mu.Lock()
		pinned := frame.pageID != InvalidPageID && frame.pinCount > 0
		frame.mu.Unlock()
		if pinned {
			return false
		}
	}
	return true
}

// PoolSize returns the number of frames the pool manages.
func (bp *BufferPool) PoolSize() int {
	return len(bp.frames)
}
