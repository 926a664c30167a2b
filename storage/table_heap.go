package storage

import (
	"sync"

	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/cyw5807/miniSQL/txn"
)

// TableHeap is an unordered collection of variable-width tuples spread across a linked chain of
// slotted pages. Inserts walk from a cached tail page rather than always starting at the head,
// so repeated inserts into a large table stay O(1) amortized instead of O(pages). A TableHeap owns
// one log manager, shared across every call the way the original engine's table heap holds a
// single log_manager_ for its lifetime rather than taking one per operation.
type TableHeap struct {
	mu          sync.Mutex
	pool        *BufferPool
	log         *txn.LogManager
	firstPageID PageID
	lastPageID  PageID
}

// NewTableHeap allocates the first page of a brand-new heap.
func NewTableHeap(pool *BufferPool, log *txn.LogManager) (*TableHeap, error) {
	frame, id, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	AsHeapPage(frame.Bytes[:]).Init(id, InvalidPageID)
	if err := pool.UnpinPage(id, true); err != nil {
		return nil, err
	}
	return &TableHeap{pool: pool, log: log, firstPageID: id, lastPageID: id}, nil
}

// OpenTableHeap resumes an existing heap given its first page id, as recorded in the catalog.
// The tail-page cache starts at the head and corrects itself on the first insert.
func OpenTableHeap(pool *BufferPool, firstPageID PageID, log *txn.LogManager) *TableHeap {
	return &TableHeap{pool: pool, log: log, firstPageID: firstPageID, lastPageID: firstPageID}
}

// FirstPageID returns the head of the page chain, the value the catalog persists.
func (h *TableHeap) FirstPageID() PageID {
	return h.firstPageID
}

// Insert appends tuple to the heap, walking forward from the cached tail page and allocating a
// new page only once the chain is genuinely exhausted. tctx identifies the inserting transaction,
// if any; it is threaded through to the log manager and is otherwise unused.
func (h *TableHeap) Insert(tuple []byte, tctx *txn.Context) (RowID, error) {
	if len(tuple) > MaxTuplePayload {
		return InvalidRowID, dberrors.New(dberrors.RowTooLarge, "tuple of %d bytes exceeds the maximum single-page payload of %d bytes", len(tuple), MaxTuplePayload)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.lastPageID
	for {
		frame, err := h.pool.FetchPage(cur)
		if err != nil {
			return InvalidRowID, err
		}
		page := AsHeapPage(frame.Bytes[:])
		if slot, ok := page.Insert(tuple); ok {
			lsn, err := h.log.AppendRecord(tctx, int32(cur), tuple)
			if err != nil {
				_ = h.pool.UnpinPage(cur, true)
				return InvalidRowID, err
			}
			page.SetLogSeqNumber(int32(lsn))
			if err := h.pool.UnpinPage(cur, true); err != nil {
				return InvalidRowID, err
			}
			h.lastPageID = cur
			return RowID{PageID: cur, Slot: uint32(slot)}, nil
		}
		next := page.NextPageID()
		if err := h.pool.UnpinPage(cur, false); err != nil {
			return InvalidRowID, err
		}
		if next == InvalidPageID {
			newFrame, newID, err := h.pool.NewPage()
			if err != nil {
				return InvalidRowID, err
			}
			AsHeapPage(newFrame.Bytes[:]).Init(newID, cur)
			if err := h.pool.UnpinPage(newID, true); err != nil {
				return InvalidRowID, err
			}
			oldFrame, err := h.pool.FetchPage(cur)
			if err != nil {
				return InvalidRowID, err
			}
			AsHeapPage(oldFrame.Bytes[:]).SetNextPageID(newID)
			if err := h.pool.UnpinPage(cur, true); err != nil {
				return InvalidRowID, err
			}
			cur = newID
			continue
		}
		cur = next
	}
}

// Get returns a copy of the tuple bytes at rid.
func (h *TableHeap) Get(rid RowID) ([]byte, error) {
	frame, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return nil, err
	}
	page := AsHeapPage(frame.Bytes[:])
	tuple, live, err := page.Get(int(rid.Slot))
	if err != nil {
		_ = h.pool.UnpinPage(rid.PageID, false)
		return nil, err
	}
	if !live {
		_ = h.pool.UnpinPage(rid.PageID, false)
		return nil, dberrors.New(dberrors.NotFound, "row %v is deleted", rid)
	}
	cp := append([]byte(nil), tuple...)
	if err := h.pool.UnpinPage(rid.PageID, false); err != nil {
		return nil, err
	}
	return cp, nil
}

// Update overwrites rid's tuple. If newTuple is the same encoded size as the existing row it is
// rewritten in place; otherwise the new image is inserted first and the old row is only deleted
// once that insert succeeds, so a failure partway never loses the row. The returned RowID differs
// from rid in the latter case. tctx is threaded through to whichever of Insert/Delete ends up
// doing the work.
func (h *TableHeap) Update(rid RowID, newTuple []byte, tctx *txn.Context) (RowID, error) {
	frame, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return InvalidRowID, err
	}
	page := AsHeapPage(frame.Bytes[:])
	err = page.UpdateInPlace(int(rid.Slot), newTuple)
	if err == nil {
		lsn, lerr := h.log.AppendRecord(tctx, int32(rid.PageID), newTuple)
		if lerr != nil {
			_ = h.pool.UnpinPage(rid.PageID, true)
			return InvalidRowID, lerr
		}
		page.SetLogSeqNumber(int32(lsn))
		if err := h.pool.UnpinPage(rid.PageID, true); err != nil {
			return InvalidRowID, err
		}
		return rid, nil
	}
	if err := h.pool.UnpinPage(rid.PageID, false); err != nil {
		return InvalidRowID, err
	}
	if !dberrors.Is(err, dberrors.RowTooLarge) {
		return InvalidRowID, err
	}
	newRid, err := h.Insert(newTuple, tctx)
	if err != nil {
		return InvalidRowID, err
	}
	if err := h.Delete(rid, tctx); err != nil {
		// The old row is still live; undo the insert so it doesn't linger as a duplicate.
		if rollbackErr := h.Delete(newRid, tctx); rollbackErr != nil {
			return InvalidRowID, rollbackErr
		}
		return InvalidRowID, err
	}
	return newRid, nil
}

// MarkDelete sets rid's tombstone bit without freeing its storage, the first phase of a
// two-phase delete a caller may still roll back.
func (h *TableHeap) MarkDelete(rid RowID, tctx *txn.Context) error {
	frame, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	page := AsHeapPage(frame.Bytes[:])
	err = page.MarkDelete(int(rid.Slot))
	if err == nil {
		lsn, lerr := h.log.AppendRecord(tctx, int32(rid.PageID), nil)
		if lerr == nil {
			page.SetLogSeqNumber(int32(lsn))
		}
	}
	return h.pool.UnpinPage(rid.PageID, err == nil)
}

// ApplyDelete finalizes a mark-deleted row.
func (h *TableHeap) ApplyDelete(rid RowID, tctx *txn.Context) error {
	frame, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	page := AsHeapPage(frame.Bytes[:])
	err = page.ApplyDelete(int(rid.Slot))
	if err == nil {
		lsn, lerr := h.log.AppendRecord(tctx, int32(rid.PageID), nil)
		if lerr == nil {
			page.SetLogSeqNumber(int32(lsn))
		}
	}
	return h.pool.UnpinPage(rid.PageID, err == nil)
}

// RollbackDelete undoes a MarkDelete that has not yet been applied.
func (h *TableHeap) RollbackDelete(rid RowID, tctx *txn.Context) error {
	frame, err := h.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	page := AsHeapPage(frame.Bytes[:])
	err = page.RollbackDelete(int(rid.Slot))
	if err == nil {
		lsn, lerr := h.log.AppendRecord(tctx, int32(rid.PageID), nil)
		if lerr == nil {
			page.SetLogSeqNumber(int32(lsn))
		}
	}
	return h.pool.UnpinPage(rid.PageID, err == nil)
}

// Delete performs an immediate mark-and-apply delete for callers with no use for the rollback
// window.
func (h *TableHeap) Delete(rid RowID, tctx *txn.Context) error {
	if err := h.MarkDelete(rid, tctx); err != nil {
		return err
	}
	return h.ApplyDelete(rid, tctx)
}

// Iterator walks every live tuple in page-chain order. It holds no pin between calls to Next:
// each step fetches its page, reads one tuple, and unpins before returning.
type Iterator struct {
	heap   *TableHeap
	tctx   *txn.Context
	pageID PageID
	slot   int
}

// Begin returns an iterator positioned before the heap's first tuple. tctx identifies the
// scanning transaction, if any; GetTuple-equivalent reads never use it today, but it travels with
// the iterator the way the original engine's TableIterator carries its transaction pointer.
func (h *TableHeap) Begin(tctx *txn.Context) *Iterator {
	return &Iterator{heap: h, tctx: tctx, pageID: h.firstPageID, slot: 0}
}

// Next advances to the next live tuple, returning ok=false once the chain is exhausted.
func (it *Iterator) Next() (rid RowID, tuple []byte, ok bool, err error) {
	for it.pageID != InvalidPageID {
		frame, err := it.heap.pool.FetchPage(it.pageID)
		if err != nil {
			return InvalidRowID, nil, false, err
		}
		page := AsHeapPage(frame.Bytes[:])
		numSlots := page.NumSlots()
		for it.slot < numSlots {
			slot := it.slot
			it.slot++
			t, live, gerr := page.Get(slot)
			if gerr != nil {
				_ = it.heap.pool.UnpinPage(it.pageID, false)
				return InvalidRowID, nil, false, gerr
			}
			if live {
				cp := append([]byte(nil), t...)
				rid := RowID{PageID: it.pageID, Slot: uint32(slot)}
				if err := it.heap.pool.UnpinPage(it.pageID, false); err != nil {
					return InvalidRowID, nil, false, err
				}
				return rid, cp, true, nil
			}
		}
		next := page.NextPageID()
		if err := it.heap.pool.UnpinPage(it.pageID, false); err != nil {
			return InvalidRowID, nil, false, err
		}
		it.pageID = next
		it.slot = 0
	}
	return InvalidRowID, nil, false, nil
}
