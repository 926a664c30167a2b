package index

import (
	"sync"

	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/cyw5807/miniSQL/storage"
	"github.com/cyw5807/miniSQL/txn"
)

// Options overrides a tree's leaf/internal max size, which otherwise defaults to however many
// entries a page's capacity allows. Zero fields keep the default; passing Options{} is the same as
// omitting it. Its only use is forcing a small fanout to exercise split/merge/redistribute
// behavior without inserting the thousands of keys the default fanout would require.
type Options struct {
	LeafMaxSize     int
	InternalMaxSize int
}

// BPlusTreeIndex is a persistent, disk-backed B+-tree keyed by a KeyManager's composite key
// encoding, storing storage.RowID pointers into a table heap at its leaves. The tree's root page
// id is never cached locally -- it is always looked up through the shared Roots directory, since
// a split or collapse can move it at any time.
type BPlusTreeIndex struct {
	mu      sync.Mutex
	pool    *storage.BufferPool
	log     *txn.LogManager
	keyMgr  *KeyManager
	indexID int32
	roots   *Roots
	opts    Options
}

// NewBPlusTreeIndex creates a brand-new, empty tree: a single leaf page registered as the root.
// opts is optional; pass nothing (or a zero Options) to use the page-capacity-derived fanout.
func NewBPlusTreeIndex(pool *storage.BufferPool, keyMgr *KeyManager, indexID int32, roots *Roots, log *txn.LogManager, opts ...Options) (*BPlusTreeIndex, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	frame, id, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	AsBTreePage(frame.Bytes[:]).InitLeaf(id, storage.InvalidPageID, keyMgr.Size(), o.LeafMaxSize)
	if err := pool.UnpinPage(id, true); err != nil {
		return nil, err
	}
	if err := roots.Set(indexID, id); err != nil {
		return nil, err
	}
	return &BPlusTreeIndex{pool: pool, log: log, keyMgr: keyMgr, indexID: indexID, roots: roots, opts: o}, nil
}

// OpenBPlusTreeIndex resumes an existing tree whose root is already registered in roots. opts
// must match whatever the tree was created with, since existing pages already carry their max
// size in their header -- opts only governs pages the reopened tree creates from here on (new
// leaves/internal nodes born from a split).
func OpenBPlusTreeIndex(pool *storage.BufferPool, keyMgr *KeyManager, indexID int32, roots *Roots, log *txn.LogManager, opts ...Options) *BPlusTreeIndex {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	return &BPlusTreeIndex{pool: pool, log: log, keyMgr: keyMgr, indexID: indexID, roots: roots, opts: o}
}

func leafFindSlot(page BTreePage, key []byte, km *KeyManager) (idx int, found bool) {
	size := page.Size()
	for i := 0; i < size; i++ {
		c := km.Compare(page.LeafKeyAt(i), key)
		if c == 0 {
			return i, true
		}
		if c > 0 {
			return i, false
		}
	}
	return size, false
}

func internalChildIndexFor(page BTreePage, key []byte, km *KeyManager) int {
	childIdx := 0
	for i := 1; i < page.Size(); i++ {
		if km.Compare(page.InternalKeyAt(i), key) <= 0 {
			childIdx = i
		} else {
			break
		}
	}
	return childIdx
}

func findChildIndex(page BTreePage, childID storage.PageID) int {
	for i := 0; i < page.Size(); i++ {
		if page.ChildAt(i) == childID {
			return i
		}
	}
	return -1
}

func (t *BPlusTreeIndex) findLeafID(key []byte) (storage.PageID, error) {
	curID, err := t.roots.Get(t.indexID)
	if err != nil {
		return storage.InvalidPageID, err
	}
	for {
		frame, err := t.pool.FetchPage(curID)
		if err != nil {
			return storage.InvalidPageID, err
		}
		page := AsBTreePage(frame.Bytes[:])
		if page.IsLeaf() {
			if err := t.pool.UnpinPage(curID, false); err != nil {
				return storage.InvalidPageID, err
			}
			return curID, nil
		}
		child := page.ChildAt(internalChildIndexFor(page, key, t.keyMgr))
		if err := t.pool.UnpinPage(curID, false); err != nil {
			return storage.InvalidPageID, err
		}
		curID = child
	}
}

func (t *BPlusTreeIndex) setParentPointer(childID, parentID storage.PageID) error {
	frame, err := t.pool.FetchPage(childID)
	if err != nil {
		return err
	}
	AsBTreePage(frame.Bytes[:]).SetParentPageID(parentID)
	return t.pool.UnpinPage(childID, true)
}

// Lookup returns the RowID stored under keyRow, or KeyNotFound.
func (t *BPlusTreeIndex) Lookup(keyRow storage.Row) (storage.RowID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, err := t.keyMgr.Encode(keyRow)
	if err != nil {
		return storage.InvalidRowID, err
	}
	leafID, err := t.findLeafID(key)
	if err != nil {
		return storage.InvalidRowID, err
	}
	frame, err := t.pool.FetchPage(leafID)
	if err != nil {
		return storage.InvalidRowID, err
	}
	page := AsBTreePage(frame.Bytes[:])
	idx, found := leafFindSlot(page, key, t.keyMgr)
	if !found {
		_ = t.pool.UnpinPage(leafID, false)
		return storage.InvalidRowID, errKeyNotFound
	}
	rid := page.LeafRowIDAt(idx)
	if err := t.pool.UnpinPage(leafID, false); err != nil {
		return storage.InvalidRowID, err
	}
	return rid, nil
}

// Insert adds keyRow -> rid, splitting leaves and internal nodes up to the root as needed. tctx
// identifies the inserting transaction, if any; it is threaded through to the log manager.
func (t *BPlusTreeIndex) Insert(keyRow storage.Row, rid storage.RowID, tctx *txn.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, err := t.keyMgr.Encode(keyRow)
	if err != nil {
		return err
	}
	leafID, err := t.findLeafID(key)
	if err != nil {
		return err
	}
	frame, err := t.pool.FetchPage(leafID)
	if err != nil {
		return err
	}
	page := AsBTreePage(frame.Bytes[:])
	idx, found := leafFindSlot(page, key, t.keyMgr)
	if found {
		_ = t.pool.UnpinPage(leafID, false)
		return dberrors.New(dberrors.DuplicateKey, "key already present in index")
	}
	if !page.IsFull() {
		page.LeafInsertAt(idx, key, rid)
		lsn, err := t.log.AppendRecord(tctx, int32(leafID), key)
		if err != nil {
			_ = t.pool.UnpinPage(leafID, true)
			return err
		}
		page.SetLogSeqNumber(int32(lsn))
		return t.pool.UnpinPage(leafID, true)
	}
	return t.splitLeafAndInsert(leafID, page, idx, key, rid)
}

func (t *BPlusTreeIndex) splitLeafAndInsert(leafID storage.PageID, page BTreePage, insertIdx int, key []byte, rid storage.RowID) error {
	size := page.Size()
	keys := make([][]byte, size+1)
	rids := make([]storage.RowID, size+1)
	for i, j := 0, 0; i < size; i, j = i+1, j+1 {
		if i == insertIdx {
			j++
		}
		keys[j] = append([]byte(nil), page.LeafKeyAt(i)...)
		rids[j] = page.LeafRowIDAt(i)
	}
	keys[insertIdx] = key
	rids[insertIdx] = rid

	total := size + 1
	mid := total / 2

	newFrame, newID, err := t.pool.NewPage()
	if err != nil {
		_ = t.pool.UnpinPage(leafID, false)
		return err
	}
	newPage := AsBTreePage(newFrame.Bytes[:])
	newPage.InitLeaf(newID, page.ParentPageID(), t.keyMgr.Size(), t.opts.LeafMaxSize)

	page.setSize(0)
	for i := 0; i < mid; i++ {
		page.LeafInsertAt(i, keys[i], rids[i])
	}
	for i := mid; i < total; i++ {
		newPage.LeafInsertAt(newPage.Size(), keys[i], rids[i])
	}
	newPage.SetNextPageID(page.NextPageID())
	page.SetNextPageID(newID)

	separator := append([]byte(nil), keys[mid]...)

	if err := t.pool.UnpinPage(leafID, true); err != nil {
		return err
	}
	if err := t.pool.UnpinPage(newID, true); err != nil {
		return err
	}
	return t.insertIntoParent(page.ParentPageID(), leafID, separator, newID)
}

func (t *BPlusTreeIndex) insertIntoParent(parentID, leftChildID storage.PageID, sepKey []byte, rightChildID storage.PageID) error {
	if parentID == storage.InvalidPageID {
		newRootFrame, newRootID, err := t.pool.NewPage()
		if err != nil {
			return err
		}
		rootPage := AsBTreePage(newRootFrame.Bytes[:])
		rootPage.InitInternal(newRootID, storage.InvalidPageID, t.keyMgr.Size(), t.opts.InternalMaxSize)
		rootPage.InternalSetFirst(leftChildID)
		rootPage.InternalInsertAt(1, sepKey, rightChildID)
		if err := t.pool.UnpinPage(newRootID, true); err != nil {
			return err
		}
		if err := t.setParentPointer(leftChildID, newRootID); err != nil {
			return err
		}
		if err := t.setParentPointer(rightChildID, newRootID); err != nil {
			return err
		}
		return t.roots.Set(t.indexID, newRootID)
	}

	frame, err := t.pool.FetchPage(parentID)
	if err != nil {
		return err
	}
	page := AsBTreePage(frame.Bytes[:])
	pos := findChildIndex(page, leftChildID) + 1

	if !page.IsFull() {
		page.InternalInsertAt(pos, sepKey, rightChildID)
		if err := t.setParentPointer(rightChildID, parentID); err != nil {
			return err
		}
		return t.pool.UnpinPage(parentID, true)
	}
	return t.splitInternalAndInsert(parentID, page, pos, sepKey, rightChildID)
}

func (t *BPlusTreeIndex) splitInternalAndInsert(pageID storage.PageID, page BTreePage, insertPos int, key []byte, child storage.PageID) error {
	size := page.Size()
	keys := make([][]byte, size+1)
	children := make([]storage.PageID, size+1)
	for i, j := 0, 0; i < size; i, j = i+1, j+1 {
		if i == insertPos {
			j++
		}
		keys[j] = append([]byte(nil), page.InternalKeyAt(i)...)
		children[j] = page.ChildAt(i)
	}
	keys[insertPos] = key
	children[insertPos] = child

	total := size + 1
	mid := total / 2
	pushUpKey := append([]byte(nil), keys[mid]...)
	parentOfPage := page.ParentPageID()

	newFrame, newID, err := t.pool.NewPage()
	if err != nil {
		return err
	}
	rightPage := AsBTreePage(newFrame.Bytes[:])
	rightPage.InitInternal(newID, parentOfPage, t.keyMgr.Size(), t.opts.InternalMaxSize)
	rightPage.InternalSetFirst(children[mid])
	if err := t.setParentPointer(children[mid], newID); err != nil {
		return err
	}
	for i := mid + 1; i < total; i++ {
		rightPage.InternalInsertAt(rightPage.Size(), keys[i], children[i])
		if err := t.setParentPointer(children[i], newID); err != nil {
			return err
		}
	}

	page.setSize(0)
	page.InternalSetFirst(children[0])
	for i := 1; i < mid; i++ {
		page.InternalInsertAt(i, keys[i], children[i])
	}

	if err := t.pool.UnpinPage(pageID, true); err != nil {
		return err
	}
	if err := t.pool.UnpinPage(newID, true); err != nil {
		return err
	}
	return t.insertIntoParent(parentOfPage, pageID, pushUpKey, newID)
}

// refreshSeparator walks up from childID after its leftmost key changed (a delete at slot 0),
// correcting the one ancestor separator that names childID's subtree, if any.
func (t *BPlusTreeIndex) refreshSeparator(childID storage.PageID, newKey []byte) error {
	frame, err := t.pool.FetchPage(childID)
	if err != nil {
		return err
	}
	parentID := AsBTreePage(frame.Bytes[:]).ParentPageID()
	if err := t.pool.UnpinPage(childID, false); err != nil {
		return err
	}
	if parentID == storage.InvalidPageID {
		return nil
	}
	pframe, err := t.pool.FetchPage(parentID)
	if err != nil {
		return err
	}
	ppage := AsBTreePage(pframe.Bytes[:])
	idx := findChildIndex(ppage, childID)
	if idx <= 0 {
		if err := t.pool.UnpinPage(parentID, false); err != nil {
			return err
		}
		return t.refreshSeparator(parentID, newKey)
	}
	ppage.SetKeyAt(idx, newKey)
	return t.pool.UnpinPage(parentID, true)
}

// Delete removes keyRow's entry, redistributing or merging with a sibling if the leaf falls
// below minimum occupancy, collapsing the root if it is reduced to a single child, and marking
// the tree empty if the root leaf is itself drained to zero entries. tctx identifies the
// deleting transaction, if any; it is threaded through to the log manager.
func (t *BPlusTreeIndex) Delete(keyRow storage.Row, tctx *txn.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, err := t.keyMgr.Encode(keyRow)
	if err != nil {
		return err
	}
	leafID, err := t.findLeafID(key)
	if err != nil {
		return err
	}
	frame, err := t.pool.FetchPage(leafID)
	if err != nil {
		return err
	}
	leaf := AsBTreePage(frame.Bytes[:])
	idx, found := leafFindSlot(leaf, key, t.keyMgr)
	if !found {
		_ = t.pool.UnpinPage(leafID, false)
		return errKeyNotFound
	}
	leaf.LeafRemoveAt(idx)

	lsn, lerr := t.log.AppendRecord(tctx, int32(leafID), key)
	if lerr == nil {
		leaf.SetLogSeqNumber(int32(lsn))
	}

	var newLeftKey []byte
	leftmostChanged := idx == 0 && leaf.Size() > 0
	if leftmostChanged {
		newLeftKey = append([]byte(nil), leaf.LeafKeyAt(0)...)
	}
	// AdjustRoot: a root leaf drained to zero entries needs the same explicit handling as an
	// internal root reduced to a single child, even though the leaf page itself stays allocated
	// and registered as the root -- there is nothing left to promote it into.
	emptiedRoot := leaf.IsRoot() && leaf.Size() == 0
	underflow := (!leaf.IsRoot() && leaf.IsUnderflow()) || emptiedRoot

	if err := t.pool.UnpinPage(leafID, true); err != nil {
		return err
	}
	if leftmostChanged {
		if err := t.refreshSeparator(leafID, newLeftKey); err != nil {
			return err
		}
	}
	if underflow {
		return t.handleUnderflow(leafID)
	}
	return nil
}

// IsEmpty reports whether the tree currently holds zero keys. An empty tree still has a root
// page -- a leaf with no entries -- registered in the roots directory.
func (t *BPlusTreeIndex) IsEmpty() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rootID, err := t.roots.Get(t.indexID)
	if err != nil {
		return false, err
	}
	frame, err := t.pool.FetchPage(rootID)
	if err != nil {
		return false, err
	}
	empty := AsBTreePage(frame.Bytes[:]).Size() == 0
	if err := t.pool.UnpinPage(rootID, false); err != nil {
		return false, err
	}
	return empty, nil
}

func (t *BPlusTreeIndex) handleUnderflow(nodeID storage.PageID) error {
	frame, err := t.pool.FetchPage(nodeID)
	if err != nil {
		return err
	}
	node := AsBTreePage(frame.Bytes[:])
	parentID := node.ParentPageID()

	if parentID == storage.InvalidPageID {
		// An internal root reduced to its single leftover child promotes that child as the new
		// root. A leaf root drained to zero entries has nothing to promote -- it stays the root,
		// now representing the empty tree (see IsEmpty).
		collapse := !node.IsLeaf() && node.Size() == 1
		emptyLeafRoot := node.IsLeaf() && node.Size() == 0
		var newRootID storage.PageID
		if collapse {
			newRootID = node.ChildAt(0)
		}
		if err := t.pool.UnpinPage(nodeID, false); err != nil {
			return err
		}
		if emptyLeafRoot || !collapse {
			return nil
		}
		if err := t.setParentPointer(newRootID, storage.InvalidPageID); err != nil {
			return err
		}
		if err := t.roots.Set(t.indexID, newRootID); err != nil {
			return err
		}
		return t.pool.DeletePage(nodeID)
	}

	pframe, err := t.pool.FetchPage(parentID)
	if err != nil {
		_ = t.pool.UnpinPage(nodeID, false)
		return err
	}
	parent := AsBTreePage(pframe.Bytes[:])
	myIdx := findChildIndex(parent, nodeID)

	var siblingIdx int
	useRight := myIdx == 0
	if useRight {
		siblingIdx = myIdx + 1
	} else {
		siblingIdx = myIdx - 1
	}
	siblingID := parent.ChildAt(siblingIdx)
	sframe, err := t.pool.FetchPage(siblingID)
	if err != nil {
		_ = t.pool.UnpinPage(nodeID, false)
		_ = t.pool.UnpinPage(parentID, false)
		return err
	}
	sibling := AsBTreePage(sframe.Bytes[:])

	if sibling.Size() > sibling.minSize() {
		if err := t.redistribute(node, nodeID, sibling, siblingID, parent, myIdx, siblingIdx, useRight); err != nil {
			return err
		}
		if err := t.pool.UnpinPage(nodeID, true); err != nil {
			return err
		}
		if err := t.pool.UnpinPage(siblingID, true); err != nil {
			return err
		}
		return t.pool.UnpinPage(parentID, true)
	}

	dropIdx, leftID, left, rightID, right := myIdx, nodeID, node, siblingID, sibling
	if useRight {
		dropIdx = siblingIdx
	} else {
		leftID, left, rightID, right = siblingID, sibling, nodeID, node
	}
	if err := t.mergeInto(left, leftID, right, rightID, parent, dropIdx); err != nil {
		return err
	}
	if err := t.pool.UnpinPage(leftID, true); err != nil {
		return err
	}
	if err := t.pool.UnpinPage(rightID, false); err != nil {
		return err
	}
	if err := t.pool.DeletePage(rightID); err != nil {
		return err
	}

	// A non-root parent follows the ordinary min-size underflow threshold. A root parent has no
	// min-size floor at all -- AdjustRoot's own predicate is simply "reduced to one child" -- so it
	// must still be offered to handleUnderflow whenever a merge drops it to size 1, or the
	// internal-root-collapse branch above is never reached and the root never gets replaced by its
	// one remaining child.
	parentUnderflow := parent.IsUnderflow()
	if parent.IsRoot() {
		parentUnderflow = parent.Size() <= 1
	}
	if err := t.pool.UnpinPage(parentID, true); err != nil {
		return err
	}
	if parentUnderflow {
		return t.handleUnderflow(parentID)
	}
	return nil
}

func (t *BPlusTreeIndex) redistribute(node BTreePage, nodeID storage.PageID, sibling BTreePage, siblingID storage.PageID, parent BTreePage, myIdx, siblingIdx int, useRight bool) error {
	if node.IsLeaf() {
		if useRight {
			k, r := sibling.LeafKeyAt(0), sibling.LeafRowIDAt(0)
			node.LeafInsertAt(node.Size(), k, r)
			sibling.LeafRemoveAt(0)
			parent.SetKeyAt(siblingIdx, sibling.LeafKeyAt(0))
		} else {
			li := sibling.Size() - 1
			k, r := sibling.LeafKeyAt(li), sibling.LeafRowIDAt(li)
			node.LeafInsertAt(0, k, r)
			sibling.LeafRemoveAt(li)
			parent.SetKeyAt(myIdx, node.LeafKeyAt(0))
		}
		return nil
	}

	if useRight {
		sepKey := parent.InternalKeyAt(siblingIdx)
		movedChild := sibling.ChildAt(0)
		node.InternalInsertAt(node.Size(), sepKey, movedChild)
		if err := t.setParentPointer(movedChild, nodeID); err != nil {
			return err
		}
		nextKey := append([]byte(nil), sibling.InternalKeyAt(1)...)
		sibling.InternalRemoveAt(0)
		parent.SetKeyAt(siblingIdx, nextKey)
		return nil
	}

	sepKey := parent.InternalKeyAt(myIdx)
	li := sibling.Size() - 1
	movedChild := sibling.ChildAt(li)
	movedKey := append([]byte(nil), sibling.InternalKeyAt(li)...)
	oldFirstChild := node.ChildAt(0)
	node.InternalInsertAt(1, sepKey, oldFirstChild)
	node.InternalSetFirst(movedChild)
	if err := t.setParentPointer(movedChild, nodeID); err != nil {
		return err
	}
	sibling.InternalRemoveAt(li)
	parent.SetKeyAt(myIdx, movedKey)
	return nil
}

func (t *BPlusTreeIndex) mergeInto(left BTreePage, leftID storage.PageID, right BTreePage, rightID storage.PageID, parent BTreePage, dropIdx int) error {
	if left.IsLeaf() {
		for i := 0; i < right.Size(); i++ {
			left.LeafInsertAt(left.Size(), right.LeafKeyAt(i), right.LeafRowIDAt(i))
		}
		left.SetNextPageID(right.NextPageID())
	} else {
		sepKey := parent.InternalKeyAt(dropIdx)
		firstChild := right.ChildAt(0)
		left.InternalInsertAt(left.Size(), sepKey, firstChild)
		if err := t.setParentPointer(firstChild, leftID); err != nil {
			return err
		}
		for i := 1; i < right.Size(); i++ {
			left.InternalInsertAt(left.Size(), right.InternalKeyAt(i), right.ChildAt(i))
			if err := t.setParentPointer(right.ChildAt(i), leftID); err != nil {
				return err
			}
		}
	}
	parent.InternalRemoveAt(dropIdx)
	_ = rightID
	return nil
}

// Destroy deletes every page belonging to the tree and its roots-directory entry.
func (t *BPlusTreeIndex) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rootID, err := t.roots.Get(t.indexID)
	if err != nil {
		return err
	}
	if err := t.destroySubtree(rootID); err != nil {
		return err
	}
	return t.roots.Remove(t.indexID)
}

func (t *BPlusTreeIndex) destroySubtree(pageID storage.PageID) error {
	frame, err := t.pool.FetchPage(pageID)
	if err != nil {
		return err
	}
	page := AsBTreePage(frame.Bytes[:])
	var children []storage.PageID
	if !page.IsLeaf() {
		for i := 0; i < page.Size(); i++ {
			children = append(children, page.ChildAt(i))
		}
	}
	if err := t.pool.UnpinPage(pageID, false); err != nil {
		return err
	}
	for _, c := range children {
		if err := t.destroySubtree(c); err != nil {
			return err
		}
	}
	return t.pool.DeletePage(pageID)
}

// Iterator walks live leaf entries left to right via the leaf chain, matching the table heap
// iterator's no-pin-held-between-calls discipline.
type Iterator struct {
	tree   *BPlusTreeIndex
	pageID storage.PageID
	idx    int
}

// Begin positions an iterator at the smallest key in the tree.
func (t *BPlusTreeIndex) Begin() (*Iterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	curID, err := t.roots.Get(t.indexID)
	if err != nil {
		return nil, err
	}
	for {
		frame, err := t.pool.FetchPage(curID)
		if err != nil {
			return nil, err
		}
		page := AsBTreePage(frame.Bytes[:])
		if page.IsLeaf() {
			if err := t.pool.UnpinPage(curID, false); err != nil {
				return nil, err
			}
			return &Iterator{tree: t, pageID: curID, idx: 0}, nil
		}
		child := page.ChildAt(0)
		if err := t.pool.UnpinPage(curID, false); err != nil {
			return nil, err
		}
		curID = child
	}
}

// BeginAt positions an iterator at the first key >= keyRow.
func (t *BPlusTreeIndex) BeginAt(keyRow storage.Row) (*Iterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, err := t.keyMgr.Encode(keyRow)
	if err != nil {
		return nil, err
	}
	leafID, err := t.findLeafID(key)
	if err != nil {
		return nil, err
	}
	frame, err := t.pool.FetchPage(leafID)
	if err != nil {
		return nil, err
	}
	page := AsBTreePage(frame.Bytes[:])
	idx, _ := leafFindSlot(page, key, t.keyMgr)
	if err := t.pool.UnpinPage(leafID, false); err != nil {
		return nil, err
	}
	return &Iterator{tree: t, pageID: leafID, idx: idx}, nil
}

// Next returns the next (RowID, encoded key) pair, or ok=false once past the last leaf.
func (it *Iterator) Next() (rid storage.RowID, key []byte, ok bool, err error) {
	if it.pageID == storage.InvalidPageID {
		return storage.InvalidRowID, nil, false, nil
	}
	frame, err := it.tree.pool.FetchPage(it.pageID)
	if err != nil {
		return storage.InvalidRowID, nil, false, err
	}
	page := AsBTreePage(frame.Bytes[:])
	if it.idx >= page.Size() {
		next := page.NextPageID()
		if err := it.tree.pool.UnpinPage(it.pageID, false); err != nil {
			return storage.InvalidRowID, nil, false, err
		}
		it.pageID = next
		it.idx = 0
		return it.Next()
	}
	key = append([]byte(nil), page.LeafKeyAt(it.idx)...)
	rid = page.LeafRowIDAt(it.idx)
	it.idx++
	if err := it.tree.pool.UnpinPage(it.pageID, false); err != nil {
		return storage.InvalidRowID, nil, false, err
	}
	return rid, key, true, nil
}
