package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cyw5807/miniSQL/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, poolSize int) (*TableHeap, *BufferPool) {
	t.Helper()
	dir := t.TempDir()
	dm, err := Open(filepath.Join(dir, "heap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	bp := NewBufferPool(dm, poolSize)
	heap, err := NewTableHeap(bp, txn.NewLogManager())
	require.NoError(t, err)
	return heap, bp
}

func TestTableHeapInsertGet(t *testing.T) {
	heap, _ := newTestHeap(t, 8)
	rid, err := heap.Insert([]byte("first row"), nil)
	require.NoError(t, err)

	got, err := heap.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, "first row", string(got))
}

func TestTableHeapInsertSpansMultiplePages(t *testing.T) {
	heap, _ := newTestHeap(t, 4)
	payload := make([]byte, 500)
	var rids []RowID
	for i := 0; i < 50; i++ {
		rid, err := heap.Insert(payload, nil)
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	pages := map[PageID]bool{}
	for _, rid := range rids {
		pages[rid.PageID] = true
	}
	assert.Greater(t, len(pages), 1, "50 rows of 500 bytes should not fit on one page")

	for _, rid := range rids {
		_, err := heap.Get(rid)
		require.NoError(t, err)
	}
}

func TestTableHeapUpdateInPlace(t *testing.T) {
	heap, _ := newTestHeap(t, 4)
	rid, err := heap.Insert([]byte("abcde"), nil)
	require.NoError(t, err)

	newRid, err := heap.Update(rid, []byte("zyxwv"), nil)
	require.NoError(t, err)
	assert.Equal(t, rid, newRid)

	got, err := heap.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, "zyxwv", string(got))
}

func TestTableHeapUpdateRelocatesOnGrowth(t *testing.T) {
	heap, _ := newTestHeap(t, 4)
	rid, err := heap.Insert([]byte("short"), nil)
	require.NoError(t, err)

	longer := make([]byte, 200)
	copy(longer, "much longer row than the original slot")
	newRid, err := heap.Update(rid, longer, nil)
	require.NoError(t, err)

	_, err = heap.Get(rid)
	assert.Error(t, err, "old rowid should no longer resolve to a live row")

	got, err := heap.Get(newRid)
	require.NoError(t, err)
	assert.Equal(t, longer, got)
}

func TestTableHeapDeleteTwoPhase(t *testing.T) {
	heap, _ := newTestHeap(t, 4)
	rid, err := heap.Insert([]byte("to be removed"), nil)
	require.NoError(t, err)

	require.NoError(t, heap.MarkDelete(rid, nil))
	_, err = heap.Get(rid)
	assert.Error(t, err)

	require.NoError(t, heap.RollbackDelete(rid, nil))
	got, err := heap.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, "to be removed", string(got))

	require.NoError(t, heap.Delete(rid, nil))
	_, err = heap.Get(rid)
	assert.Error(t, err)
}

func TestTableHeapIteratorVisitsLiveRowsOnly(t *testing.T) {
	heap, _ := newTestHeap(t, 4)
	var rids []RowID
	for i := 0; i < 20; i++ {
		rid, err := heap.Insert([]byte(fmt.Sprintf("row-%02d", i)), nil)
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	for i := 0; i < 20; i += 2 {
		require.NoError(t, heap.Delete(rids[i], nil))
	}

	it := heap.Begin(nil)
	var got []string
	for {
		_, tuple, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(tuple))
	}
	require.Len(t, got, 10)
	for _, s := range got {
		assert.Equal(t, "row-", s[:4])
	}
}
