package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHeapPage() HeapPage {
	page := AsHeapPage(make([]byte, PageSize))
	page.Init(0, InvalidPageID)
	return page
}

func TestHeapPageInsertGet(t *testing.T) {
	page := newTestHeapPage()
	slot, ok := page.Insert([]byte("hello"))
	require.True(t, ok)
	assert.Equal(t, 0, slot)

	tuple, live, err := page.Get(slot)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, "hello", string(tuple))
}

func TestHeapPageInsertUntilFull(t *testing.T) {
	page := newTestHeapPage()
	payload := make([]byte, 100)
	count := 0
	for {
		if _, ok := page.Insert(payload); !ok {
			break
		}
		count++
	}
	assert.Greater(t, count, 0)
	assert.Less(t, page.FreeSpace(), len(payload)+heapSlotSize)
}

func TestHeapPageMarkAndApplyDelete(t *testing.T) {
	page := newTestHeapPage()
	slot, ok := page.Insert([]byte("row"))
	require.True(t, ok)

	require.NoError(t, page.MarkDelete(slot))
	_, live, err := page.Get(slot)
	require.NoError(t, err)
	assert.False(t, live)

	require.NoError(t, page.ApplyDelete(slot))
	assert.True(t, page.IsDeleted(slot))
	assert.Error(t, page.RollbackDelete(slot))
}

func TestHeapPageRollbackDelete(t *testing.T) {
	page := newTestHeapPage()
	slot, ok := page.Insert([]byte("row"))
	require.True(t, ok)

	require.NoError(t, page.MarkDelete(slot))
	require.NoError(t, page.RollbackDelete(slot))

	tuple, live, err := page.Get(slot)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, "row", string(tuple))
}

func TestHeapPageUpdateInPlaceRequiresSameLength(t *testing.T) {
	page := newTestHeapPage()
	slot, ok := page.Insert([]byte("abcde"))
	require.True(t, ok)

	require.NoError(t, page.UpdateInPlace(slot, []byte("zzzzz")))
	tuple, _, err := page.Get(slot)
	require.NoError(t, err)
	assert.Equal(t, "zzzzz", string(tuple))

	err = page.UpdateInPlace(slot, []byte("short"))
	require.NoError(t, err) // same length as "zzzzz"

	err = page.UpdateInPlace(slot, []byte("longerthanoriginal"))
	assert.Error(t, err)
}

func TestHeapPageDoubleMarkDeleteFails(t *testing.T) {
	page := newTestHeapPage()
	slot, _ := page.Insert([]byte("x"))
	require.NoError(t, page.MarkDelete(slot))
	assert.Error(t, page.MarkDelete(slot))
}
