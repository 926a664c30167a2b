package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDiskManager(t *testing.T) *DiskManager {
	t.Helper()
	dir := t.TempDir()
	dm, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return dm
}

func TestDiskManagerAllocateSequential(t *testing.T) {
	dm := openTestDiskManager(t)
	for i := 0; i < 10; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		assert.Equal(t, PageID(i), id)
	}
	assert.Equal(t, 10, dm.AllocatedCount())
	assert.Equal(t, 1, dm.ExtentCount())
}

func TestDiskManagerAllocateCrossesExtent(t *testing.T) {
	dm := openTestDiskManager(t)
	for i := 0; i < BitmapCapacity; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		assert.Equal(t, PageID(i), id)
	}
	assert.Equal(t, 1, dm.ExtentCount())

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, PageID(BitmapCapacity), id)
	assert.Equal(t, 2, dm.ExtentCount())
}

func TestDiskManagerDeallocateAndReuse(t *testing.T) {
	dm := openTestDiskManager(t)
	ids := make([]PageID, 5)
	for i := range ids {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		ids[i] = id
	}

	require.NoError(t, dm.DeAllocatePage(ids[2]))
	free, err := dm.IsPageFree(ids[2])
	require.NoError(t, err)
	assert.True(t, free)

	reused, err := dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, ids[2], reused)
}

func TestDiskManagerDeallocateUnknownExtent(t *testing.T) {
	dm := openTestDiskManager(t)
	err := dm.DeAllocatePage(PageID(BitmapCapacity * 5))
	assert.Error(t, err)
}

func TestDiskManagerReadWriteRoundTrip(t *testing.T) {
	dm := openTestDiskManager(t)
	id, err := dm.AllocatePage()
	require.NoError(t, err)

	buf := make([]byte, PageSize)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	require.NoError(t, dm.WritePage(id, buf))

	readBack := make([]byte, PageSize)
	require.NoError(t, dm.ReadPage(id, readBack))
	assert.Equal(t, buf, readBack)
}

func TestDiskManagerReadPastEOFZeroFills(t *testing.T) {
	dm := openTestDiskManager(t)
	id, err := dm.AllocatePage()
	require.NoError(t, err)

	buf := make([]byte, PageSize)
	require.NoError(t, dm.ReadPage(id, buf))
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestDiskManagerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	dm, err := Open(path)
	require.NoError(t, err)
	var ids []PageID
	for i := 0; i < 3; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, dm.DeAllocatePage(ids[1]))
	require.NoError(t, dm.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.AllocatedCount())
	free, err := reopened.IsPageFree(ids[1])
	require.NoError(t, err)
	assert.True(t, free)
	free, err = reopened.IsPageFree(ids[0])
	require.NoError(t, err)
	assert.False(t, free)
}

func TestMapPageIdSkipsBitmapPages(t *testing.T) {
	assert.Equal(t, int64(2), MapPageId(0))
	assert.Equal(t, int64(3), MapPageId(1))
	assert.Equal(t, int64(1+BitmapCapacity), MapPageId(PageID(BitmapCapacity-1)))
	assert.Equal(t, int64(3+BitmapCapacity), MapPageId(PageID(BitmapCapacity)))
}
