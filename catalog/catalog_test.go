package catalog

import (
	"path/filepath"
	"testing"

	"github.com/cyw5807/miniSQL/index"
	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/cyw5807/miniSQL/storage"
	"github.com/cyw5807/miniSQL/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() storage.Schema {
	return storage.Schema{Columns: []storage.Column{
		{Name: "id", Type: storage.TypeInt32},
		{Name: "name", Type: storage.TypeChar, Len: 16},
	}}
}

func openTestPool(t *testing.T, path string, poolSize int) *storage.BufferPool {
	t.Helper()
	dm, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return storage.NewBufferPool(dm, poolSize)
}

func TestCatalogBootstrapAndCreateTable(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	info, err := cat.CreateTable("users", testSchema())
	require.NoError(t, err)
	assert.Equal(t, int32(1), info.ID)
	assert.Equal(t, "users", info.Name)

	got, err := cat.GetTable("users")
	require.NoError(t, err)
	assert.Equal(t, info.FirstPageID, got.FirstPageID)
}

func TestCatalogDuplicateTableNameRejected(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	_, err = cat.CreateTable("users", testSchema())
	require.NoError(t, err)

	_, err = cat.CreateTable("users", testSchema())
	assert.True(t, dberrors.Is(err, dberrors.AlreadyExists))
}

func TestCatalogGetTableNotFound(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	_, err = cat.GetTable("ghost")
	assert.True(t, dberrors.Is(err, dberrors.NotFound))
}

func TestCatalogListTablesIsNameOrdered(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	for _, name := range []string{"zebra", "apple", "mango"} {
		_, err := cat.CreateTable(name, testSchema())
		require.NoError(t, err)
	}

	tables := cat.ListTables()
	require.Len(t, tables, 3)
	assert.Equal(t, []string{"apple", "mango", "zebra"}, []string{tables[0].Name, tables[1].Name, tables[2].Name})
}

func TestCatalogCreateAndDropIndex(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	table, err := cat.CreateTable("users", testSchema())
	require.NoError(t, err)

	keySchema := storage.Schema{Columns: []storage.Column{{Name: "id", Type: storage.TypeInt32}}}
	idx, err := cat.CreateIndex("users_id_idx", "users", keySchema)
	require.NoError(t, err)
	assert.Equal(t, table.ID, idx.TableID)

	onTable := cat.ListIndexesOnTable(table.ID)
	require.Len(t, onTable, 1)
	assert.Equal(t, idx.Name, onTable[0].Name)

	require.NoError(t, cat.DropIndex("users_id_idx"))
	_, err = cat.GetIndex("users_id_idx")
	assert.True(t, dberrors.Is(err, dberrors.NotFound))
}

func TestCatalogCreateIndexUnknownTable(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	keySchema := storage.Schema{Columns: []storage.Column{{Name: "id", Type: storage.TypeInt32}}}
	_, err = cat.CreateIndex("idx", "ghost", keySchema)
	assert.True(t, dberrors.Is(err, dberrors.NotFound))
}

func TestCatalogDropTableCascadesIndexes(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	table, err := cat.CreateTable("users", testSchema())
	require.NoError(t, err)
	keySchema := storage.Schema{Columns: []storage.Column{{Name: "id", Type: storage.TypeInt32}}}
	_, err = cat.CreateIndex("users_id_idx", "users", keySchema)
	require.NoError(t, err)

	heap := storage.OpenTableHeap(pool, table.FirstPageID, txn.NewLogManager())
	for i := int32(0); i < 5; i++ {
		_, err := heap.Insert([]byte("row"), nil)
		require.NoError(t, err)
	}

	require.NoError(t, cat.DropTable("users"))
	_, err = cat.GetTable("users")
	assert.True(t, dberrors.Is(err, dberrors.NotFound))
	_, err = cat.GetIndex("users_id_idx")
	assert.True(t, dberrors.Is(err, dberrors.NotFound))
}

func TestCatalogCreateIndexUnknownColumnRejected(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	_, err = cat.CreateTable("users", testSchema())
	require.NoError(t, err)

	keySchema := storage.Schema{Columns: []storage.Column{{Name: "ghost_column", Type: storage.TypeInt32}}}
	_, err = cat.CreateIndex("bad_idx", "users", keySchema)
	assert.True(t, dberrors.Is(err, dberrors.NotFound))
}

func TestCatalogCreateIndexRejectsEmptyKey(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	_, err = cat.CreateTable("users", testSchema())
	require.NoError(t, err)

	_, err = cat.CreateIndex("empty_idx", "users", storage.Schema{})
	assert.True(t, dberrors.Is(err, dberrors.SchemaMismatch))
}

// TestCatalogCreateIndexBackfillsExistingRows populates a table before the index exists, then
// checks every pre-existing row is reachable through the new index once it's built.
func TestCatalogCreateIndexBackfillsExistingRows(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "cat.db"), 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	schema := testSchema()
	table, err := cat.CreateTable("users", schema)
	require.NoError(t, err)

	heap := storage.OpenTableHeap(pool, table.FirstPageID, txn.NewLogManager())
	rids := make(map[int32]storage.RowID)
	for i := int32(0); i < 5; i++ {
		row := storage.Row{Values: []storage.Value{
			storage.NewInt32Value(i),
			storage.NewCharValue("user"),
		}}
		buf, err := row.Encode(schema)
		require.NoError(t, err)
		rid, err := heap.Insert(buf, nil)
		require.NoError(t, err)
		rids[i] = rid
	}

	keySchema := storage.Schema{Columns: []storage.Column{{Name: "id", Type: storage.TypeInt32}}}
	idxInfo, err := cat.CreateIndex("users_id_idx", "users", keySchema)
	require.NoError(t, err)

	keyMgr := index.NewKeyManager(keySchema)
	tree := index.OpenBPlusTreeIndex(pool, keyMgr, idxInfo.ID, cat.roots, txn.NewLogManager())
	for i := int32(0); i < 5; i++ {
		rid, err := tree.Lookup(storage.Row{Values: []storage.Value{storage.NewInt32Value(i)}})
		require.NoError(t, err)
		assert.Equal(t, rids[i], rid)
	}
}

func TestCatalogPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.db")

	dm, err := storage.Open(path)
	require.NoError(t, err)
	pool := storage.NewBufferPool(dm, 32)
	cat, err := Bootstrap(pool)
	require.NoError(t, err)

	table, err := cat.CreateTable("orders", testSchema())
	require.NoError(t, err)
	keySchema := storage.Schema{Columns: []storage.Column{{Name: "id", Type: storage.TypeInt32}}}
	_, err = cat.CreateIndex("orders_id_idx", "orders", keySchema)
	require.NoError(t, err)

	require.NoError(t, pool.FlushAll())
	require.NoError(t, dm.Close())

	dm2, err := storage.Open(path)
	require.NoError(t, err)
	defer dm2.Close()
	pool2 := storage.NewBufferPool(dm2, 32)
	reloaded, err := Load(pool2)
	require.NoError(t, err)

	got, err := reloaded.GetTable("orders")
	require.NoError(t, err)
	assert.Equal(t, table.FirstPageID, got.FirstPageID)
	assert.Equal(t, table.Schema, got.Schema)

	idx, err := reloaded.GetIndex("orders_id_idx")
	require.NoError(t, err)
	assert.Equal(t, table.ID, idx.TableID)
}
