// Package catalog tracks every table and index in the database: their names, schemas, and the
// page ids where their data begins. The catalog itself is bootstrapped onto the database file's
// first two logical pages (the meta directory and the index-roots page) and reloaded from them
// on every open, the same way the storage core's other structures live entirely in the page space
// managed by the buffer pool rather than in a side file.
package catalog

import (
	"fmt"
	"sync"

	"github.com/cyw5807/miniSQL/index"
	"github.com/cyw5807/miniSQL/internal/dberrors"
	"github.com/cyw5807/miniSQL/storage"
	"github.com/cyw5807/miniSQL/txn"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"
)

// TableInfo is everything the catalog knows about one table.
type TableInfo struct {
	ID          int32
	Name        string
	Schema      storage.Schema
	FirstPageID storage.PageID
	metaPageID  storage.PageID
}

// IndexInfo is everything the catalog knows about one index.
type IndexInfo struct {
	ID        int32
	Name      string
	TableID   int32
	KeySchema storage.Schema
	metaPageID storage.PageID
}

type nameEntry struct {
	name string
	id   int32
}

func nameLess(a, b nameEntry) bool { return a.name < b.name }

// Catalog is the single registry of tables and indexes, held in memory and mirrored onto the
// catalog meta page (table/index directory) plus one meta page per object.
type Catalog struct {
	mu    sync.Mutex
	pool  *storage.BufferPool
	roots *index.Roots
	log   *txn.LogManager

	nextTableID int32
	nextIndexID int32

	tables      map[int32]*TableInfo
	indexes     map[int32]*IndexInfo
	tableByName *btree.BTreeG[nameEntry]
	indexByName *btree.BTreeG[nameEntry]
}

func newEmptyCatalog(pool *storage.BufferPool, roots *index.Roots) *Catalog {
	return &Catalog{
		pool:        pool,
		roots:       roots,
		log:         txn.NewLogManager(),
		tables:      make(map[int32]*TableInfo),
		indexes:     make(map[int32]*IndexInfo),
		tableByName: btree.NewBTreeG(nameLess),
		indexByName: btree.NewBTreeG(nameLess),
	}
}

// Bootstrap formats a brand-new database file: it allocates the catalog meta page and the index
// roots page (expected to land on logical pages 0 and 1 respectively, since both are the first
// two pages ever allocated) and writes an empty directory to each.
func Bootstrap(pool *storage.BufferPool) (*Catalog, error) {
	metaFrame, metaID, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	if metaID != storage.CatalogMetaPageID {
		return nil, dberrors.New(dberrors.CatalogCorruption, "expected catalog meta page at id %d, got %d", storage.CatalogMetaPageID, metaID)
	}

	rootsFrame, rootsID, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	if rootsID != storage.IndexRootsPageID {
		return nil, dberrors.New(dberrors.CatalogCorruption, "expected index roots page at id %d, got %d", storage.IndexRootsPageID, rootsID)
	}
	index.InitRootsPage(rootsFrame.Bytes[:])
	if err := pool.UnpinPage(rootsID, true); err != nil {
		return nil, err
	}

	c := newEmptyCatalog(pool, index.OpenRoots(pool))
	empty := catalogMeta{nextTableID: 1, nextIndexID: 1}
	if err := empty.encode(metaFrame.Bytes[:]); err != nil {
		return nil, err
	}
	if err := pool.UnpinPage(metaID, true); err != nil {
		return nil, err
	}
	c.nextTableID = 1
	c.nextIndexID = 1
	return c, nil
}

// Load reads back a catalog previously written by Bootstrap, resolving every table and index
// meta page into the in-memory registry.
func Load(pool *storage.BufferPool) (*Catalog, error) {
	frame, err := pool.FetchPage(storage.CatalogMetaPageID)
	if err != nil {
		return nil, err
	}
	meta, err := decodeCatalogMeta(frame.Bytes[:])
	if unpinErr := pool.UnpinPage(storage.CatalogMetaPageID, false); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		return nil, err
	}

	c := newEmptyCatalog(pool, index.OpenRoots(pool))
	c.nextTableID = meta.nextTableID
	c.nextIndexID = meta.nextIndexID

	for _, e := range meta.tables {
		tframe, err := pool.FetchPage(e.metaPageID)
		if err != nil {
			return nil, err
		}
		id, firstPageID, name, schema, err := decodeTableMeta(tframe.Bytes[:])
		if unpinErr := pool.UnpinPage(e.metaPageID, false); unpinErr != nil && err == nil {
			err = unpinErr
		}
		if err != nil {
			return nil, err
		}
		info := &TableInfo{ID: id, Name: name, Schema: schema, FirstPageID: firstPageID, metaPageID: e.metaPageID}
		c.tables[id] = info
		c.tableByName.Set(nameEntry{name: name, id: id})
	}
	for _, e := range meta.indexes {
		iframe, err := pool.FetchPage(e.metaPageID)
		if err != nil {
			return nil, err
		}
		id, tableID, name, keySchema, err := decodeIndexMeta(iframe.Bytes[:])
		if unpinErr := pool.UnpinPage(e.metaPageID, false); unpinErr != nil && err == nil {
			err = unpinErr
		}
		if err != nil {
			return nil, err
		}
		info := &IndexInfo{ID: id, Name: name, TableID: tableID, KeySchema: keySchema, metaPageID: e.metaPageID}
		c.indexes[id] = info
		c.indexByName.Set(nameEntry{name: name, id: id})
	}
	log.Info().Int("tables", len(c.tables)).Int("indexes", len(c.indexes)).Msg("catalog: loaded")
	return c, nil
}

func (c *Catalog) persistMeta() error {
	frame, err := c.pool.FetchPage(storage.CatalogMetaPageID)
	if err != nil {
		return err
	}
	m := catalogMeta{nextTableID: c.nextTableID, nextIndexID: c.nextIndexID}
	for id, info := range c.tables {
		m.tables = append(m.tables, dirEntry{id: id, metaPageID: info.metaPageID})
	}
	for id, info := range c.indexes {
		m.indexes = append(m.indexes, dirEntry{id: id, metaPageID: info.metaPageID})
	}
	if err := m.encode(frame.Bytes[:]); err != nil {
		_ = c.pool.UnpinPage(storage.CatalogMetaPageID, false)
		return err
	}
	return c.pool.UnpinPage(storage.CatalogMetaPageID, true)
}

// CreateTable allocates a fresh table heap and registers name/schema under a new table id.
// Allocation order is: heap head page, then table meta page, then the directory entry; a failure
// at any later step deletes the pages allocated by the earlier ones and leaves the catalog as it was.
func (c *Catalog) CreateTable(name string, schema storage.Schema) (*TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tableByName.Get(nameEntry{name: name}); ok {
		return nil, dberrors.New(dberrors.AlreadyExists, "table %q already exists", name)
	}
	if schema.RowSize() > storage.MaxTuplePayload {
		return nil, dberrors.New(dberrors.RowTooLarge, "table %q's widest possible row (%d bytes) exceeds the maximum single-page payload of %d bytes", name, schema.RowSize(), storage.MaxTuplePayload)
	}

	heap, err := storage.NewTableHeap(c.pool, c.log)
	if err != nil {
		return nil, err
	}

	metaFrame, metaID, err := c.pool.NewPage()
	if err != nil {
		_ = c.pool.DeletePage(heap.FirstPageID())
		return nil, err
	}
	id := c.nextTableID
	copy(metaFrame.Bytes[:], encodeTableMeta(id, heap.FirstPageID(), name, schema))
	if err := c.pool.UnpinPage(metaID, true); err != nil {
		_ = c.pool.DeletePage(metaID)
		_ = c.pool.DeletePage(heap.FirstPageID())
		return nil, err
	}

	info := &TableInfo{ID: id, Name: name, Schema: schema, FirstPageID: heap.FirstPageID(), metaPageID: metaID}
	c.tables[id] = info
	c.tableByName.Set(nameEntry{name: name, id: id})
	c.nextTableID++

	if err := c.persistMeta(); err != nil {
		delete(c.tables, id)
		c.tableByName.Delete(nameEntry{name: name})
		c.nextTableID--
		_ = c.pool.DeletePage(metaID)
		_ = c.pool.DeletePage(heap.FirstPageID())
		return nil, err
	}
	log.Debug().Str("table", name).Int32("id", id).Msg("catalog: created table")
	return info, nil
}

// GetTable looks up a table by name.
func (c *Catalog) GetTable(name string) (*TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tableByName.Get(nameEntry{name: name})
	if !ok {
		return nil, dberrors.New(dberrors.NotFound, "table %q does not exist", name)
	}
	return c.tables[e.id], nil
}

// GetTableByID looks up a table by id.
func (c *Catalog) GetTableByID(id int32) (*TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.tables[id]
	if !ok {
		return nil, dberrors.New(dberrors.NotFound, "table id %d does not exist", id)
	}
	return info, nil
}

// ListTables returns every table, in name order.
func (c *Catalog) ListTables() []*TableInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*TableInfo
	c.tableByName.Scan(func(e nameEntry) bool {
		out = append(out, c.tables[e.id])
		return true
	})
	return out
}

// keyMapFor translates keySchema's column names into positions within tableSchema, the same
// key_map an index build or a lookup uses to pull the indexed columns out of a full row. It
// rejects an empty key and any column name that does not exist on the table.
func keyMapFor(tableSchema, keySchema storage.Schema) ([]int, error) {
	if len(keySchema.Columns) == 0 {
		return nil, dberrors.New(dberrors.SchemaMismatch, "index key must reference at least one column")
	}
	colIndex := make(map[string]int, len(tableSchema.Columns))
	for i, c := range tableSchema.Columns {
		colIndex[c.Name] = i
	}
	keyMap := make([]int, len(keySchema.Columns))
	for i, kc := range keySchema.Columns {
		idx, ok := colIndex[kc.Name]
		if !ok {
			return nil, dberrors.New(dberrors.NotFound, "key column %q does not exist on the table", kc.Name)
		}
		keyMap[i] = idx
	}
	return keyMap, nil
}

// CreateIndex builds a B+-tree over tableName keyed by keySchema and registers it. keySchema's
// columns are validated against the table's actual schema; if the table already holds rows, the
// new tree is backfilled by walking the heap and inserting each row's extracted key alongside its
// RowID before the index becomes visible in the registry.
func (c *Catalog) CreateIndex(name, tableName string, keySchema storage.Schema) (*IndexInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tableEntry, ok := c.tableByName.Get(nameEntry{name: tableName})
	if !ok {
		return nil, dberrors.New(dberrors.NotFound, "table %q does not exist", tableName)
	}
	tableInfo := c.tables[tableEntry.id]
	if _, ok := c.indexByName.Get(nameEntry{name: name}); ok {
		return nil, dberrors.New(dberrors.AlreadyExists, "index %q already exists", name)
	}
	keyMap, err := keyMapFor(tableInfo.Schema, keySchema)
	if err != nil {
		return nil, err
	}

	id := c.nextIndexID
	keyMgr := index.NewKeyManager(keySchema)
	tree, err := index.NewBPlusTreeIndex(c.pool, keyMgr, id, c.roots, c.log)
	if err != nil {
		return nil, err
	}

	if err := backfillIndex(c.pool, c.log, tableInfo, tree, keyMap); err != nil {
		_ = tree.Destroy()
		return nil, err
	}

	metaFrame, metaID, err := c.pool.NewPage()
	if err != nil {
		_ = tree.Destroy()
		return nil, err
	}
	copy(metaFrame.Bytes[:], encodeIndexMeta(id, tableEntry.id, name, keySchema))
	if err := c.pool.UnpinPage(metaID, true); err != nil {
		return nil, err
	}

	info := &IndexInfo{ID: id, Name: name, TableID: tableEntry.id, KeySchema: keySchema, metaPageID: metaID}
	c.indexes[id] = info
	c.indexByName.Set(nameEntry{name: name, id: id})
	c.nextIndexID++

	if err := c.persistMeta(); err != nil {
		delete(c.indexes, id)
		c.indexByName.Delete(nameEntry{name: name})
		c.nextIndexID--
		_ = c.pool.DeletePage(metaID)
		_ = tree.Destroy()
		return nil, err
	}
	log.Debug().Str("index", name).Str("table", tableName).Int32("id", id).Msg("catalog: created index")
	return info, nil
}

// GetIndex looks up an index by name.
func (c *Catalog) GetIndex(name string) (*IndexInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.indexByName.Get(nameEntry{name: name})
	if !ok {
		return nil, dberrors.New(dberrors.NotFound, "index %q does not exist", name)
	}
	return c.indexes[e.id], nil
}

// ListIndexesOnTable returns every index registered against tableID, in name order.
func (c *Catalog) ListIndexesOnTable(tableID int32) []*IndexInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*IndexInfo
	c.indexByName.Scan(func(e nameEntry) bool {
		if info := c.indexes[e.id]; info.TableID == tableID {
			out = append(out, info)
		}
		return true
	})
	return out
}

// DropIndex destroys an index's B+-tree pages and removes it from the registry.
func (c *Catalog) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropIndexLocked(name)
}

func (c *Catalog) dropIndexLocked(name string) error {
	e, ok := c.indexByName.Get(nameEntry{name: name})
	if !ok {
		return dberrors.New(dberrors.NotFound, "index %q does not exist", name)
	}
	info := c.indexes[e.id]
	keyMgr := index.NewKeyManager(info.KeySchema)
	tree := index.OpenBPlusTreeIndex(c.pool, keyMgr, info.ID, c.roots, c.log)
	if err := tree.Destroy(); err != nil {
		return err
	}
	if err := c.pool.DeletePage(info.metaPageID); err != nil {
		return err
	}
	delete(c.indexes, info.ID)
	c.indexByName.Delete(nameEntry{name: name})
	return c.persistMeta()
}

// DropTable removes a table and cascades to every index registered on it.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tableEntry, ok := c.tableByName.Get(nameEntry{name: name})
	if !ok {
		return dberrors.New(dberrors.NotFound, "table %q does not exist", name)
	}
	info := c.tables[tableEntry.id]

	var dependents []string
	c.indexByName.Scan(func(e nameEntry) bool {
		if c.indexes[e.id].TableID == info.ID {
			dependents = append(dependents, e.name)
		}
		return true
	})
	for _, idxName := range dependents {
		if err := c.dropIndexLocked(idxName); err != nil {
			return fmt.Errorf("dropping dependent index %q: %w", idxName, err)
		}
	}

	if err := freeHeapChain(c.pool, info.FirstPageID); err != nil {
		return err
	}
	if err := c.pool.DeletePage(info.metaPageID); err != nil {
		return err
	}
	delete(c.tables, info.ID)
	c.tableByName.Delete(nameEntry{name: name})
	return c.persistMeta()
}

// backfillIndex walks tableInfo's heap and inserts each live row's extracted key into tree,
// keyed by keyMap positions into the table's schema. Called before a newly-built index is
// registered, so a partial failure never leaves a visible index missing rows.
func backfillIndex(pool *storage.BufferPool, log *txn.LogManager, tableInfo *TableInfo, tree *index.BPlusTreeIndex, keyMap []int) error {
	heap := storage.OpenTableHeap(pool, tableInfo.FirstPageID, log)
	it := heap.Begin(nil)
	for {
		rid, tuple, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		row, err := storage.DecodeRow(tableInfo.Schema, tuple)
		if err != nil {
			return err
		}
		keyValues := make([]storage.Value, len(keyMap))
		for i, colIdx := range keyMap {
			keyValues[i] = row.Values[colIdx]
		}
		if err := tree.Insert(storage.Row{Values: keyValues}, rid, nil); err != nil {
			return err
		}
	}
}

func freeHeapChain(pool *storage.BufferPool, firstPageID storage.PageID) error {
	cur := firstPageID
	for cur != storage.InvalidPageID {
		frame, err := pool.FetchPage(cur)
		if err != nil {
			return err
		}
		next := storage.AsHeapPage(frame.Bytes[:]).NextPageID()
		if err := pool.UnpinPage(cur, false); err != nil {
			return err
		}
		if err := pool.DeletePage(cur); err != nil {
			return err
		}
		cur = next
	}
	return nil
}
