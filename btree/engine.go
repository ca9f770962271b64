// engine ties the pager, the write ahead log, and the btree together into
// the single entry point the rest of the system talks to. It supersedes the
// teacher's kv.KV, keeping its method names (NewCursor, BeginReadTransaction,
// EndReadTransaction, BeginWriteTransaction, EndWriteTransaction,
// RollbackWrite, NewBTree, ParseSchema) since the vm package is written
// against that exact shape.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/chirst/cdb/catalog"
	"github.com/chirst/cdb/pager"
	"github.com/chirst/cdb/wal"
)

// Engine is the storage entry point: it owns the pager, the WAL, and the in
// memory catalog, and exposes per table btree operations through cursors.
type Engine struct {
	pager              *pager.Pager
	wal                *wal.WAL
	catalog            *catalog.Catalog
	tree               *BTree
	rebalanceThreshold float64
	log                *logrus.Entry

	// writeTxn is non-nil while a write transaction is open.
	writeTxn *writeTxnState
}

type writeTxnState struct {
	dirtyPages map[uint32][]byte
	order      []uint32
}

// Options configures an Engine.
type Options struct {
	PageSize           int
	CacheSize          int
	RebalanceThreshold float64
	Log                *logrus.Entry
}

// New opens the database at filename, or an in-memory database if useMemory
// is true. filename is ignored when useMemory is true.
func New(useMemory bool, filename string, opts Options) (*Engine, error) {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	path := filename
	walPath := filename + ".wal"
	if useMemory {
		path = ""
		walPath = ""
	}
	pgr, err := pager.Open(path, pager.Options{
		PageSize:  opts.PageSize,
		CacheSize: opts.CacheSize,
		Log:       opts.Log,
	})
	if err != nil {
		return nil, err
	}
	w, err := wal.Open(walPath, pgr.PageSize(), pgr, opts.Log)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		pager:              pgr,
		wal:                w,
		catalog:            catalog.NewCatalog(),
		rebalanceThreshold: opts.RebalanceThreshold,
		log:                opts.Log,
	}
	e.tree = New(pgr, opts.RebalanceThreshold)
	if err := e.ParseSchema(); err != nil {
		return nil, err
	}
	return e, nil
}

// GetCatalog returns the in memory schema catalog.
func (e *Engine) GetCatalog() *catalog.Catalog { return e.catalog }

// metaLengthPrefix is the size of the length prefix stored at the start of
// a meta page's body, ahead of the catalog JSON document itself.
const metaLengthPrefix = 4

// ParseSchema reloads the catalog from the meta page. Called on open and
// whenever a DDL statement needs the in memory catalog refreshed.
func (e *Engine) ParseSchema() error {
	root, err := e.pager.CatalogRoot()
	if err != nil {
		return err
	}
	if root == 0 {
		return nil
	}
	page, err := e.pager.GetPage(root)
	if err != nil {
		return err
	}
	body := page.Body()
	length := binary.BigEndian.Uint32(body[:metaLengthPrefix])
	if length == 0 {
		return nil
	}
	if int(length) > len(body)-metaLengthPrefix {
		return fmt.Errorf("corrupt catalog meta page %d", root)
	}
	doc := make([]byte, length)
	copy(doc, body[metaLengthPrefix:metaLengthPrefix+int(length)])
	return e.catalog.Load(doc)
}

// persistCatalog writes the in memory catalog back to the meta page. Called
// at the end of every write transaction that changed the schema. The
// catalog document must fit in a single page; tables one CREATE TABLE adds
// at a time keep this well within reach of a default 4096 byte page.
func (e *Engine) persistCatalog() error {
	root, err := e.pager.CatalogRoot()
	if err != nil {
		return err
	}
	doc, err := e.catalog.ToJSON()
	if err != nil {
		return err
	}
	capacity := e.pager.PageSize() - pager.PageHeaderSize - metaLengthPrefix
	if len(doc) > capacity {
		return fmt.Errorf("catalog document of %d bytes exceeds single meta page capacity of %d", len(doc), capacity)
	}
	var page *pager.Page
	if root == 0 {
		page, err = e.pager.AllocatePage(pager.PageTypeMeta)
	} else {
		page, err = e.pager.GetPage(root)
	}
	if err != nil {
		return err
	}
	body := page.Body()
	binary.BigEndian.PutUint32(body[:metaLengthPrefix], uint32(len(doc)))
	copy(body[metaLengthPrefix:], doc)
	if err := e.pager.WritePage(page); err != nil {
		return err
	}
	if page.Number() != root {
		if err := e.pager.SetCatalogRoot(page.Number()); err != nil {
			return err
		}
	}
	return nil
}

// NewBTree allocates a new table's root page and returns its page number.
func (e *Engine) NewBTree() (int, error) {
	root, err := e.tree.NewRoot()
	if err != nil {
		return 0, err
	}
	return int(root), nil
}

// BeginReadTransaction acquires the shared file lock for the duration of a
// read only statement.
func (e *Engine) BeginReadTransaction() error {
	return e.pager.BeginRead()
}

// EndReadTransaction releases the shared file lock.
func (e *Engine) EndReadTransaction() {
	e.pager.EndRead()
}

// BeginWriteTransaction acquires the exclusive file lock and opens a
// transaction in which pager writes are shadowed for rollback.
func (e *Engine) BeginWriteTransaction() error {
	if err := e.pager.BeginWrite(); err != nil {
		return err
	}
	e.writeTxn = &writeTxnState{dirtyPages: map[uint32][]byte{}}
	return nil
}

// EndWriteTransaction persists the catalog if it changed, commits the
// transaction's modified pages through the WAL, and releases the exclusive
// lock.
func (e *Engine) EndWriteTransaction() error {
	if e.catalog.Dirty() {
		if err := e.persistCatalog(); err != nil {
			e.pager.Rollback()
			e.pager.EndWrite()
			e.writeTxn = nil
			return err
		}
		e.catalog.MarkClean()
	}
	for _, id := range e.pager.ModifiedPages() {
		content, err := e.pager.ReadPage(id)
		if err != nil {
			e.pager.Rollback()
			e.pager.EndWrite()
			e.writeTxn = nil
			return err
		}
		e.writeTxn.dirtyPages[id] = content
		e.writeTxn.order = append(e.writeTxn.order, id)
	}
	err := e.wal.Commit(e.writeTxn.dirtyPages, dedupOrder(e.writeTxn.order), uint32(e.pager.PageCount()))
	e.pager.EndWrite()
	e.writeTxn = nil
	return err
}

// RollbackWrite discards every page written since BeginWriteTransaction and
// releases the exclusive lock.
func (e *Engine) RollbackWrite() error {
	err := e.pager.Rollback()
	e.pager.EndWrite()
	e.writeTxn = nil
	return err
}

// dedupOrder keeps only the first occurrence of each page id, since a page
// written more than once in a transaction only needs its final bytes
// committed once.
func dedupOrder(ids []uint32) []uint32 {
	seen := map[uint32]bool{}
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// NewCursor opens a cursor over the table rooted at rootPageNumber.
func (e *Engine) NewCursor(rootPageNumber int) *Cursor {
	c, err := e.tree.SeekFirst(uint32(rootPageNumber))
	if err != nil {
		// A cursor with a bad root is a programmer error (a stale catalog
		// entry), surfaced as an always-invalid cursor rather than a panic
		// so the vm can report it through the normal error path on first
		// use.
		e.log.WithError(err).Error("opening cursor on bad root page")
		return &Cursor{tree: e.tree, root: uint32(rootPageNumber)}
	}
	return c
}

// Set writes key/value into the table rooted at rootPageNumber.
func (e *Engine) Set(rootPageNumber int, key, value []byte) (int, error) {
	newRoot, err := e.tree.Insert(uint32(rootPageNumber), key, value)
	if err != nil {
		return 0, err
	}
	return int(newRoot), nil
}

// Delete removes key from the table rooted at rootPageNumber.
func (e *Engine) Delete(rootPageNumber int, key []byte) (int, bool, error) {
	newRoot, found, err := e.tree.Delete(uint32(rootPageNumber), key)
	if err != nil {
		return 0, false, err
	}
	return int(newRoot), found, nil
}

// NewRowID returns the next unused integer key for the table rooted at
// rootPageNumber: one greater than the highest key currently stored, or 1
// for an empty table.
func (e *Engine) NewRowID(rootPageNumber int) (int64, error) {
	cursor, err := e.tree.SeekLast(uint32(rootPageNumber))
	if err != nil {
		return 0, err
	}
	if !cursor.Valid() {
		return 1, nil
	}
	last, err := cursor.Key()
	if err != nil {
		return 0, err
	}
	return DecodeKey(last) + 1, nil
}

// Exists reports whether key is present in the table rooted at
// rootPageNumber.
func (e *Engine) Exists(rootPageNumber int, key []byte) (bool, error) {
	_, found, err := e.tree.Get(uint32(rootPageNumber), key)
	return found, err
}

// Count returns the number of records in the table rooted at
// rootPageNumber.
func (e *Engine) Count(rootPageNumber int) (int, error) {
	cursor, err := e.tree.SeekFirst(uint32(rootPageNumber))
	if err != nil {
		return 0, err
	}
	n := 0
	for cursor.Valid() {
		n++
		if err := cursor.Next(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Checkpoint forces a WAL checkpoint outside the automatic threshold.
func (e *Engine) Checkpoint() error {
	return e.wal.Checkpoint()
}

// Close releases the WAL and pager file handles.
func (e *Engine) Close() error {
	if err := e.wal.Close(); err != nil {
		return fmt.Errorf("closing wal: %w", err)
	}
	return e.pager.Close()
}
