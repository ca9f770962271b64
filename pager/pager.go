// Accessed by the btree layer. The pager provides an API for read and write
// access of pages. The pager handles caching, the free list, shadow paging
// for rollback, and locking of the backing file.
package pager

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/chirst/cdb/pager/cache"
)

// Page types. Overflow is reserved structural support and is never produced
// by this implementation.
const (
	PageTypeUnknown  = 0
	PageTypeInterior = 1
	PageTypeLeaf     = 2
	PageTypeFree     = 3
	PageTypeMeta     = 4
	PageTypeOverflow = 5
)

const (
	// HeaderPageNumber is the file header page, page 1.
	HeaderPageNumber = 1
	// fileHeaderSize is the portion of page 1 holding the fixed fields; the
	// remainder of the page is reserved/zero per spec.
	fileHeaderSize = 24
	magic          = "DSQLv1"
	formatVersion  = uint16(1)

	// pageHeaderSize is the 12 byte per-page header: type(1) reserved(1)
	// cell_count(2) content_offset(2) fragmented(2) right_child(4).
	pageHeaderSize = 12

	typeOffset            = 0
	reservedOffset        = 1
	cellCountOffset       = 2
	contentOffsetOffset   = 4
	fragmentedOffset      = 6
	rightChildOffset      = 8
	cellPointerArrayStart = pageHeaderSize

	// DefaultPageSize is used when a caller does not specify one.
	DefaultPageSize = 4096
	// DefaultCacheSize bounds the number of cached pages.
	DefaultCacheSize = 1000

	// PageHeaderSize is the exported form of pageHeaderSize, for callers
	// like the meta page codec that compute a page's usable body size.
	PageHeaderSize = pageHeaderSize
)

// pageCache defines the page caching interface.
type pageCache interface {
	Get(pageNumber int) ([]byte, bool)
	Add(pageNumber int, content []byte)
	Remove(pageNumber int)
	Clear()
}

// Pager is an abstraction over the database file providing fixed size page
// access, a free list, an LRU page cache, and, while a write transaction is
// open, shadow copies of pages for rollback.
type Pager struct {
	store    storage
	pageSize int
	// pageCount is the number of pages currently allocated in the file,
	// including the header page.
	pageCount uint32
	// freeListHead is the page number at the head of the free list, or 0 if
	// empty. Stored in the fixed fields of the file header (bytes 20-24).
	freeListHead uint32
	fileLock     lock
	isWriting    bool
	// shadow holds, for each page written for the first time in the current
	// transaction, the page's on-disk bytes prior to any modification.
	shadow map[uint32][]byte
	// modified is the set of page numbers written during the current
	// transaction, in first-write order so the WAL can replay them
	// deterministically.
	modified   []uint32
	modifiedOk map[uint32]bool
	pageCache  pageCache
	log        *logrus.Entry
}

// Options configures a Pager.
type Options struct {
	PageSize  int
	CacheSize int
	Log       *logrus.Entry
}

// Open opens or creates the database file at path. An empty path creates an
// in-memory pager. The file lock is acquired lazily by BeginRead/BeginWrite.
func Open(path string, opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	var s storage
	var err error
	if path == "" {
		s = newMemoryStorage()
	} else {
		s, err = newFileStorage(path)
		if err != nil {
			return nil, err
		}
	}
	p := &Pager{
		store:      s,
		pageSize:   opts.PageSize,
		pageCache:  cache.New(opts.CacheSize),
		shadow:     map[uint32][]byte{},
		modifiedOk: map[uint32]bool{},
		log:        opts.Log,
	}
	size, err := s.Size()
	if err != nil {
		return nil, err
	}
	if fd, ok := Fd(s); ok {
		p.fileLock = newPlatformLock(fd)
	} else {
		p.fileLock = &memoryLock{l: &sync.RWMutex{}}
	}
	if size == 0 {
		if err := p.initHeader(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err := p.readHeader(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pager) initHeader() error {
	p.pageCount = 1
	p.freeListHead = 0
	buf := make([]byte, p.pageSize)
	copy(buf[0:6], magic)
	binary.BigEndian.PutUint16(buf[6:8], formatVersion)
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.pageSize))
	binary.BigEndian.PutUint32(buf[12:16], p.pageCount)
	binary.BigEndian.PutUint32(buf[16:20], 0) // catalog root, set by CreateTable-equivalent bootstrap
	binary.BigEndian.PutUint32(buf[20:24], p.freeListHead)
	_, err := p.store.WriteAt(buf, 0)
	return err
}

func (p *Pager) readHeader() error {
	buf := make([]byte, fileHeaderSize)
	if _, err := p.store.ReadAt(buf, 0); err != nil {
		return errors.Wrap(err, "reading file header")
	}
	if string(buf[0:6]) != magic {
		return errors.Errorf("corrupt: bad magic %q", buf[0:6])
	}
	p.pageSize = int(binary.BigEndian.Uint32(buf[8:12]))
	p.pageCount = binary.BigEndian.Uint32(buf[12:16])
	p.freeListHead = binary.BigEndian.Uint32(buf[20:24])
	return nil
}

func (p *Pager) writeHeaderFields() error {
	buf := make([]byte, fileHeaderSize)
	if _, err := p.store.ReadAt(buf, 0); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[12:16], p.pageCount)
	binary.BigEndian.PutUint32(buf[20:24], p.freeListHead)
	_, err := p.store.WriteAt(buf, 0)
	return err
}

// PageSize returns the fixed page size this pager was opened with.
func (p *Pager) PageSize() int { return p.pageSize }

// PageCount returns the number of pages currently allocated.
func (p *Pager) PageCount() int { return int(p.pageCount) }

func (p *Pager) offsetOf(pageNumber uint32) int64 {
	return int64(p.pageSize) * int64(pageNumber-1)
}

// CatalogRoot returns the root page number of the catalog meta document, or
// 0 if no catalog has been persisted yet (a freshly created database).
func (p *Pager) CatalogRoot() (uint32, error) {
	buf := make([]byte, 4)
	if _, err := p.store.ReadAt(buf, 16); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// SetCatalogRoot persists the catalog's root page number into the file
// header.
func (p *Pager) SetCatalogRoot(pageNumber uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, pageNumber)
	_, err := p.store.WriteAt(buf, 16)
	return err
}

// BeginRead acquires the shared file lock for the duration of a read
// transaction or a pure SELECT statement.
func (p *Pager) BeginRead() error { return p.fileLock.RLock() }

// EndRead releases the shared file lock.
func (p *Pager) EndRead() { p.fileLock.RUnlock() }

// BeginWrite acquires the exclusive file lock and enters transaction mode, in
// which the first write to any page records a shadow copy of its prior
// bytes.
func (p *Pager) BeginWrite() error {
	if err := p.fileLock.Lock(); err != nil {
		return err
	}
	p.isWriting = true
	return nil
}

// InTransaction reports whether a write transaction is currently open.
func (p *Pager) InTransaction() bool { return p.isWriting }

// ModifiedPages returns the page numbers written since BeginWrite, in first
// write order.
func (p *Pager) ModifiedPages() []uint32 {
	return append([]uint32{}, p.modified...)
}

// EndWrite clears transaction state and releases the exclusive lock. It does
// not itself persist anything; the caller (the transaction manager) is
// responsible for driving the WAL commit before calling EndWrite.
func (p *Pager) EndWrite() {
	p.shadow = map[uint32][]byte{}
	p.modified = nil
	p.modifiedOk = map[uint32]bool{}
	p.isWriting = false
	p.fileLock.Unlock()
}

// Rollback restores every shadowed page to its pre-transaction bytes in the
// cache (and, if already flushed, on disk) and clears transaction state.
// Does not release the file lock; the caller still owns ending the
// transaction via EndWrite.
func (p *Pager) Rollback() error {
	for id, content := range p.shadow {
		if err := p.writeRaw(id, content); err != nil {
			return err
		}
		p.pageCache.Add(int(id), content)
	}
	p.shadow = map[uint32][]byte{}
	p.modified = nil
	p.modifiedOk = map[uint32]bool{}
	return nil
}

// ReadPage returns the content bytes of pageNumber, consulting the cache
// before the backing store.
func (p *Pager) ReadPage(pageNumber uint32) ([]byte, error) {
	if pageNumber == 0 || pageNumber > p.pageCount {
		return nil, errors.Errorf("invalid page: %d", pageNumber)
	}
	if v, ok := p.pageCache.Get(int(pageNumber)); ok {
		return v, nil
	}
	buf := make([]byte, p.pageSize)
	if _, err := p.store.ReadAt(buf, p.offsetOf(pageNumber)); err != nil {
		return nil, errors.Wrapf(err, "reading page %d", pageNumber)
	}
	p.pageCache.Add(int(pageNumber), buf)
	return buf, nil
}

// GetPage returns a mutable Page view bound to this pager.
func (p *Pager) GetPage(pageNumber uint32) (*Page, error) {
	content, err := p.ReadPage(pageNumber)
	if err != nil {
		return nil, err
	}
	// The view owns a copy, so edits reach the cache only through WritePage,
	// after WritePage has shadowed the page's prior bytes.
	return &Page{pager: p, number: pageNumber, content: append([]byte(nil), content...)}, nil
}

// WritePage buffers the page in the cache and, in transaction mode, shadows
// its prior bytes and records it as modified for the WAL to pick up at
// commit.
func (p *Pager) WritePage(page *Page) error {
	id := page.number
	if p.isWriting && !p.modifiedOk[id] {
		prior, err := p.ReadPage(id)
		if err == nil {
			shadowCopy := make([]byte, len(prior))
			copy(shadowCopy, prior)
			p.shadow[id] = shadowCopy
		}
		p.modifiedOk[id] = true
		p.modified = append(p.modified, id)
	}
	p.pageCache.Add(int(id), page.content)
	return nil
}

// writeRaw writes bytes directly to disk for pageNumber, bypassing shadowing.
// Used by WAL commit/checkpoint and by Rollback.
func (p *Pager) writeRaw(pageNumber uint32, content []byte) error {
	_, err := p.store.WriteAt(content, p.offsetOf(pageNumber))
	return err
}

// WriteRaw is the exported form of writeRaw, used by the WAL to apply
// recovered frames to the main file.
func (p *Pager) WriteRaw(pageNumber uint32, content []byte) error {
	return p.writeRaw(pageNumber, content)
}

// InvalidateCache drops cached content for pageNumber so the next read goes
// to disk. Used after the WAL applies a frame directly to the main file
// during recovery or checkpoint.
func (p *Pager) InvalidateCache(pageNumber uint32) {
	p.pageCache.Remove(int(pageNumber))
}

// Sync fsyncs the backing store.
func (p *Pager) Sync() error { return p.store.Sync() }

// Close releases the backing store.
func (p *Pager) Close() error { return p.store.Close() }

// AllocatePage returns a fresh, zeroed page of the given type. It reuses a
// page from the free list if one is available, otherwise it extends the
// file. The new page is not written to disk until the caller calls
// WritePage.
func (p *Pager) AllocatePage(pageType byte) (*Page, error) {
	var number uint32
	if p.freeListHead != 0 {
		number = p.freeListHead
		freePage, err := p.GetPage(number)
		if err != nil {
			return nil, err
		}
		p.freeListHead = freePage.nextFree()
		if err := p.writeHeaderFields(); err != nil {
			return nil, err
		}
	} else {
		p.pageCount += 1
		number = p.pageCount
		if err := p.writeHeaderFields(); err != nil {
			return nil, err
		}
	}
	content := make([]byte, p.pageSize)
	page := &Page{pager: p, number: number, content: content}
	page.setType(pageType)
	page.setCellCount(0)
	page.setContentOffset(uint16(p.pageSize))
	page.setFragmented(0)
	page.setRightChild(0)
	if err := p.WritePage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// FreePage links pageNumber onto the head of the free list.
func (p *Pager) FreePage(pageNumber uint32) error {
	page, err := p.GetPage(pageNumber)
	if err != nil {
		return err
	}
	page.setType(PageTypeFree)
	page.setNextFree(p.freeListHead)
	if err := p.WritePage(page); err != nil {
		return err
	}
	p.freeListHead = pageNumber
	return p.writeHeaderFields()
}

// Flush writes every currently cached dirty page implicated by
// ModifiedPages to the main file and fsyncs. Used by checkpoint and by a
// plain (non-transactional) caller that wants durable writes without WAL
// bookkeeping, such as initial bootstrap.
func (p *Pager) Flush() error {
	for _, id := range p.modified {
		content, ok := p.pageCache.Get(int(id))
		if !ok {
			continue
		}
		if err := p.writeRaw(id, content); err != nil {
			return err
		}
	}
	return p.store.Sync()
}
