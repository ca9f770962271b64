package pager

import "encoding/binary"

// Page is a mutable view over one fixed size page of the database file. The
// first 12 bytes are a header: type(1) reserved(1) cell_count(2)
// content_offset(2) fragmented_bytes(2) right_child(4), all multi-byte
// fields little endian. A cell pointer array of 2 byte offsets grows
// upward immediately after the header; cell bodies grow downward from the
// end of the page. content_offset always points at the start of the
// lowest allocated cell, so free space is the gap between the end of the
// pointer array and content_offset.
type Page struct {
	pager   *Pager
	number  uint32
	content []byte
}

// Number returns the page number this view is bound to.
func (p *Page) Number() uint32 { return p.number }

// Type returns the page's structural type.
func (p *Page) Type() byte { return p.content[typeOffset] }

func (p *Page) setType(t byte) { p.content[typeOffset] = t }

// IsLeaf reports whether this page is a leaf btree page.
func (p *Page) IsLeaf() bool { return p.Type() == PageTypeLeaf }

// IsInterior reports whether this page is an interior btree page.
func (p *Page) IsInterior() bool { return p.Type() == PageTypeInterior }

// CellCount returns the number of cells stored on the page.
func (p *Page) CellCount() int {
	return int(binary.LittleEndian.Uint16(p.content[cellCountOffset:]))
}

func (p *Page) setCellCount(n uint16) {
	binary.LittleEndian.PutUint16(p.content[cellCountOffset:], n)
}

// ContentOffset returns the byte offset of the start of the lowest cell.
func (p *Page) ContentOffset() uint16 {
	return binary.LittleEndian.Uint16(p.content[contentOffsetOffset:])
}

func (p *Page) setContentOffset(v uint16) {
	binary.LittleEndian.PutUint16(p.content[contentOffsetOffset:], v)
}

// FragmentedBytes returns the count of bytes lost to in-place cell
// replacement that have not yet been reclaimed by a compaction pass.
func (p *Page) FragmentedBytes() uint16 {
	return binary.LittleEndian.Uint16(p.content[fragmentedOffset:])
}

func (p *Page) setFragmented(v uint16) {
	binary.LittleEndian.PutUint16(p.content[fragmentedOffset:], v)
}

// RightChild returns the rightmost child pointer of an interior page, the
// page number for keys greater than every key stored in the page's cells.
func (p *Page) RightChild() uint32 {
	return binary.LittleEndian.Uint32(p.content[rightChildOffset:])
}

func (p *Page) setRightChild(v uint32) {
	binary.LittleEndian.PutUint32(p.content[rightChildOffset:], v)
}

// SetRightChild is the exported form of setRightChild, used by the btree
// package when assembling an interior page.
func (p *Page) SetRightChild(v uint32) { p.setRightChild(v) }

// nextFree and setNextFree reuse the right_child field to link free pages,
// since a free page has no children.
func (p *Page) nextFree() uint32     { return p.RightChild() }
func (p *Page) setNextFree(v uint32) { p.setRightChild(v) }

func (p *Page) cellPointerOffset(i int) int {
	return cellPointerArrayStart + i*2
}

// CellPointer returns the byte offset of the i'th cell, in cell order.
func (p *Page) CellPointer(i int) uint16 {
	off := p.cellPointerOffset(i)
	return binary.LittleEndian.Uint16(p.content[off:])
}

func (p *Page) setCellPointer(i int, v uint16) {
	off := p.cellPointerOffset(i)
	binary.LittleEndian.PutUint16(p.content[off:], v)
}

// FreeSpace returns the number of unused bytes between the end of the cell
// pointer array and the start of the lowest allocated cell.
func (p *Page) FreeSpace() int {
	used := cellPointerArrayStart + p.CellCount()*2
	return int(p.ContentOffset()) - used
}

// CellBytes returns the raw bytes of the i'th cell. The caller is expected
// to know how to decode it (a leaf record cell or an interior key+child
// cell) based on the page type.
func (p *Page) CellBytes(i int) []byte {
	start := p.CellPointer(i)
	var end int
	if i == 0 {
		end = len(p.content)
	} else {
		end = int(p.CellPointer(i - 1))
	}
	return p.content[start:end]
}

// InsertCell inserts data as a new cell at logical position index, shifting
// subsequent cell pointers up by one slot. Cells are always appended at the
// lowest currently free offset and referenced from the pointer array in
// sorted key order, so callers pass index as the sorted insertion point.
// Returns false if there is not enough free space.
func (p *Page) InsertCell(index int, data []byte) bool {
	if p.FreeSpace() < len(data)+2 {
		return false
	}
	newOffset := p.ContentOffset() - uint16(len(data))
	copy(p.content[newOffset:], data)
	count := p.CellCount()
	for i := count; i > index; i-- {
		p.setCellPointer(i, p.CellPointer(i-1))
	}
	p.setCellPointer(index, newOffset)
	p.setCellCount(uint16(count + 1))
	p.setContentOffset(newOffset)
	return true
}

// RemoveCell deletes the cell at logical position index, shifting later
// pointers down by one slot. The vacated body bytes are counted as
// fragmented rather than reclaimed immediately.
func (p *Page) RemoveCell(index int) {
	removed := p.CellBytes(index)
	count := p.CellCount()
	for i := index; i < count-1; i++ {
		p.setCellPointer(i, p.CellPointer(i+1))
	}
	p.setCellCount(uint16(count - 1))
	p.setFragmented(p.FragmentedBytes() + uint16(len(removed)))
}

// Reset clears the page body back to an empty page of the given type,
// keeping the same backing buffer. Used when a page is reused from the
// free list.
func (p *Page) Reset(pageType byte) {
	p.setType(pageType)
	p.setCellCount(0)
	p.setContentOffset(uint16(len(p.content)))
	p.setFragmented(0)
	p.setRightChild(0)
}

// Content returns the raw backing bytes of the page, for handing to the
// pager's cache and storage layers.
func (p *Page) Content() []byte { return p.content }

// Body returns the page bytes beyond the 12 byte page header. Meta pages
// use this directly as a flat byte store instead of the cell array, since
// they hold a single document rather than a sorted set of cells.
func (p *Page) Body() []byte { return p.content[pageHeaderSize:] }
