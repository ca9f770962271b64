// btree provides an ordered key to record store backed by the pager. It
// supersedes the teacher's kv package: the same "descend, mutate the leaf,
// propagate a split up the recorded path" shape, generalized with an actual
// delete and rebalance, since the teacher's KV never implemented one.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/chirst/cdb/pager"
)

// DefaultRebalanceThreshold is the minimum fraction of a non-root page's
// usable body that must stay occupied after a delete before a borrow or
// merge is triggered.
const DefaultRebalanceThreshold = 0.5

// BTree is a single ordered tree rooted at a page number tracked by the
// caller (the catalog, for a table's root page).
type BTree struct {
	pager              *pager.Pager
	rebalanceThreshold float64
}

// New returns a BTree operating over pgr's pages.
func New(pgr *pager.Pager, rebalanceThreshold float64) *BTree {
	if rebalanceThreshold <= 0 {
		rebalanceThreshold = DefaultRebalanceThreshold
	}
	return &BTree{pager: pgr, rebalanceThreshold: rebalanceThreshold}
}

// NewRoot allocates a fresh empty leaf page to serve as a new table's root.
func (t *BTree) NewRoot() (uint32, error) {
	page, err := t.pager.AllocatePage(pager.PageTypeLeaf)
	if err != nil {
		return 0, err
	}
	return page.Number(), nil
}

type leafEntry struct {
	key     []byte
	payload []byte
}

type interiorEntry struct {
	key   []byte
	child uint32
}

func buildLeafCell(e leafEntry) []byte {
	buf := appendUvarint(nil, uint64(len(e.key)))
	buf = append(buf, e.key...)
	buf = appendUvarint(buf, uint64(len(e.payload)))
	buf = append(buf, e.payload...)
	return buf
}

func parseLeafCell(b []byte) leafEntry {
	keyLen, n := binary.Uvarint(b)
	b = b[n:]
	key := b[:keyLen]
	b = b[keyLen:]
	payloadLen, n := binary.Uvarint(b)
	b = b[n:]
	payload := b[:payloadLen]
	return leafEntry{key: key, payload: payload}
}

func buildInteriorCell(e interiorEntry) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, e.child)
	buf = appendUvarint(buf, uint64(len(e.key)))
	buf = append(buf, e.key...)
	return buf
}

func parseInteriorCell(b []byte) interiorEntry {
	child := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	keyLen, n := binary.Uvarint(b)
	b = b[n:]
	key := b[:keyLen]
	return interiorEntry{key: key, child: child}
}

func collectLeafEntries(page *pager.Page) []leafEntry {
	entries := make([]leafEntry, page.CellCount())
	for i := range entries {
		entries[i] = parseLeafCell(append([]byte(nil), page.CellBytes(i)...))
	}
	return entries
}

func collectInteriorEntries(page *pager.Page) []interiorEntry {
	entries := make([]interiorEntry, page.CellCount())
	for i := range entries {
		entries[i] = parseInteriorCell(append([]byte(nil), page.CellBytes(i)...))
	}
	return entries
}

// writeLeafEntries resets page to an empty leaf and reinserts entries in
// order. The caller guarantees entries fit; it is always called right after
// a fits-check or right after computing a split half.
func writeLeafEntries(page *pager.Page, entries []leafEntry) {
	page.Reset(pager.PageTypeLeaf)
	for i, e := range entries {
		page.InsertCell(i, buildLeafCell(e))
	}
}

func writeInteriorEntries(page *pager.Page, entries []interiorEntry, rightChild uint32) {
	page.Reset(pager.PageTypeInterior)
	for i, e := range entries {
		page.InsertCell(i, buildInteriorCell(e))
	}
	page.SetRightChild(rightChild)
}

func leafEntriesSize(entries []leafEntry) int {
	total := 0
	for _, e := range entries {
		total += len(buildLeafCell(e)) + 2
	}
	return total
}

func interiorEntriesSize(entries []interiorEntry) int {
	total := 0
	for _, e := range entries {
		total += len(buildInteriorCell(e)) + 2
	}
	return total
}

func searchLeafEntries(entries []leafEntry, key []byte) (idx int, found bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(entries[mid].key, key)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// childIndexFor returns which child covers key: the index of the first
// entry whose key is > key, or len(entries) if key belongs in the
// rightmost subtree.
func childIndexFor(entries []interiorEntry, key []byte) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(entries[mid].key, key) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func childAt(entries []interiorEntry, rightChild uint32, idx int) uint32 {
	if idx == len(entries) {
		return rightChild
	}
	return entries[idx].child
}

// pathFrame records one step of a root-to-leaf descent for a write
// operation: the interior page visited and the child index followed, so a
// split or rebalance can be propagated back up without redescending.
type pathFrame struct {
	pageNumber uint32
	childIndex int
}

func (t *BTree) descendForWrite(root uint32, key []byte) (path []pathFrame, leafPageNumber uint32, err error) {
	pageNumber := root
	for {
		page, err := t.pager.GetPage(pageNumber)
		if err != nil {
			return nil, 0, err
		}
		if page.IsLeaf() {
			return path, pageNumber, nil
		}
		entries := collectInteriorEntries(page)
		idx := childIndexFor(entries, key)
		path = append(path, pathFrame{pageNumber: pageNumber, childIndex: idx})
		pageNumber = childAt(entries, page.RightChild(), idx)
	}
}

// Insert stores record under key, replacing any existing record at that
// key. Returns the (possibly changed) root page number.
func (t *BTree) Insert(root uint32, key, record []byte) (uint32, error) {
	path, leafPN, err := t.descendForWrite(root, key)
	if err != nil {
		return 0, err
	}
	page, err := t.pager.GetPage(leafPN)
	if err != nil {
		return 0, err
	}
	entries := collectLeafEntries(page)
	idx, found := searchLeafEntries(entries, key)
	if found {
		entries[idx] = leafEntry{key: key, payload: record}
	} else {
		entries = insertLeafAt(entries, idx, leafEntry{key: key, payload: record})
	}
	if leafEntriesSize(entries) <= usableBody(t.pager) {
		writeLeafEntries(page, entries)
		if err := t.pager.WritePage(page); err != nil {
			return 0, err
		}
		return root, nil
	}
	return t.splitLeafAndPropagate(path, root, page, entries)
}

func insertLeafAt(entries []leafEntry, idx int, e leafEntry) []leafEntry {
	entries = append(entries, leafEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

func insertInteriorAt(entries []interiorEntry, idx int, e interiorEntry) []interiorEntry {
	entries = append(entries, interiorEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

func usableBody(p *pager.Pager) int {
	return p.PageSize() - 12
}

func (t *BTree) splitLeafAndPropagate(path []pathFrame, root uint32, page *pager.Page, entries []leafEntry) (uint32, error) {
	mid := len(entries) / 2
	leftEntries := entries[:mid]
	rightEntries := entries[mid:]
	writeLeafEntries(page, leftEntries)
	if err := t.pager.WritePage(page); err != nil {
		return 0, err
	}
	rightPage, err := t.pager.AllocatePage(pager.PageTypeLeaf)
	if err != nil {
		return 0, err
	}
	writeLeafEntries(rightPage, rightEntries)
	if err := t.pager.WritePage(rightPage); err != nil {
		return 0, err
	}
	separatorKey := rightEntries[0].key
	return t.insertIntoParent(path, root, page.Number(), rightPage.Number(), separatorKey)
}

// insertIntoParent propagates a split of leftChild (with newRightChild
// holding the keys >= separatorKey split off from it) up the recorded path.
// An empty path means leftChild was the root, so a new interior root is
// allocated.
func (t *BTree) insertIntoParent(path []pathFrame, root, leftChild, newRightChild uint32, separatorKey []byte) (uint32, error) {
	if len(path) == 0 {
		newRoot, err := t.pager.AllocatePage(pager.PageTypeInterior)
		if err != nil {
			return 0, err
		}
		writeInteriorEntries(newRoot, []interiorEntry{{key: separatorKey, child: leftChild}}, newRightChild)
		if err := t.pager.WritePage(newRoot); err != nil {
			return 0, err
		}
		return newRoot.Number(), nil
	}
	frame := path[len(path)-1]
	parentPath := path[:len(path)-1]
	parent, err := t.pager.GetPage(frame.pageNumber)
	if err != nil {
		return 0, err
	}
	entries := collectInteriorEntries(parent)
	rightChild := parent.RightChild()
	if frame.childIndex == len(entries) {
		entries = append(entries, interiorEntry{key: separatorKey, child: leftChild})
		rightChild = newRightChild
	} else {
		entries[frame.childIndex].child = newRightChild
		entries = insertInteriorAt(entries, frame.childIndex, interiorEntry{key: separatorKey, child: leftChild})
	}
	if interiorEntriesSize(entries) <= usableBody(t.pager) {
		writeInteriorEntries(parent, entries, rightChild)
		if err := t.pager.WritePage(parent); err != nil {
			return 0, err
		}
		return root, nil
	}
	return t.splitInteriorAndPropagate(parentPath, root, parent, entries, rightChild)
}

func (t *BTree) splitInteriorAndPropagate(path []pathFrame, root uint32, page *pager.Page, entries []interiorEntry, rightChild uint32) (uint32, error) {
	splitIdx := len(entries) / 2
	promoted := entries[splitIdx]
	leftEntries := entries[:splitIdx]
	rightEntries := entries[splitIdx+1:]
	writeInteriorEntries(page, leftEntries, promoted.child)
	if err := t.pager.WritePage(page); err != nil {
		return 0, err
	}
	rightPage, err := t.pager.AllocatePage(pager.PageTypeInterior)
	if err != nil {
		return 0, err
	}
	writeInteriorEntries(rightPage, rightEntries, rightChild)
	if err := t.pager.WritePage(rightPage); err != nil {
		return 0, err
	}
	return t.insertIntoParent(path, root, page.Number(), rightPage.Number(), promoted.key)
}

// Delete removes the record stored at key. Returns the (possibly changed)
// root page number and reports NotFound via the bool return.
func (t *BTree) Delete(root uint32, key []byte) (newRoot uint32, found bool, err error) {
	path, leafPN, err := t.descendForWrite(root, key)
	if err != nil {
		return 0, false, err
	}
	page, err := t.pager.GetPage(leafPN)
	if err != nil {
		return 0, false, err
	}
	entries := collectLeafEntries(page)
	idx, found := searchLeafEntries(entries, key)
	if !found {
		return root, false, nil
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	writeLeafEntries(page, entries)
	if err := t.pager.WritePage(page); err != nil {
		return 0, false, err
	}
	if len(path) == 0 {
		return root, true, nil
	}
	occupancy := float64(leafEntriesSize(entries)) / float64(usableBody(t.pager))
	if occupancy >= t.rebalanceThreshold {
		return root, true, nil
	}
	newRoot, err = t.rebalanceLeaf(path, root, page, entries)
	if err != nil {
		return 0, false, err
	}
	return newRoot, true, nil
}

// rebalanceLeaf borrows from or merges with a sibling when a leaf falls
// below the occupancy threshold after a delete.
func (t *BTree) rebalanceLeaf(path []pathFrame, root uint32, page *pager.Page, entries []leafEntry) (uint32, error) {
	frame := path[len(path)-1]
	parent, err := t.pager.GetPage(frame.pageNumber)
	if err != nil {
		return 0, err
	}
	parentEntries := collectInteriorEntries(parent)
	rightChild := parent.RightChild()

	siblingIdx, isLeft := pickSibling(frame.childIndex, len(parentEntries))
	siblingPN := childAt(parentEntries, rightChild, siblingIdx)
	siblingPage, err := t.pager.GetPage(siblingPN)
	if err != nil {
		return 0, err
	}
	siblingEntries := collectLeafEntries(siblingPage)

	if canBorrow(entries, siblingEntries, isLeft, usableBody(t.pager), t.rebalanceThreshold) {
		var borrowed leafEntry
		if isLeft {
			borrowed = siblingEntries[len(siblingEntries)-1]
			siblingEntries = siblingEntries[:len(siblingEntries)-1]
			entries = insertLeafAt(entries, 0, borrowed)
		} else {
			borrowed = siblingEntries[0]
			siblingEntries = siblingEntries[1:]
			entries = append(entries, borrowed)
		}
		writeLeafEntries(page, entries)
		writeLeafEntries(siblingPage, siblingEntries)
		if err := t.pager.WritePage(page); err != nil {
			return 0, err
		}
		if err := t.pager.WritePage(siblingPage); err != nil {
			return 0, err
		}
		var updatedSeparatorFor int
		var newKey []byte
		if isLeft {
			updatedSeparatorFor = siblingIdx
			newKey = entries[0].key
		} else {
			updatedSeparatorFor = frame.childIndex
			newKey = siblingEntries[0].key
		}
		parentEntries[updatedSeparatorFor].key = newKey
		writeInteriorEntries(parent, parentEntries, rightChild)
		if err := t.pager.WritePage(parent); err != nil {
			return 0, err
		}
		return root, nil
	}

	// Merge. The left-hand page absorbs the right-hand page's entries; the
	// right-hand page is freed and its separator dropped from the parent.
	var survivor, victim *pager.Page
	var survivorEntries []leafEntry
	var dropIdx int
	if isLeft {
		survivor, victim = siblingPage, page
		survivorEntries = append(siblingEntries, entries...)
		dropIdx = siblingIdx
	} else {
		survivor, victim = page, siblingPage
		survivorEntries = append(entries, siblingEntries...)
		dropIdx = frame.childIndex
	}
	writeLeafEntries(survivor, survivorEntries)
	if err := t.pager.WritePage(survivor); err != nil {
		return 0, err
	}
	if err := t.pager.FreePage(victim.Number()); err != nil {
		return 0, err
	}
	newParentEntries, newRightChild := dropChild(parentEntries, rightChild, dropIdx, survivor.Number())
	return t.collapseOrRebalanceInterior(path[:len(path)-1], root, parent, newParentEntries, newRightChild)
}

// pickSibling returns a left sibling when available, else the right one.
func pickSibling(childIndex, entryCount int) (siblingIdx int, isLeft bool) {
	if childIndex > 0 {
		return childIndex - 1, true
	}
	return childIndex + 1, false
}

func canBorrow(entries, siblingEntries []leafEntry, isLeft bool, usable int, threshold float64) bool {
	if len(siblingEntries) == 0 {
		return false
	}
	after := float64(leafEntriesSize(siblingEntries)-borrowCost(siblingEntries, isLeft)) / float64(usable)
	return after >= threshold && len(siblingEntries) > 1
}

func borrowCost(entries []leafEntry, isLeft bool) int {
	if isLeft {
		return len(buildLeafCell(entries[len(entries)-1])) + 2
	}
	return len(buildLeafCell(entries[0])) + 2
}

// dropChild collapses the two children adjacent to leftPos (the child at
// leftPos and the one immediately to its right, which may be rightChild)
// into the single survivor page, removing the separator between them.
// leftPos is the lower of the two merged children's positions in the
// 0..len(entries) child indexing (index len(entries) denotes rightChild).
func dropChild(entries []interiorEntry, rightChild uint32, leftPos int, survivor uint32) ([]interiorEntry, uint32) {
	newEntries := make([]interiorEntry, 0, len(entries)-1)
	newEntries = append(newEntries, entries[:leftPos]...)
	newEntries = append(newEntries, entries[leftPos+1:]...)
	if leftPos+1 == len(entries) {
		return newEntries, survivor
	}
	newEntries[leftPos].child = survivor
	return newEntries, rightChild
}

// collapseOrRebalanceInterior checks whether an interior page that just
// lost a child still meets the occupancy threshold, rebalances it with a
// sibling if not, and collapses the root if it now holds a single child.
func (t *BTree) collapseOrRebalanceInterior(path []pathFrame, root uint32, page *pager.Page, entries []interiorEntry, rightChild uint32) (uint32, error) {
	writeInteriorEntries(page, entries, rightChild)
	if err := t.pager.WritePage(page); err != nil {
		return 0, err
	}
	if len(path) == 0 {
		if len(entries) == 0 {
			// Root collapsed to a single child; promote it and free this
			// page, shrinking the tree height by one.
			if err := t.pager.FreePage(page.Number()); err != nil {
				return 0, err
			}
			return rightChild, nil
		}
		return root, nil
	}
	occupancy := float64(interiorEntriesSize(entries)) / float64(usableBody(t.pager))
	if occupancy >= t.rebalanceThreshold || len(entries) == 0 {
		return root, nil
	}
	return t.rebalanceInterior(path, root, page, entries, rightChild)
}

func (t *BTree) rebalanceInterior(path []pathFrame, root uint32, page *pager.Page, entries []interiorEntry, rightChild uint32) (uint32, error) {
	frame := path[len(path)-1]
	parent, err := t.pager.GetPage(frame.pageNumber)
	if err != nil {
		return 0, err
	}
	parentEntries := collectInteriorEntries(parent)
	parentRightChild := parent.RightChild()
	siblingIdx, isLeft := pickSibling(frame.childIndex, len(parentEntries))
	siblingPN := childAt(parentEntries, parentRightChild, siblingIdx)
	siblingPage, err := t.pager.GetPage(siblingPN)
	if err != nil {
		return 0, err
	}
	siblingEntries := collectInteriorEntries(siblingPage)
	siblingRightChild := siblingPage.RightChild()

	// Merge only; interior borrow is a correctness-neutral optimization
	// this implementation does not perform, matching the spec's allowance
	// that borrow vs merge policy is implementation-defined as long as the
	// threshold is eventually restored by escalation.
	var survivor *pager.Page
	var mergedEntries []interiorEntry
	var mergedRightChild uint32
	var dropIdx int
	var separatorKey []byte
	if isLeft {
		separatorKey = parentEntries[siblingIdx].key
		survivor = siblingPage
		mergedEntries = append(append([]interiorEntry{}, siblingEntries...), interiorEntry{key: separatorKey, child: siblingRightChild})
		mergedEntries = append(mergedEntries, entries...)
		mergedRightChild = rightChild
		dropIdx = siblingIdx
	} else {
		separatorKey = parentEntries[frame.childIndex].key
		survivor = page
		mergedEntries = append(append([]interiorEntry{}, entries...), interiorEntry{key: separatorKey, child: rightChild})
		mergedEntries = append(mergedEntries, siblingEntries...)
		mergedRightChild = siblingRightChild
		dropIdx = frame.childIndex
	}
	writeInteriorEntries(survivor, mergedEntries, mergedRightChild)
	if err := t.pager.WritePage(survivor); err != nil {
		return 0, err
	}
	if survivor.Number() != page.Number() {
		if err := t.pager.FreePage(page.Number()); err != nil {
			return 0, err
		}
	} else {
		if err := t.pager.FreePage(siblingPage.Number()); err != nil {
			return 0, err
		}
	}
	newParentEntries, newParentRightChild := dropChild(parentEntries, parentRightChild, dropIdx, survivor.Number())
	return t.collapseOrRebalanceInterior(path[:len(path)-1], root, parent, newParentEntries, newParentRightChild)
}

// Get looks up key and returns its record and whether it was found.
func (t *BTree) Get(root uint32, key []byte) ([]byte, bool, error) {
	pageNumber := root
	for {
		page, err := t.pager.GetPage(pageNumber)
		if err != nil {
			return nil, false, err
		}
		if page.IsLeaf() {
			entries := collectLeafEntries(page)
			idx, found := searchLeafEntries(entries, key)
			if !found {
				return nil, false, nil
			}
			return entries[idx].payload, true, nil
		}
		entries := collectInteriorEntries(page)
		idx := childIndexFor(entries, key)
		pageNumber = childAt(entries, page.RightChild(), idx)
	}
}

// pageTypeName is used by error messages when a page turns out not to be
// the expected type, e.g. a corrupted root pointer.
func pageTypeName(t byte) string {
	switch t {
	case pager.PageTypeLeaf:
		return "leaf"
	case pager.PageTypeInterior:
		return "interior"
	case pager.PageTypeFree:
		return "free"
	case pager.PageTypeMeta:
		return "meta"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}
