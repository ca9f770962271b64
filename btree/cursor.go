package btree

// ancestorFrame records one interior page on the path from the root to the
// cursor's current leaf, and which child the cursor is presently inside, so
// Next can climb back up to find the next sibling subtree.
type ancestorFrame struct {
	pageNumber uint32
	childIndex int
	childCount int
}

// Cursor provides ordered, forward-only iteration over a tree's leaves.
// Cursors are invalidated by any insert or delete against the same tree and
// must be re-seeked after one.
type Cursor struct {
	tree       *BTree
	root       uint32
	leafPN     uint32
	index      int
	cellCount  int
	ancestors  []ancestorFrame
	ok         bool
}

// SeekFirst positions a new cursor at the first key in the tree rooted at
// root. If the tree is empty, the cursor is left invalid.
func (t *BTree) SeekFirst(root uint32) (*Cursor, error) {
	c := &Cursor{tree: t, root: root}
	if err := c.descendLeftmost(root); err != nil {
		return nil, err
	}
	return c, nil
}

// Seek positions a new cursor at the first key greater than or equal to
// key. Valid() reports false if every key in the tree is less than key.
func (t *BTree) Seek(root uint32, key []byte) (*Cursor, error) {
	c := &Cursor{tree: t, root: root}
	pageNumber := root
	for {
		page, err := t.pager.GetPage(pageNumber)
		if err != nil {
			return nil, err
		}
		if page.IsLeaf() {
			entries := collectLeafEntries(page)
			idx, _ := searchLeafEntries(entries, key)
			c.leafPN = pageNumber
			c.index = idx
			c.cellCount = len(entries)
			c.ok = idx < len(entries)
			if !c.ok {
				if err := c.advancePastLeaf(); err != nil {
					return nil, err
				}
			}
			return c, nil
		}
		entries := collectInteriorEntries(page)
		idx := childIndexFor(entries, key)
		c.ancestors = append(c.ancestors, ancestorFrame{
			pageNumber: pageNumber,
			childIndex: idx,
			childCount: len(entries) + 1,
		})
		pageNumber = childAt(entries, page.RightChild(), idx)
	}
}

// SeekLast positions a new cursor at the last key in the tree rooted at
// root, descending the rightmost path directly rather than scanning.
func (t *BTree) SeekLast(root uint32) (*Cursor, error) {
	c := &Cursor{tree: t, root: root}
	pageNumber := root
	for {
		page, err := t.pager.GetPage(pageNumber)
		if err != nil {
			return nil, err
		}
		if page.IsLeaf() {
			c.leafPN = pageNumber
			c.cellCount = page.CellCount()
			c.index = c.cellCount - 1
			c.ok = c.cellCount > 0
			return c, nil
		}
		// The rightmost child has no ancestor frame pushed for it since a
		// cursor parked on the last key never needs to climb further
		// right; Next on this cursor is only ever used to discover there
		// is nothing more.
		pageNumber = page.RightChild()
	}
}

func (c *Cursor) descendLeftmost(pageNumber uint32) error {
	for {
		page, err := c.tree.pager.GetPage(pageNumber)
		if err != nil {
			return err
		}
		if page.IsLeaf() {
			c.leafPN = pageNumber
			c.index = 0
			c.cellCount = page.CellCount()
			c.ok = c.cellCount > 0
			return nil
		}
		c.ancestors = append(c.ancestors, ancestorFrame{
			pageNumber: pageNumber,
			childIndex: 0,
			childCount: page.CellCount() + 1,
		})
		entries := collectInteriorEntries(page)
		pageNumber = childAt(entries, page.RightChild(), 0)
	}
}

// Valid reports whether the cursor currently points at a record.
func (c *Cursor) Valid() bool { return c.ok }

// Root returns the root page number of the table this cursor scans.
func (c *Cursor) Root() uint32 { return c.root }

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() ([]byte, error) {
	page, err := c.tree.pager.GetPage(c.leafPN)
	if err != nil {
		return nil, err
	}
	return parseLeafCell(page.CellBytes(c.index)).key, nil
}

// Record returns the record bytes at the cursor's current position.
func (c *Cursor) Record() ([]byte, error) {
	page, err := c.tree.pager.GetPage(c.leafPN)
	if err != nil {
		return nil, err
	}
	return parseLeafCell(page.CellBytes(c.index)).payload, nil
}

// Next advances the cursor to the next key in order. Calling Next when the
// cursor is already invalid is a no-op.
func (c *Cursor) Next() error {
	if !c.ok {
		return nil
	}
	c.index++
	if c.index < c.cellCount {
		return nil
	}
	return c.advancePastLeaf()
}

// advancePastLeaf climbs the recorded ancestor path to find the next
// sibling subtree once the current leaf is exhausted, descending leftmost
// into it. Leaves the cursor invalid if no sibling remains anywhere on the
// path.
func (c *Cursor) advancePastLeaf() error {
	for len(c.ancestors) > 0 {
		top := &c.ancestors[len(c.ancestors)-1]
		top.childIndex++
		if top.childIndex < top.childCount {
			page, err := c.tree.pager.GetPage(top.pageNumber)
			if err != nil {
				return err
			}
			entries := collectInteriorEntries(page)
			next := childAt(entries, page.RightChild(), top.childIndex)
			return c.descendLeftmost(next)
		}
		c.ancestors = c.ancestors[:len(c.ancestors)-1]
	}
	c.ok = false
	return nil
}
