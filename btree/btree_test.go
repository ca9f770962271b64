package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirst/cdb/pager"
)

func newTestTree(t *testing.T, pageSize int, rebalanceThreshold float64) (*BTree, uint32) {
	t.Helper()
	pgr, err := pager.Open("", pager.Options{PageSize: pageSize})
	require.NoError(t, err)
	tree := New(pgr, rebalanceThreshold)
	root, err := tree.NewRoot()
	require.NoError(t, err)
	return tree, root
}

func key(i int) []byte { return []byte(fmt.Sprintf("key-%04d", i)) }
func val(i int) []byte { return []byte(fmt.Sprintf("value-%04d", i)) }

func TestInsertGetRoundTrip(t *testing.T) {
	tree, root := newTestTree(t, 4096, DefaultRebalanceThreshold)

	root, err := tree.Insert(root, key(1), val(1))
	require.NoError(t, err)
	root, err = tree.Insert(root, key(2), val(2))
	require.NoError(t, err)

	got, found, err := tree.Get(root, key(1))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, val(1), got)

	_, found, err = tree.Get(root, key(99))
	require.NoError(t, err)
	assert.False(t, found, "unknown key must not be found")
}

func TestInsertOverwritesExistingKey(t *testing.T) {
	tree, root := newTestTree(t, 4096, DefaultRebalanceThreshold)

	root, err := tree.Insert(root, key(1), val(1))
	require.NoError(t, err)
	root, err = tree.Insert(root, key(1), []byte("replacement"))
	require.NoError(t, err)

	got, found, err := tree.Get(root, key(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("replacement"), got)
}

// TestInsertSplitsLeafWhenFull uses a small page so a modest number of
// inserts overflows usableBody and forces splitLeafAndPropagate, and enough
// of them to also force splitInteriorAndPropagate one level up.
func TestInsertSplitsLeafWhenFull(t *testing.T) {
	tree, root := newTestTree(t, 256, DefaultRebalanceThreshold)

	const n = 200
	var err error
	for i := 0; i < n; i++ {
		root, err = tree.Insert(root, key(i), val(i))
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		got, found, err := tree.Get(root, key(i))
		require.NoError(t, err)
		require.Truef(t, found, "key %d should be found after splits", i)
		assert.Equal(t, val(i), got)
	}

	page, err := tree.pager.GetPage(root)
	require.NoError(t, err)
	assert.False(t, page.IsLeaf(), "root should have grown into an interior page after enough splits")
}

// TestCursorOrdersKeysAcrossSplitLeaves exercises SeekFirst/Next over a tree
// that has split, confirming the cursor climbs ancestor frames correctly
// rather than only working within a single leaf.
func TestCursorOrdersKeysAcrossSplitLeaves(t *testing.T) {
	tree, root := newTestTree(t, 256, DefaultRebalanceThreshold)

	const n = 150
	var err error
	for i := n - 1; i >= 0; i-- {
		root, err = tree.Insert(root, key(i), val(i))
		require.NoError(t, err)
	}

	cur, err := tree.SeekFirst(root)
	require.NoError(t, err)
	count := 0
	for cur.Valid() {
		k, err := cur.Key()
		require.NoError(t, err)
		assert.Equal(t, key(count), k)
		require.NoError(t, cur.Next())
		count++
	}
	assert.Equal(t, n, count)
}

func TestDeleteNotFoundReportsFalse(t *testing.T) {
	tree, root := newTestTree(t, 4096, DefaultRebalanceThreshold)
	root, err := tree.Insert(root, key(1), val(1))
	require.NoError(t, err)

	_, found, err := tree.Delete(root, key(404))
	require.NoError(t, err)
	assert.False(t, found)
}

// TestDeleteBorrowsFromSibling fills ten leaves of six entries each, merges
// the first two into one eleven-entry leaf, then deletes from the third leaf
// so that it crosses the rebalance threshold next to that full sibling and
// rebalanceLeaf takes its borrow path rather than a merge.
func TestDeleteBorrowsFromSibling(t *testing.T) {
	tree, root := newTestTree(t, 256, DefaultRebalanceThreshold)

	const n = 60
	var err error
	for i := 0; i < n; i++ {
		root, err = tree.Insert(root, key(i), val(i))
		require.NoError(t, err)
	}

	// Deleting key 6 leaves its leaf with five entries next to a six-entry
	// sibling, so the two merge into one leaf of eleven. Deleting key 12
	// then leaves its leaf with five entries next to that eleven-entry
	// sibling, which lends it a key. The rest of the lowest keys follow in
	// ascending order.
	order := []int{6, 12}
	for i := 0; i < n-4; i++ {
		if i != 6 && i != 12 {
			order = append(order, i)
		}
	}
	deleted := 0
	for _, i := range order {
		var found bool
		root, found, err = tree.Delete(root, key(i))
		require.NoError(t, err)
		require.True(t, found)
		deleted++
	}

	for i := 0; i < deleted; i++ {
		_, found, err := tree.Get(root, key(i))
		require.NoError(t, err)
		assert.Falsef(t, found, "key %d should have been deleted", i)
	}
	for i := deleted; i < n; i++ {
		got, found, err := tree.Get(root, key(i))
		require.NoError(t, err)
		require.Truef(t, found, "key %d should survive rebalancing", i)
		assert.Equal(t, val(i), got)
	}
}

// TestDeleteMergesAndCollapsesRoot deletes every key from a tree that has
// split into multiple levels, driving rebalanceLeaf's merge path and
// collapseOrRebalanceInterior's root-collapse all the way back down to a
// single empty leaf root.
func TestDeleteMergesAndCollapsesRoot(t *testing.T) {
	tree, root := newTestTree(t, 256, DefaultRebalanceThreshold)

	const n = 120
	var err error
	for i := 0; i < n; i++ {
		root, err = tree.Insert(root, key(i), val(i))
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		var found bool
		root, found, err = tree.Delete(root, key(i))
		require.NoError(t, err)
		require.Truef(t, found, "key %d should be deletable", i)
	}

	page, err := tree.pager.GetPage(root)
	require.NoError(t, err)
	assert.True(t, page.IsLeaf(), "root should collapse back to a single leaf once emptied")
	assert.Equal(t, 0, page.CellCount())

	_, found, err := tree.Get(root, key(0))
	require.NoError(t, err)
	assert.False(t, found)
}
