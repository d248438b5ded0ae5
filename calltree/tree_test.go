package calltree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retainwatch/retainwatch/runtimeadapter"
)

func frames(pairs ...string) []runtimeadapter.Frame {
	out := make([]runtimeadapter.Frame, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, runtimeadapter.Frame{File: p, Line: 1})
	}
	return out
}

func TestRecordBuildsSharedPrefixAndCountsTotals(t *testing.T) {
	tree := New()
	a := tree.Record(frames("a.go", "b.go"))
	require.NotNil(t, a)
	b := tree.Record(frames("a.go", "c.go"))
	require.NotNil(t, b)

	assert.Equal(t, uint64(2), tree.TotalAllocations())
	assert.Equal(t, uint64(2), tree.RetainedAllocations())
	assert.Equal(t, uint64(2), tree.Root().Total, "root should accumulate both allocations")
	assert.Equal(t, uint64(1), a.Total)
	assert.Equal(t, uint64(1), b.Total)
	assert.Equal(t, uint64(2), tree.InsertionCount())
}

// TestDecrementPathRestoresRetainedWithoutTouchingTotal covers spec §8
// property 4: decrement_path walks a leaf back to the
// root decrementing Retained at every node, while Total never moves.
func TestDecrementPathRestoresRetainedWithoutTouchingTotal(t *testing.T) {
	tree := New()
	leaf := tree.Record(frames("a.go", "b.go", "c.go"))
	require.NotNil(t, leaf)

	totalBefore := tree.TotalAllocations()
	leaf.DecrementPath()

	assert.Equal(t, totalBefore, tree.TotalAllocations(), "Total must be untouched by decrement_path")
	assert.Equal(t, uint64(0), tree.RetainedAllocations())
	assert.Equal(t, uint64(0), leaf.Retained)
	assert.Equal(t, uint64(1), leaf.Total)
}

func TestDecrementPathNeverUnderflowsBelowZero(t *testing.T) {
	tree := New()
	leaf := tree.Record(frames("a.go"))
	leaf.DecrementPath()
	leaf.DecrementPath()

	assert.Equal(t, uint64(0), tree.RetainedAllocations())
	assert.Equal(t, uint64(1), tree.TotalAllocations())
}

// TestPruneBoundsChildrenAndPreservesTotal covers spec §8 property 5:
// prune(limit) caps each node's children at limit,
// keeping the highest-retained survivors, while Total (the tree's all-time
// count) is unaffected by detaching subtrees.
func TestPruneBoundsChildrenAndPreservesTotal(t *testing.T) {
	tree := New()
	tree.Record(frames("a.go", "hot.go"))
	tree.Record(frames("a.go", "hot.go"))
	tree.Record(frames("a.go", "hot.go"))
	tree.Record(frames("a.go", "warm.go"))
	tree.Record(frames("a.go", "warm.go"))
	tree.Record(frames("a.go", "cold.go"))

	totalBefore := tree.TotalAllocations()
	detached := tree.Prune(2)

	assert.Greater(t, detached, 0)
	assert.Equal(t, totalBefore, tree.TotalAllocations(), "Prune must not change the root's Total")

	root := tree.Root()
	a := root.children[frameKeyHash(runtimeadapter.Frame{File: "a.go", Line: 1})]
	require.NotNil(t, a)
	assert.LessOrEqual(t, len(a.children), 2, "prune(limit) must bound each node to at most limit children")

	hot := a.children[frameKeyHash(runtimeadapter.Frame{File: "hot.go", Line: 1})]
	require.NotNil(t, hot, "the highest-retained child must survive pruning")
	assert.Equal(t, uint64(3), hot.Retained)
}

func TestPruneWithNonPositiveLimitDetachesNothing(t *testing.T) {
	tree := New()
	tree.Record(frames("a.go", "b.go"))
	tree.Record(frames("a.go", "c.go"))

	assert.Equal(t, 0, tree.Prune(0))
	assert.Equal(t, 0, tree.Prune(-1))
}

func TestTopPathsSortsByRequestedMetric(t *testing.T) {
	tree := New()
	tree.Record(frames("a.go", "hot.go"))
	tree.Record(frames("a.go", "hot.go"))
	tree.Record(frames("a.go", "hot.go"))
	tree.Record(frames("a.go", "cold.go"))
	leaf := tree.Record(frames("a.go", "cold.go"))
	leaf.DecrementPath()

	byTotal := tree.TopPaths(1, ByTotal)
	require.Len(t, byTotal, 1)
	assert.Equal(t, "hot.go", byTotal[0].File)

	byRetained := tree.TopPaths(1, ByRetained)
	require.Len(t, byRetained, 1)
	assert.Equal(t, "hot.go", byRetained[0].File)
}

func TestHotspotsAggregatesAcrossOccurrences(t *testing.T) {
	tree := New()
	tree.Record(frames("a.go", "shared.go"))
	tree.Record(frames("b.go", "shared.go"))

	hotspots := tree.Hotspots(5, ByTotal)
	var sharedCount uint64
	for _, h := range hotspots {
		if h.Frame.File == "shared.go" {
			sharedCount = h.Count
		}
	}
	assert.Equal(t, uint64(2), sharedCount, "shared.go occurs under two different parents and should be aggregated")
}

func TestResetInsertionCountLeavesTreeIntact(t *testing.T) {
	tree := New()
	tree.Record(frames("a.go"))
	tree.Record(frames("a.go"))

	tree.ResetInsertionCount()

	assert.Equal(t, uint64(0), tree.InsertionCount())
	assert.Equal(t, uint64(2), tree.TotalAllocations(), "ResetInsertionCount must not clear recorded data")
}

func TestClearResetsTreeAndInsertionCount(t *testing.T) {
	tree := New()
	tree.Record(frames("a.go"))

	tree.Clear()

	assert.Equal(t, uint64(0), tree.InsertionCount())
	assert.Equal(t, uint64(0), tree.TotalAllocations())
}
