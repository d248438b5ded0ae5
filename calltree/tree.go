// Package calltree implements the Call Tree (spec §4.6, C6): a tree of
// allocation call sites for classes under investigation, keyed by a
// stringified frame ("path:line[ in label]"), with both a total (all-time)
// and a retained (currently-live) count per node.
//
// Grounded in the teacher's pkg/storage/tree package: a mutex-protected
// tree walked and mutated under lock, with child lookup keyed by a hashed
// string (cespare/xxhash/v2, as in pkg/compactionworker/worker.go) rather
// than a plain string key, since frame keys are rebuilt on every Record
// call and hashing once up front avoids repeated string comparisons during
// the walk.
package calltree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/retainwatch/retainwatch/runtimeadapter"
)

// By selects the metric top_paths/hotspots sort and compare against.
type By int

const (
	ByTotal By = iota
	ByRetained
)

// frameKey renders a Frame the way spec §4.6 requires: "path:line[ in
// label]".
func frameKey(f runtimeadapter.Frame) string {
	if f.Label == "" {
		return fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	return fmt.Sprintf("%s:%d in %s", f.File, f.Line, f.Label)
}

// Node is one call-tree node. Total is permanent history; Retained shrinks
// as FREE events decrement_path.
type Node struct {
	frame    runtimeadapter.Frame
	key      string
	parent   *Node
	children map[uint64]*Node

	Total    uint64
	Retained uint64

	tree *Tree
}

// Frame returns the frame this node represents.
func (n *Node) Frame() runtimeadapter.Frame { return n.frame }

// DecrementPath walks from n to the root, decrementing Retained by one on
// every node along the way. Total is never touched (spec §4.6).
func (n *Node) DecrementPath() {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	for cur := n; cur != nil; cur = cur.parent {
		if cur.Retained > 0 {
			cur.Retained--
		}
	}
}

// Tree is the Call Tree itself. The zero value is not usable; use New.
type Tree struct {
	mu             sync.RWMutex
	root           *Node
	insertionCount uint64
}

func New() *Tree {
	t := &Tree{}
	t.root = t.newNode(runtimeadapter.Frame{Label: "root"}, nil)
	return t
}

func (t *Tree) newNode(f runtimeadapter.Frame, parent *Node) *Node {
	return &Node{frame: f, key: frameKey(f), parent: parent, tree: t}
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// TotalAllocations returns the root's Total: every allocation ever
// recorded through this tree.
func (t *Tree) TotalAllocations() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.Total
}

// RetainedAllocations returns the root's Retained: currently-live
// allocations attributed to this tree.
func (t *Tree) RetainedAllocations() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.Retained
}

// InsertionCount returns the number of Record calls since the last Clear or
// ResetInsertionCount (used by the Sampler to decide when to run a pruning
// pass).
func (t *Tree) InsertionCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.insertionCount
}

// Record walks from the root creating any missing children for frames
// (ordered outer-to-inner, root call first), incrementing Total and
// Retained by one on every node along the path, and returns the deepest
// node (spec §4.6).
func (t *Tree) Record(frames []runtimeadapter.Frame) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	cur.Total++
	cur.Retained++
	for _, f := range frames {
		key := frameKeyHash(f)
		if cur.children == nil {
			cur.children = make(map[uint64]*Node)
		}
		child, ok := cur.children[key]
		if !ok {
			child = t.newNode(f, cur)
			cur.children[key] = child
		}
		child.Total++
		child.Retained++
		cur = child
	}
	t.insertionCount++
	return cur
}

func frameKeyHash(f runtimeadapter.Frame) uint64 {
	return xxhash.Sum64String(frameKey(f))
}

// ResetInsertionCount zeroes InsertionCount without touching the tree's
// nodes, letting the Sampler re-arm its prune trigger after a Prune pass
// without discarding the tree it just pruned (spec §4.7 "Pruning").
func (t *Tree) ResetInsertionCount() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertionCount = 0
}

// Clear replaces the root with a fresh node and resets InsertionCount.
func (t *Tree) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = t.newNode(runtimeadapter.Frame{Label: "root"}, nil)
	t.insertionCount = 0
}

// leafPath is one root-to-leaf path plus the metric value collected at the
// leaf.
type leafPath struct {
	frames []runtimeadapter.Frame
	total  uint64
	retained uint64
}

func (t *Tree) collectLeafPaths() []leafPath {
	var out []leafPath
	var walk func(n *Node, prefix []runtimeadapter.Frame)
	walk = func(n *Node, prefix []runtimeadapter.Frame) {
		if len(n.children) == 0 {
			if n != t.root {
				out = append(out, leafPath{frames: append([]runtimeadapter.Frame(nil), prefix...), total: n.Total, retained: n.Retained})
			}
			return
		}
		for _, c := range n.children {
			walk(c, append(prefix, c.frame))
		}
	}
	walk(t.root, nil)
	return out
}

// TopPaths ranks root-to-leaf paths descending by the chosen metric (spec
// §4.6) and returns the leaf frame of each of the first limit paths. The
// frames leading to each leaf are not returned, and the order of paths with
// equal metric values is not defined.
func (t *Tree) TopPaths(limit int, by By) []runtimeadapter.Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := t.collectLeafPaths()
	metric := func(p leafPath) uint64 {
		if by == ByRetained {
			return p.retained
		}
		return p.total
	}
	slices.SortFunc(paths, func(a, b leafPath) int {
		switch {
		case metric(a) > metric(b):
			return -1
		case metric(a) < metric(b):
			return 1
		default:
			return 0
		}
	})
	if limit > 0 && limit < len(paths) {
		paths = paths[:limit]
	}
	out := make([]runtimeadapter.Frame, 0, len(paths))
	for _, p := range paths {
		if len(p.frames) == 0 {
			continue
		}
		out = append(out, p.frames[len(p.frames)-1])
	}
	return out
}

// FrameCount pairs a frame with its aggregated count across every
// occurrence in the tree.
type FrameCount struct {
	Frame runtimeadapter.Frame
	Count uint64
}

// Hotspots sums per-frame counts across every occurrence in the tree and
// returns the top limit frames by the chosen metric (spec §4.6), using
// samber/lo to group and fold occurrences the way the teacher's heavier
// aggregation paths do.
func (t *Tree) Hotspots(limit int, by By) []FrameCount {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var occurrences []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n != t.root {
			occurrences = append(occurrences, n)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)

	grouped := lo.GroupBy(occurrences, func(n *Node) string { return n.key })
	counts := lo.MapToSlice(grouped, func(_ string, nodes []*Node) FrameCount {
		var fc FrameCount
		fc.Frame = nodes[0].frame
		for _, n := range nodes {
			if by == ByRetained {
				fc.Count += n.Retained
			} else {
				fc.Count += n.Total
			}
		}
		return fc
	})

	sort.Slice(counts, func(i, j int) bool { return counts[i].Count > counts[j].Count })
	if limit > 0 && limit < len(counts) {
		counts = counts[:limit]
	}
	return counts
}

// Prune walks every internal node with more than limit children, keeping
// only the limit children with the largest Retained counts and detaching
// the rest (clearing their parent/children references so the host
// collector can reclaim them). It returns the total number of nodes
// detached, counting every node in a detached subtree (spec §4.6).
func (t *Tree) Prune(limit int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 {
		return 0
	}
	return pruneNode(t.root, limit)
}

func pruneNode(n *Node, limit int) int {
	detached := 0
	if len(n.children) > limit {
		kept := make([]*Node, 0, len(n.children))
		for _, c := range n.children {
			kept = append(kept, c)
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i].Retained > kept[j].Retained })
		survivors := kept[:limit]
		victims := kept[limit:]

		newChildren := make(map[uint64]*Node, limit)
		for _, c := range survivors {
			newChildren[frameKeyHash(c.frame)] = c
		}
		n.children = newChildren

		for _, v := range victims {
			detached += countSubtree(v)
			v.parent = nil
			v.children = nil
		}
	}
	for _, c := range n.children {
		detached += pruneNode(c, limit)
	}
	return detached
}

func countSubtree(n *Node) int {
	count := 1
	for _, c := range n.children {
		count += countSubtree(c)
	}
	return count
}
