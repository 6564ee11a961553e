package search

import (
	"math"
	"runtime"
	"sync/atomic"

	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
)

// Children arrays grow through fixed capacity tiers so that a published
// slot is never moved. Readers iterate the current tier's array and stop at
// the first unallocated slot.
const (
	childrenTier0Cap = 8
	childrenTier1Cap = 64
)

// atomicFloat64 is a float64 readable and writable with release/acquire
// semantics. Readers of node stats may see a slightly stale mix of fields
// but never a torn scalar.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (f *atomicFloat64) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat64) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// NodeStats aggregates the playout contributions that flowed through a
// node. All value fields are weighted means from the white-positive
// perspective. Visits counts playouts; WeightSum may differ from visits
// under uncertainty weighting.
type NodeStats struct {
	Visits           atomic.Int64
	WinLossValueAvg  atomicFloat64
	NoResultValueAvg atomicFloat64
	UtilityAvg       atomicFloat64
	UtilitySqAvg     atomicFloat64
	WeightSum        atomicFloat64
	WeightSqSum      atomicFloat64
}

// NodeStatsSnapshot is a plain-value copy of a node's stats, taken field by
// field. Concurrent updates may leave the fields mutually slightly stale.
type NodeStatsSnapshot struct {
	Visits           int64
	WinLossValueAvg  float64
	NoResultValueAvg float64
	UtilityAvg       float64
	UtilitySqAvg     float64
	WeightSum        float64
	WeightSqSum      float64
}

func (s *NodeStats) Snapshot() NodeStatsSnapshot {
	return NodeStatsSnapshot{
		Visits:           s.Visits.Load(),
		WinLossValueAvg:  s.WinLossValueAvg.Load(),
		NoResultValueAvg: s.NoResultValueAvg.Load(),
		UtilityAvg:       s.UtilityAvg.Load(),
		UtilitySqAvg:     s.UtilitySqAvg.Load(),
		WeightSum:        s.WeightSum.Load(),
		WeightSqSum:      s.WeightSqSum.Load(),
	}
}

// ChildWeight apportions the child node's weight to one parent edge. Under
// graph search a child reached through several parents splits its weight in
// proportion to each edge's visits.
func (s NodeStatsSnapshot) ChildWeight(edgeVisits int64) float64 {
	if s.Visits <= 0 {
		return 0
	}
	return s.WeightSum * float64(edgeVisits) / float64(s.Visits)
}

// SearchChildPointer is one slot of a node's children array. The move is
// stored after the child pointer so that a reader observing a non-null move
// is guaranteed a fully published edge. EdgeVisits counts traversals of
// this edge, which under graph search can lag the child's own visit count.
type SearchChildPointer struct {
	child      atomic.Pointer[SearchNode]
	moveLoc    atomic.Int32
	edgeVisits atomic.Int64
}

func (c *SearchChildPointer) init() {
	c.moveLoc.Store(int32(common.NullLoc))
}

// Child returns the child node, or nil if the slot is unallocated.
func (c *SearchChildPointer) Child() *SearchNode {
	return c.child.Load()
}

// MoveLoc returns the edge's move, or NullLoc if the slot is unallocated.
func (c *SearchChildPointer) MoveLoc() common.Loc {
	return common.Loc(c.moveLoc.Load())
}

func (c *SearchChildPointer) EdgeVisits() int64 {
	return c.edgeVisits.Load()
}

func (c *SearchChildPointer) addEdgeVisits(n int64) {
	c.edgeVisits.Add(n)
}

// publish installs the edge: child pointer first, then the move, in that
// order, so the move acts as the validity flag for readers.
func (c *SearchChildPointer) publish(child *SearchNode, loc common.Loc) {
	c.child.Store(child)
	c.moveLoc.Store(int32(loc))
}

// SearchNode is one game state in the shared tree or graph. Nodes are
// created unexpanded; the NN output is written exactly once, after which the
// node may be selected through. Under graph search a node can be the child
// of several parents.
type SearchNode struct {
	// NextPla is the player to move at this node. Immutable.
	NextPla common.Player

	// Hash identifies the position, used for node-table lookup and for
	// picking an allocation mutex. Immutable.
	Hash common.Hash128

	nnOutput atomic.Pointer[nneval.NNOutput]

	// Three capacity tiers; tier i is non-nil only after tier i-1 filled.
	// currentTier publishes which tier writers are appending to.
	children    [3]atomic.Pointer[[]SearchChildPointer]
	currentTier atomic.Int32

	// statsLock is a single-owner spin flag guarding composite stats
	// publication. Readers do not take it.
	statsLock atomic.Bool

	stats NodeStats

	// dirtyCounter counts pending backup contributions awaiting
	// aggregation. The thread that moves it from 0 to 1 recomputes.
	dirtyCounter atomic.Int32

	virtualLosses atomicFloat64
}

func newSearchNode(pla common.Player, hash common.Hash128) *SearchNode {
	return &SearchNode{NextPla: pla, Hash: hash}
}

// NNOutput returns the node's evaluation, or nil while unexpanded. A
// non-nil result implies the node is safe to select through.
func (n *SearchNode) NNOutput() *nneval.NNOutput {
	return n.nnOutput.Load()
}

// storeNNOutputIfNew installs the evaluation exactly once. Reports whether
// this call was the one that installed it.
func (n *SearchNode) storeNNOutputIfNew(out *nneval.NNOutput) bool {
	return n.nnOutput.CompareAndSwap(nil, out)
}

func (n *SearchNode) Stats() *NodeStats {
	return &n.stats
}

func (n *SearchNode) addVirtualLosses(amount float64) {
	for {
		old := n.virtualLosses.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + amount)
		if n.virtualLosses.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (n *SearchNode) VirtualLosses() float64 {
	return n.virtualLosses.Load()
}

func (n *SearchNode) lockStats() {
	for !n.statsLock.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (n *SearchNode) unlockStats() {
	n.statsLock.Store(false)
}

func tierCap(tier int32, fullWidth int) int {
	switch tier {
	case 0:
		return childrenTier0Cap
	case 1:
		return childrenTier1Cap
	default:
		return fullWidth
	}
}

// Children returns the current children array and its capacity. Lock-free;
// iteration terminates at the first slot whose move is NullLoc.
func (n *SearchNode) Children() ([]SearchChildPointer, int) {
	tier := n.currentTier.Load()
	arr := n.children[tier].Load()
	if arr == nil {
		return nil, 0
	}
	return *arr, len(*arr)
}

// NumChildren counts allocated child edges.
func (n *SearchNode) NumChildren() int {
	children, _ := n.Children()
	for i := range children {
		if children[i].MoveLoc() == common.NullLoc {
			return i
		}
	}
	return len(children)
}

// appendChild installs a new edge under the allocation mutex held by the
// caller. Grows to the next capacity tier when the current one is full,
// copying slots field by field; old arrays stay valid for readers already
// holding them. fullWidth bounds the final tier.
func (n *SearchNode) appendChild(child *SearchNode, loc common.Loc, fullWidth int) {
	tier := n.currentTier.Load()
	arr := n.children[tier].Load()
	if arr == nil {
		fresh := makeChildrenArray(tierCap(0, fullWidth))
		n.children[0].Store(&fresh)
		arr = &fresh
	}

	idx := 0
	for idx < len(*arr) && (*arr)[idx].MoveLoc() != common.NullLoc {
		idx++
	}
	if idx < len(*arr) {
		(*arr)[idx].publish(child, loc)
		return
	}

	// Current tier is full; copy into the next one and publish it.
	next := tier + 1
	grown := makeChildrenArray(max(tierCap(next, fullWidth), len(*arr)+1))
	for i := range *arr {
		old := &(*arr)[i]
		grown[i].child.Store(old.child.Load())
		grown[i].edgeVisits.Store(old.edgeVisits.Load())
		grown[i].moveLoc.Store(old.moveLoc.Load())
	}
	grown[len(*arr)].publish(child, loc)
	n.children[next].Store(&grown)
	n.currentTier.Store(next)
}

func makeChildrenArray(capacity int) []SearchChildPointer {
	arr := make([]SearchChildPointer, capacity)
	for i := range arr {
		arr[i].init()
	}
	return arr
}

// findChild returns the edge for loc, or nil.
func (n *SearchNode) findChild(loc common.Loc) *SearchChildPointer {
	children, _ := n.Children()
	for i := range children {
		m := children[i].MoveLoc()
		if m == common.NullLoc {
			return nil
		}
		if m == loc {
			return &children[i]
		}
	}
	return nil
}
