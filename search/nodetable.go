package search

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash"

	"github.com/quetzal-engine/quetzal/common"
)

// nodeTableKey identifies a canonical graph-search node: the position hash
// (which covers the board, any path-dependent repetition context, and the
// rules), plus the player to move.
type nodeTableKey struct {
	hash common.Hash128
	pla  common.Player
}

func (k nodeTableKey) shardIndex(mask uint64) uint64 {
	var buf [17]byte
	binary.LittleEndian.PutUint64(buf[0:], k.hash.Hi)
	binary.LittleEndian.PutUint64(buf[8:], k.hash.Lo)
	buf[16] = byte(k.pla)
	return xxhash.Sum64(buf[:]) & mask
}

type nodeTableShard struct {
	mu    sync.Mutex
	nodes map[nodeTableKey]*SearchNode
}

// NodeTable deduplicates graph-search nodes by position key so that
// transposing move orders share a single node. Lookups of existing entries
// are a single map read under a short-held shard mutex; insertion races
// resolve to one canonical node per key.
type NodeTable struct {
	shards []nodeTableShard
	mask   uint64
}

// NewNodeTable creates a table with 2^shardsPowerOfTwo shards.
func NewNodeTable(shardsPowerOfTwo int) *NodeTable {
	n := 1 << shardsPowerOfTwo
	t := &NodeTable{
		shards: make([]nodeTableShard, n),
		mask:   uint64(n - 1),
	}
	for i := range t.shards {
		t.shards[i].nodes = make(map[nodeTableKey]*SearchNode)
	}
	return t
}

// GetOrCreate returns the canonical node for the key, creating it if
// absent. Reports whether this call created the node.
func (t *NodeTable) GetOrCreate(hash common.Hash128, pla common.Player) (*SearchNode, bool) {
	key := nodeTableKey{hash: hash, pla: pla}
	shard := &t.shards[key.shardIndex(t.mask)]
	shard.mu.Lock()
	if node, ok := shard.nodes[key]; ok {
		shard.mu.Unlock()
		return node, false
	}
	node := newSearchNode(pla, hash)
	shard.nodes[key] = node
	shard.mu.Unlock()
	return node, true
}

// PutIfAbsent inserts the node under its own key, returning the canonical
// node for that key (the existing one if the key was already present).
func (t *NodeTable) PutIfAbsent(node *SearchNode) *SearchNode {
	key := nodeTableKey{hash: node.Hash, pla: node.NextPla}
	shard := &t.shards[key.shardIndex(t.mask)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.nodes[key]; ok {
		return existing
	}
	shard.nodes[key] = node
	return node
}

// Clear drops every entry. Called only while no workers are active.
func (t *NodeTable) Clear() {
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		shard.nodes = make(map[nodeTableKey]*SearchNode)
		shard.mu.Unlock()
	}
}

// NumNodes counts entries across all shards.
func (t *NodeTable) NumNodes() int {
	total := 0
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		total += len(shard.nodes)
		shard.mu.Unlock()
	}
	return total
}
