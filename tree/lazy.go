package tree

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// memory tracks the nodes of a lazy tree that hold cached children so they
// can be released together.
type memory struct {
	nodes    mapset.Set[*Node]
	released int
	disposes int
}

func newMemory() *memory {
	return &memory{nodes: mapset.NewThreadUnsafeSet[*Node]()}
}

func (m *memory) track(n *Node) {
	m.nodes.Add(n)
}

// dispose releases every cached child. Calling it again is harmless: nothing
// is cached until the next access rebuilds it.
func (m *memory) dispose() {
	m.disposes++
	for _, n := range m.nodes.ToSlice() {
		m.released += n.release()
	}
	m.nodes.Clear()
}

// MemoryStats describes the lazy cache of a tree.
type MemoryStats struct {
	CachedNodes int
	Released    int
	Disposals   int
}

func (m *memory) stats() MemoryStats {
	return MemoryStats{
		CachedNodes: m.nodes.Cardinality(),
		Released:    m.released,
		Disposals:   m.disposes,
	}
}
