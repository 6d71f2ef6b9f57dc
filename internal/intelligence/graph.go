package intelligence

import (
	"sort"
	"sync"
	"time"
)

// Node is a knowledge graph vertex.
type Node struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Label      string            `json:"label"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Optimistic bool              `json:"optimistic"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Edge is a knowledge graph relation.
type Edge struct {
	From         string   `json:"from"`
	To           string   `json:"to"`
	Relation     string   `json:"relation"`
	Weight       float64  `json:"weight"`
	Directional  bool     `json:"directional"`
	ToneModifier *float64 `json:"tone_modifier,omitempty"`
	Optimistic   bool     `json:"optimistic"`
}

// Snapshot is a point-in-time copy of the graph.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Counts tallies nodes by confirmation state.
func (s Snapshot) Counts() (confirmed, optimistic int) {
	for _, n := range s.Nodes {
		if n.Optimistic {
			optimistic++
		} else {
			confirmed++
		}
	}
	return confirmed, optimistic
}

// Graph holds nodes keyed by id and an ordered edge list. Entries move from
// optimistic to confirmed only through ConfirmAll and leave only through Rollback.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges []Edge
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// UpsertNode inserts n or merges it into an existing node. A confirmed write
// confirms an optimistic node; an optimistic write never demotes a confirmed one.
func (g *Graph) UpsertNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.nodes[n.ID]
	if !ok {
		cp := n
		if n.Metadata != nil {
			cp.Metadata = cloneMeta(n.Metadata)
		}
		g.nodes[n.ID] = &cp
		return
	}
	if n.Type != "" {
		existing.Type = n.Type
	}
	if n.Label != "" {
		existing.Label = n.Label
	}
	for k, v := range n.Metadata {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]string)
		}
		existing.Metadata[k] = v
	}
	if !n.Optimistic {
		existing.Optimistic = false
	}
}

// Touch inserts n when absent. An existing node keeps its attributes and is
// only confirmed when n is confirmed.
func (g *Graph) Touch(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.nodes[n.ID]; ok {
		if !n.Optimistic {
			existing.Optimistic = false
		}
		return
	}
	cp := n
	cp.Metadata = cloneMeta(n.Metadata)
	g.nodes[n.ID] = &cp
}

// AddEdge appends e.
func (g *Graph) AddEdge(e Edge) {
	g.mu.Lock()
	g.edges = append(g.edges, e)
	g.mu.Unlock()
}

// ConfirmAll flips every optimistic entry to confirmed and returns how many changed.
func (g *Graph) ConfirmAll() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, node := range g.nodes {
		if node.Optimistic {
			node.Optimistic = false
			n++
		}
	}
	for i := range g.edges {
		if g.edges[i].Optimistic {
			g.edges[i].Optimistic = false
			n++
		}
	}
	return n
}

// Rollback deletes every optimistic entry and returns how many were removed.
func (g *Graph) Rollback() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for id, node := range g.nodes {
		if node.Optimistic {
			delete(g.nodes, id)
			n++
		}
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.Optimistic {
			n++
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	return n
}

// Node returns a copy of the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Metadata = cloneMeta(n.Metadata)
	return cp, true
}

// Snapshot returns nodes sorted by creation time then id, and edges in insertion order.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Snapshot{
		Nodes: make([]Node, 0, len(g.nodes)),
		Edges: make([]Edge, len(g.edges)),
	}
	for _, n := range g.nodes {
		cp := *n
		cp.Metadata = cloneMeta(n.Metadata)
		s.Nodes = append(s.Nodes, cp)
	}
	sort.Slice(s.Nodes, func(i, j int) bool {
		if !s.Nodes[i].CreatedAt.Equal(s.Nodes[j].CreatedAt) {
			return s.Nodes[i].CreatedAt.Before(s.Nodes[j].CreatedAt)
		}
		return s.Nodes[i].ID < s.Nodes[j].ID
	})
	copy(s.Edges, g.edges)
	return s
}

// Reset empties the graph.
func (g *Graph) Reset() {
	g.mu.Lock()
	g.nodes = make(map[string]*Node)
	g.edges = nil
	g.mu.Unlock()
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
