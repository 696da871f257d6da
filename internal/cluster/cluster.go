// Package cluster partitions weighted graphs into size-bounded groups by
// greedy affinity merging.
package cluster

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrOversized means a single node already exceeds the group capacity.
	ErrOversized = errors.New("node exceeds group capacity")
	// ErrInvalidGrouping means a proposed grouping is not a size-valid
	// partition of the graph.
	ErrInvalidGrouping = errors.New("invalid grouping")
)

// Node is a vertex with a size counted against the group capacity.
type Node struct {
	Name string
	Size int
}

// Edge is an undirected weighted edge.
type Edge struct {
	A, B   string
	Weight int
}

// Graph is an undirected weighted graph over named nodes.
type Graph struct {
	nodes   []Node
	index   map[string]int
	weights map[[2]int]int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{index: make(map[string]int), weights: make(map[[2]int]int)}
}

// AddNode adds a node. Adding an existing name updates its size.
func (g *Graph) AddNode(name string, size int) {
	if i, ok := g.index[name]; ok {
		g.nodes[i].Size = size
		return
	}
	g.index[name] = len(g.nodes)
	g.nodes = append(g.nodes, Node{Name: name, Size: size})
}

// AddEdge adds w to the weight between a and b. Self loops and unknown
// nodes are ignored.
func (g *Graph) AddEdge(a, b string, w int) {
	i, ok1 := g.index[a]
	j, ok2 := g.index[b]
	if !ok1 || !ok2 || i == j || w == 0 {
		return
	}
	g.weights[key(i, j)] += w
}

// Nodes returns the nodes sorted by name.
func (g *Graph) Nodes() []Node {
	out := append([]Node(nil), g.nodes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Edges returns the edges sorted by endpoint names.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.weights))
	for k, w := range g.weights {
		a, b := g.nodes[k[0]].Name, g.nodes[k[1]].Name
		if b < a {
			a, b = b, a
		}
		out = append(out, Edge{A: a, B: b, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Weight returns the edge weight between a and b.
func (g *Graph) Weight(a, b string) int {
	i, ok1 := g.index[a]
	j, ok2 := g.index[b]
	if !ok1 || !ok2 {
		return 0
	}
	return g.weights[key(i, j)]
}

func key(i, j int) [2]int {
	if j < i {
		i, j = j, i
	}
	return [2]int{i, j}
}

type group struct {
	members []int
	size    int
	first   string
}

// Partition splits the graph into at least two groups whose sizes are each
// at most capacity. Groups start as singletons; the pair with the highest
// affinity (summed edge weight) that fits is merged until the minimum
// number of groups is reached or no pair fits. Ties go to the smaller
// merged size, then to the lexicographically smallest member names.
// Groups and their members are returned sorted by name.
func Partition(g *Graph, capacity int) ([][]string, error) {
	if len(g.nodes) < 2 {
		return nil, fmt.Errorf("need at least 2 nodes to partition, have %d", len(g.nodes))
	}
	total := 0
	for _, n := range g.nodes {
		if n.Size > capacity {
			return nil, fmt.Errorf("%w: %s has size %d (max %d)", ErrOversized, n.Name, n.Size, capacity)
		}
		total += n.Size
	}
	target := max(2, (total+capacity-1)/capacity)

	groups := make([]*group, len(g.nodes))
	for i, n := range g.nodes {
		groups[i] = &group{members: []int{i}, size: n.Size, first: n.Name}
	}

	for len(groups) > target {
		bi, bj := -1, -1
		var bestAff, bestSize int
		for i := 0; i < len(groups); i++ {
			for j := i + 1; j < len(groups); j++ {
				size := groups[i].size + groups[j].size
				if size > capacity {
					continue
				}
				aff := g.affinity(groups[i], groups[j])
				if bi >= 0 && !better(aff, size, groups[i], groups[j], bestAff, bestSize, groups[bi], groups[bj]) {
					continue
				}
				bi, bj, bestAff, bestSize = i, j, aff, size
			}
		}
		if bi < 0 {
			break
		}
		merged := groups[bi]
		merged.members = append(merged.members, groups[bj].members...)
		merged.size += groups[bj].size
		if groups[bj].first < merged.first {
			merged.first = groups[bj].first
		}
		groups = append(groups[:bj], groups[bj+1:]...)
	}

	return g.names(groups), nil
}

func better(aff, size int, a, b *group, bestAff, bestSize int, ba, bb *group) bool {
	if aff != bestAff {
		return aff > bestAff
	}
	if size != bestSize {
		return size < bestSize
	}
	x1, x2 := ordered(a.first, b.first)
	y1, y2 := ordered(ba.first, bb.first)
	if x1 != y1 {
		return x1 < y1
	}
	return x2 < y2
}

func ordered(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func (g *Graph) affinity(a, b *group) int {
	sum := 0
	for _, i := range a.members {
		for _, j := range b.members {
			sum += g.weights[key(i, j)]
		}
	}
	return sum
}

func (g *Graph) names(groups []*group) [][]string {
	out := make([][]string, 0, len(groups))
	for _, gr := range groups {
		names := make([]string, 0, len(gr.members))
		for _, i := range gr.members {
			names = append(names, g.nodes[i].Name)
		}
		sort.Strings(names)
		out = append(out, names)
	}
	Normalize(out)
	return out
}

// Normalize sorts members within each group and groups by first member.
func Normalize(groups [][]string) {
	for _, gr := range groups {
		sort.Strings(gr)
	}
	sort.Slice(groups, func(i, j int) bool {
		return strings.Join(groups[i], "\x00") < strings.Join(groups[j], "\x00")
	})
}

// Validate checks that groups partition the graph's nodes into at least two
// non-empty groups, each within capacity.
func Validate(g *Graph, groups [][]string, capacity int) error {
	if len(groups) < 2 {
		return fmt.Errorf("%w: %d groups, need at least 2", ErrInvalidGrouping, len(groups))
	}
	seen := make(map[string]bool, len(g.nodes))
	for gi, gr := range groups {
		if len(gr) == 0 {
			return fmt.Errorf("%w: group %d is empty", ErrInvalidGrouping, gi)
		}
		size := 0
		for _, name := range gr {
			i, ok := g.index[name]
			if !ok {
				return fmt.Errorf("%w: unknown node %q", ErrInvalidGrouping, name)
			}
			if seen[name] {
				return fmt.Errorf("%w: node %q appears twice", ErrInvalidGrouping, name)
			}
			seen[name] = true
			size += g.nodes[i].Size
		}
		if size > capacity {
			return fmt.Errorf("%w: group %d has size %d (max %d)", ErrInvalidGrouping, gi, size, capacity)
		}
	}
	if len(seen) != len(g.nodes) {
		return fmt.Errorf("%w: %d of %d nodes assigned", ErrInvalidGrouping, len(seen), len(g.nodes))
	}
	return nil
}
