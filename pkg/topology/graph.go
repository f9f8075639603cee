package topology

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/multi"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
)

var (
	// ErrNodeNotFound is returned when an operation names an unknown device
	ErrNodeNotFound = errors.New("device not found in topology")
	// ErrNoPath is returned when two devices are not connected
	ErrNoPath = errors.New("no path between devices")
	// ErrInvalidLink is returned by New for a link without an id or with an
	// id already in use
	ErrInvalidLink = errors.New("invalid link")
)

// Node is a device in the topology
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
	Site string `json:"site,omitempty"`
}

// Edge is a link between two devices
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Medium string `json:"medium,omitempty"`
}

// Graph is an undirected multigraph of devices and links. It is immutable
// after New and safe for concurrent reads.
//
// Devices are numbered by their position in sorted id order. Self links are
// kept out of the underlying multigraph since they never affect reachability;
// they only count towards degree and loops.
type Graph struct {
	g      *multi.UndirectedGraph
	nodes  map[string]Node
	order  []string
	ids    map[string]int64
	edges  []Edge
	lines  map[int64]string // line uid to link id
	self   []Edge
	degree map[string]int
}

// New builds a graph. Every link needs a unique id and endpoints that name
// a device.
func New(nodes []Node, edges []Edge) (*Graph, error) {
	g := &Graph{
		g:      multi.NewUndirectedGraph(),
		nodes:  make(map[string]Node, len(nodes)),
		ids:    make(map[string]int64, len(nodes)),
		lines:  make(map[int64]string, len(edges)),
		degree: make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("device id is required")
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate device id %q", n.ID)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	sort.Strings(g.order)
	for i, id := range g.order {
		g.ids[id] = int64(i)
		g.g.AddNode(multi.Node(i))
	}

	seen := make(map[string]bool, len(edges))
	for i, e := range edges {
		if e.ID == "" {
			return nil, fmt.Errorf("links[%d]: %w: id is required", i, ErrInvalidLink)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("links[%d]: %w: duplicate id %q", i, ErrInvalidLink, e.ID)
		}
		seen[e.ID] = true
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, fmt.Errorf("link %s: %w: %s", e.ID, ErrNodeNotFound, e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, fmt.Errorf("link %s: %w: %s", e.ID, ErrNodeNotFound, e.Target)
		}
		g.edges = append(g.edges, e)
		g.degree[e.Source]++
		if e.Source == e.Target {
			g.self = append(g.self, e)
			continue
		}
		g.degree[e.Target]++
		line := g.g.NewLine(g.node(e.Source), g.node(e.Target))
		g.g.SetLine(line)
		g.lines[line.ID()] = e.ID
	}
	return g, nil
}

func (g *Graph) node(id string) graph.Node {
	return g.g.Node(g.ids[id])
}

func (g *Graph) name(n graph.Node) string {
	return g.order[n.ID()]
}

func (g *Graph) names(ns []graph.Node) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = g.name(n)
	}
	sort.Strings(out)
	return out
}

// linksBetween returns the ids of every link joining a and b, sorted
func (g *Graph) linksBetween(a, b string) []string {
	var out []string
	it := g.g.Lines(g.ids[a], g.ids[b])
	for it.Next() {
		out = append(out, g.lines[it.Line().ID()])
	}
	sort.Strings(out)
	return out
}

// NodeCount returns the number of devices
func (g *Graph) NodeCount() int { return len(g.order) }

// EdgeCount returns the number of links
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Node returns a device by id
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Neighbors returns the distinct devices directly linked to id, sorted
func (g *Graph) Neighbors(id string) ([]string, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, ErrNodeNotFound
	}
	return g.names(graph.NodesOf(g.g.From(g.ids[id]))), nil
}

// Degree returns the number of links attached to id. A self link counts once.
func (g *Graph) Degree(id string) int {
	return g.degree[id]
}

// ShortestPath returns the device ids on a minimum-hop path from a to b,
// inclusive of both ends.
func (g *Graph) ShortestPath(from, to string) ([]string, error) {
	if _, ok := g.nodes[from]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}
	if from == to {
		return []string{from}, nil
	}

	// Without edge weights every hop costs one.
	hops, _ := path.DijkstraFrom(g.node(from), g.g).To(g.ids[to])
	if len(hops) == 0 {
		return nil, ErrNoPath
	}
	out := make([]string, len(hops))
	for i, n := range hops {
		out[i] = g.name(n)
	}
	return out, nil
}

// Reachable returns every device reachable from id, excluding id itself
func (g *Graph) Reachable(id string) ([]string, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, ErrNodeNotFound
	}
	seen := g.bfs(id, "")
	delete(seen, id)
	return sortedKeys(seen), nil
}

// bfs visits from start, never entering skip
func (g *Graph) bfs(start, skip string) map[string]bool {
	seen := map[string]bool{}
	walk := traverse.BreadthFirst{
		Visit: func(n graph.Node) { seen[g.name(n)] = true },
	}
	if skip != "" {
		skipID := g.ids[skip]
		walk.Traverse = func(e graph.Edge) bool {
			return e.From().ID() != skipID && e.To().ID() != skipID
		}
	}
	walk.Walk(g.g, g.node(start), nil)
	return seen
}

// ConnectedComponents groups devices into islands. Components are ordered by
// size descending, then by their first id.
func (g *Graph) ConnectedComponents() [][]string {
	cc := topo.ConnectedComponents(g.g)
	comps := make([][]string, len(cc))
	for i, c := range cc {
		comps[i] = g.names(c)
	}
	sort.SliceStable(comps, func(i, j int) bool {
		if len(comps[i]) != len(comps[j]) {
			return len(comps[i]) > len(comps[j])
		}
		return comps[i][0] < comps[j][0]
	})
	return comps
}

// Loop is a cycle of devices closed by Link
type Loop struct {
	Devices []string `json:"devices"`
	Link    string   `json:"link"`
}

// FindLoops returns a cycle basis of the topology: every loop in the network
// is a combination of the returned ones, and an empty result means it is loop
// free. Each extra parallel link between two devices and each self link is
// its own loop. Loops are ordered by their device lists.
func (g *Graph) FindLoops() []Loop {
	loops := []Loop{}
	for _, cycle := range topo.UndirectedCyclesIn(g.g) {
		devices := normalizeCycle(g.cycleNames(cycle))
		if len(devices) < 3 {
			continue
		}
		var closing string
		for i := range devices {
			a, b := devices[i], devices[(i+1)%len(devices)]
			if links := g.linksBetween(a, b); len(links) > 0 && links[0] > closing {
				closing = links[0]
			}
		}
		loops = append(loops, Loop{Devices: devices, Link: closing})
	}

	for _, a := range g.order {
		neighbors, _ := g.Neighbors(a)
		for _, b := range neighbors {
			if b < a {
				continue
			}
			links := g.linksBetween(a, b)
			for _, extra := range links[1:] {
				loops = append(loops, Loop{Devices: []string{a, b}, Link: extra})
			}
		}
	}
	for _, e := range g.self {
		loops = append(loops, Loop{Devices: []string{e.Source}, Link: e.ID})
	}

	sort.SliceStable(loops, func(i, j int) bool {
		if c := slices.Compare(loops[i].Devices, loops[j].Devices); c != 0 {
			return c < 0
		}
		return loops[i].Link < loops[j].Link
	})
	return loops
}

// cycleNames drops the repeated closing node some cycle listings carry
func (g *Graph) cycleNames(cycle []graph.Node) []string {
	if len(cycle) > 1 && cycle[0].ID() == cycle[len(cycle)-1].ID() {
		cycle = cycle[:len(cycle)-1]
	}
	out := make([]string, len(cycle))
	for i, n := range cycle {
		out[i] = g.name(n)
	}
	return out
}

// normalizeCycle rotates a cycle to start at its lowest id and walks it in
// the direction of the lower neighbor
func normalizeCycle(c []string) []string {
	if len(c) < 3 {
		return c
	}
	start := 0
	for i := range c {
		if c[i] < c[start] {
			start = i
		}
	}
	out := append(slices.Clone(c[start:]), c[:start]...)
	if out[len(out)-1] < out[1] {
		slices.Reverse(out[1:])
	}
	return out
}

// SinglePointsOfFailure returns the articulation points: devices whose
// failure splits their component. Sorted by id.
func (g *Graph) SinglePointsOfFailure() []string {
	disc := map[int64]int{}
	low := map[int64]int{}
	cut := map[string]bool{}
	timer := 0

	// Parallel links never protect a device from being a cut vertex, so the
	// walk only needs distinct neighbors.
	var visit func(id, parent int64)
	visit = func(id, parent int64) {
		timer++
		disc[id] = timer
		low[id] = timer
		children := 0
		it := g.g.From(id)
		for it.Next() {
			next := it.Node().ID()
			if next == parent {
				continue
			}
			if _, seen := disc[next]; seen {
				low[id] = min(low[id], disc[next])
				continue
			}
			children++
			visit(next, id)
			low[id] = min(low[id], low[next])
			if parent >= 0 && low[next] >= disc[id] {
				cut[g.order[id]] = true
			}
		}
		if parent < 0 && children > 1 {
			cut[g.order[id]] = true
		}
	}

	for i := range g.order {
		if _, seen := disc[int64(i)]; !seen {
			visit(int64(i), -1)
		}
	}
	return sortedKeys(cut)
}

// Impact describes what a device failure disconnects
type Impact struct {
	Device       string   `json:"device"`
	CutOff       []string `json:"cut_off"`
	StillReached []string `json:"still_reached"`
	IsSPOF       bool     `json:"is_spof"`
}

// ImpactAnalysis reports the devices cut off when id fails. When anchors are
// given, a device survives if it can still reach any anchor. Without anchors
// the largest remaining part of id's component survives, ties going to the
// part holding the lowest id.
func (g *Graph) ImpactAnalysis(id string, anchors ...string) (*Impact, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, ErrNodeNotFound
	}

	component := g.bfs(id, "")
	delete(component, id)

	var parts []map[string]bool
	assigned := map[string]bool{}
	for _, n := range sortedKeys(component) {
		if assigned[n] {
			continue
		}
		part := g.bfs(n, id)
		for m := range part {
			assigned[m] = true
		}
		parts = append(parts, part)
	}

	survives := make([]bool, len(parts))
	var live []string
	for _, a := range anchors {
		if a != id && component[a] {
			live = append(live, a)
		}
	}
	if len(anchors) > 0 {
		for i, part := range parts {
			for _, a := range live {
				if part[a] {
					survives[i] = true
					break
				}
			}
		}
	} else if len(parts) > 0 {
		best := 0
		for i := range parts {
			if len(parts[i]) > len(parts[best]) {
				best = i
			}
		}
		survives[best] = true
	}

	impact := &Impact{Device: id, CutOff: []string{}, StillReached: []string{}}
	for i, part := range parts {
		if survives[i] {
			impact.StillReached = append(impact.StillReached, sortedKeys(part)...)
		} else {
			impact.CutOff = append(impact.CutOff, sortedKeys(part)...)
		}
	}
	sort.Strings(impact.CutOff)
	sort.Strings(impact.StillReached)
	impact.IsSPOF = len(parts) > 1
	return impact, nil
}

// Stats summarizes a topology for reports
type Stats struct {
	Devices    int `json:"devices"`
	Links      int `json:"links"`
	Components int `json:"components"`
	Loops      int `json:"loops"`
	SPOFs      int `json:"spofs"`
	MaxDegree  int `json:"max_degree"`
}

// Summary computes Stats
func (g *Graph) Summary() Stats {
	s := Stats{
		Devices:    len(g.order),
		Links:      len(g.edges),
		Components: len(g.ConnectedComponents()),
		Loops:      len(g.FindLoops()),
		SPOFs:      len(g.SinglePointsOfFailure()),
	}
	for _, id := range g.order {
		s.MaxDegree = max(s.MaxDegree, g.Degree(id))
	}
	return s
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
