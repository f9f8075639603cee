package topology

// CytoscapeNode is a node element in Cytoscape.js format
type CytoscapeNode struct {
	Data CytoscapeNodeData `json:"data"`
}

// CytoscapeNodeData holds a node's display attributes
type CytoscapeNodeData struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Site   string `json:"site,omitempty"`
	Degree int    `json:"degree"`
	SPOF   bool   `json:"spof,omitempty"`
}

// CytoscapeEdge is an edge element in Cytoscape.js format
type CytoscapeEdge struct {
	Data CytoscapeEdgeData `json:"data"`
}

// CytoscapeEdgeData holds an edge's display attributes
type CytoscapeEdgeData struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Medium string `json:"medium,omitempty"`
	InLoop bool   `json:"in_loop,omitempty"`
}

// CytoscapeGraph is the elements document for the diagram editor
type CytoscapeGraph struct {
	Nodes []CytoscapeNode `json:"nodes"`
	Edges []CytoscapeEdge `json:"edges"`
	Stats Stats           `json:"stats"`
}

// ToCytoscape exports the graph. Devices are flagged when they are a single
// point of failure and links when they close a loop.
func (g *Graph) ToCytoscape() *CytoscapeGraph {
	spof := map[string]bool{}
	for _, id := range g.SinglePointsOfFailure() {
		spof[id] = true
	}
	loops := g.FindLoops()
	closing := map[string]bool{}
	for _, l := range loops {
		closing[l.Link] = true
	}
	inLoop := g.loopEdges(loops)

	out := &CytoscapeGraph{
		Nodes: make([]CytoscapeNode, 0, len(g.order)),
		Edges: make([]CytoscapeEdge, 0, len(g.edges)),
	}
	for _, id := range g.order {
		n := g.nodes[id]
		out.Nodes = append(out.Nodes, CytoscapeNode{Data: CytoscapeNodeData{
			ID:     n.ID,
			Name:   n.Name,
			Role:   n.Role,
			Site:   n.Site,
			Degree: g.Degree(id),
			SPOF:   spof[id],
		}})
	}
	for _, e := range g.edges {
		out.Edges = append(out.Edges, CytoscapeEdge{Data: CytoscapeEdgeData{
			ID:     e.ID,
			Source: e.Source,
			Target: e.Target,
			Medium: e.Medium,
			InLoop: closing[e.ID] || inLoop[e.ID],
		}})
	}
	out.Stats = Stats{
		Devices:    len(g.order),
		Links:      len(g.edges),
		Components: len(g.ConnectedComponents()),
		Loops:      len(loops),
		SPOFs:      len(spof),
	}
	for _, id := range g.order {
		out.Stats.MaxDegree = max(out.Stats.MaxDegree, g.Degree(id))
	}
	return out
}

// loopEdges marks every link that lies on one of the given cycles
func (g *Graph) loopEdges(loops []Loop) map[string]bool {
	marked := map[string]bool{}
	for _, l := range loops {
		if len(l.Devices) < 2 {
			continue
		}
		for i := range l.Devices {
			a, b := l.Devices[i], l.Devices[(i+1)%len(l.Devices)]
			for _, id := range g.linksBetween(a, b) {
				marked[id] = true
			}
		}
	}
	return marked
}
