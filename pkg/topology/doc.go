// Package topology analyzes the device graph of a network design.
//
// A Graph is built from devices (nodes) and links (undirected edges). Parallel
// links between the same pair of devices are kept as distinct edges, so a
// redundant pair of uplinks shows up as a loop and neither device is reported
// as a single point of failure because of it. Every link needs a unique,
// non-empty id. The graph itself is a gonum multigraph.
//
// # Analysis
//
//	g, err := topology.New(nodes, edges)
//	path, _ := g.ShortestPath("core-1", "access-7")
//	spofs := g.SinglePointsOfFailure()
//	impact, _ := g.ImpactAnalysis("dist-2")
//
// ToCytoscape exports the graph in the elements format consumed by the
// diagram editor, with SPOF and loop membership flagged on each element.
package topology
