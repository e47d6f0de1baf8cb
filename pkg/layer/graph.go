package layer

import (
	"github.com/ervanalb/lens/pkg/core"
)

// Handle addresses a layer inside its Graph.
type Handle int

// NoHandle is the handle of an unattached layer and the parent of the root.
const NoHandle Handle = -1

type node struct {
	layer    Layer
	parent   Handle
	children []Handle
}

// Graph owns every layer of a tree. Parents and children refer to each other
// by Handle so that the graph, not the layers, holds the only references.
type Graph struct {
	nodes []node
	names map[string]Handle
}

// NewGraph creates a graph rooted at root.
func NewGraph(root Layer) (*Graph, error) {
	g := &Graph{names: make(map[string]Handle)}
	if _, err := g.attach(NoHandle, root); err != nil {
		return nil, err
	}
	return g, nil
}

// Root returns the root handle.
func (g *Graph) Root() Handle { return 0 }

// Add attaches l as the last child of parent. Children are consulted in the
// order they were added.
func (g *Graph) Add(parent Handle, l Layer) (Handle, error) {
	if !g.valid(parent) {
		return NoHandle, structural(l.Name(), "add", "unknown parent handle %d", parent)
	}
	return g.attach(parent, l)
}

func (g *Graph) attach(parent Handle, l Layer) (Handle, error) {
	b := l.base()
	if b.graph != nil {
		return NoHandle, structural(l.Name(), "add", "layer is already attached")
	}
	if _, dup := g.names[l.Name()]; dup {
		return NoHandle, structural(l.Name(), "add", "duplicate layer name")
	}
	h := Handle(len(g.nodes))
	g.nodes = append(g.nodes, node{layer: l, parent: parent})
	if parent != NoHandle {
		g.nodes[parent].children = append(g.nodes[parent].children, h)
	}
	g.names[l.Name()] = h
	b.graph = g
	b.self = h
	return h, nil
}

// Layer returns the layer at h, or nil.
func (g *Graph) Layer(h Handle) Layer {
	if !g.valid(h) {
		return nil
	}
	return g.nodes[h].layer
}

// Lookup finds a layer by instance name.
func (g *Graph) Lookup(name string) (Handle, bool) {
	h, ok := g.names[name]
	return h, ok
}

// Parent returns the parent of h. ok is false for the root.
func (g *Graph) Parent(h Handle) (Handle, bool) {
	if !g.valid(h) {
		return NoHandle, false
	}
	p := g.nodes[h].parent
	return p, p != NoHandle
}

// Children returns the child handles of h in dispatch order.
func (g *Graph) Children(h Handle) []Handle {
	if !g.valid(h) {
		return nil
	}
	return append([]Handle(nil), g.nodes[h].children...)
}

// Len returns the number of layers in the arena.
func (g *Graph) Len() int { return len(g.nodes) }

// Walk visits every attached layer depth-first from the root.
func (g *Graph) Walk(fn func(h Handle, depth int, l Layer)) {
	var visit func(h Handle, depth int)
	visit = func(h Handle, depth int) {
		fn(h, depth, g.nodes[h].layer)
		for _, c := range g.nodes[h].children {
			visit(c, depth+1)
		}
	}
	if len(g.nodes) > 0 {
		visit(g.Root(), 0)
	}
}

func (g *Graph) resolveChild(h Handle, src core.Side, hd *core.Header) Layer {
	for _, c := range g.nodes[h].children {
		child := g.nodes[c].layer
		if child.Match(src, hd) {
			return child
		}
	}
	return nil
}

func (g *Graph) valid(h Handle) bool { return h >= 0 && int(h) < len(g.nodes) }
