// Package layer implements the bidirectional dispatch tree that every
// protocol stage plugs into.
//
// Data read from the wire enters at the root and is "bubbled" towards the
// most specific child whose Match predicate accepts it. A layer that has no
// matching child treats itself as terminal and writes the data back towards
// the other side. Writes travel from child to parent until they reach the
// root, which owns the physical attachment points.
package layer

import (
	"github.com/sirupsen/logrus"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/logging"
)

// Layer is one node of the dispatch tree. Implementations embed Base, which
// supplies the default behavior for every method, and override what they
// interpret.
type Layer interface {
	// Name is the instance name used in logs and graph lookups.
	Name() string

	// Match decides whether this layer accepts data bubbled by its parent.
	Match(src core.Side, h *core.Header) bool

	// OnRead handles data arriving from side src.
	OnRead(src core.Side, h *core.Header, p core.Payload) error

	// OnClose handles the end of a logical session.
	OnClose(src core.Side, h *core.Header) error

	// Write emits data towards side dst.
	Write(dst core.Side, h *core.Header, p core.Payload) error

	base() *Base
}

// Base carries a layer's position in its graph and implements the default
// bubble / write-back behavior.
type Base struct {
	name  string
	Debug bool

	graph *Graph
	self  Handle
}

// NewBase returns a Base for a layer instance called name.
func NewBase(name string) Base {
	return Base{name: name, self: NoHandle}
}

func (b *Base) base() *Base { return b }

// Name returns the instance name.
func (b *Base) Name() string { return b.name }

// Handle returns the layer's handle in its graph, or NoHandle.
func (b *Base) Handle() Handle { return b.self }

// Graph returns the graph the layer is attached to.
func (b *Base) Graph() *Graph { return b.graph }

// Match accepts everything.
func (b *Base) Match(core.Side, *core.Header) bool { return true }

// OnRead bubbles data on unchanged.
func (b *Base) OnRead(src core.Side, h *core.Header, p core.Payload) error {
	return b.Bubble(src, h, p)
}

// OnClose propagates the close event to the matching child.
func (b *Base) OnClose(src core.Side, h *core.Header) error {
	return b.CloseBubble(src, h)
}

// Write forwards unmodified to the parent.
func (b *Base) Write(dst core.Side, h *core.Header, p core.Payload) error {
	return b.WriteBack(dst, h, p)
}

// Bubble hands data to the first child whose predicate accepts it. With no
// such child the layer is terminal and the data is written towards the
// other side through this layer's own Write.
func (b *Base) Bubble(src core.Side, h *core.Header, p core.Payload) error {
	if b.graph == nil {
		return structural(b.name, "bubble", "layer is not attached to a graph")
	}
	if child := b.graph.resolveChild(b.self, src, h); child != nil {
		return child.OnRead(src, h, p)
	}
	return b.graph.Layer(b.self).Write(b.Route(src, h), h, p)
}

// CloseBubble hands a close event to the first matching child.
func (b *Base) CloseBubble(src core.Side, h *core.Header) error {
	if b.graph == nil {
		return nil
	}
	if child := b.graph.resolveChild(b.self, src, h); child != nil {
		return child.OnClose(src, h)
	}
	return nil
}

// WriteBack forwards to the parent's Write. Writing back from the root is a
// StructuralError.
func (b *Base) WriteBack(dst core.Side, h *core.Header, p core.Payload) error {
	if b.graph == nil {
		return structural(b.name, "write-back", "layer is not attached to a graph")
	}
	parent, ok := b.graph.Parent(b.self)
	if !ok {
		return structural(b.name, "write-back", "no parent")
	}
	return b.graph.Layer(parent).Write(dst, h, p)
}

// Passthru skips this layer and its children: the data is written back
// towards the other side exactly as received.
func (b *Base) Passthru(src core.Side, h *core.Header, p core.Payload) error {
	return b.WriteBack(b.Route(src, h), h, p)
}

// Route maps an ingress side to the side data should be sent to.
func (b *Base) Route(src core.Side, _ *core.Header) core.Side { return src.Other() }

// Unroute maps an egress side back to the side the data came from.
func (b *Base) Unroute(dst core.Side, _ *core.Header) core.Side { return dst.Other() }

// Log returns a log entry scoped to this layer.
func (b *Base) Log() *logrus.Entry {
	return logging.WithFields(logrus.Fields{"layer": b.name})
}

// Tracef logs at debug level when the layer's debug flag is set.
func (b *Base) Tracef(format string, args ...interface{}) {
	if b.Debug {
		b.Log().Debugf(format, args...)
	}
}
