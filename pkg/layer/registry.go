package layer

import (
	"sort"
)

// Spec describes one layer instance of a graph to build.
type Spec struct {
	// Name is the instance name; it defaults to Type.
	Name string `json:"name" yaml:"name"`

	// Type selects the registered constructor.
	Type string `json:"type" yaml:"type"`

	// Parent is the instance name of the parent; empty means the root.
	Parent string `json:"parent" yaml:"parent"`

	// Debug enables per-packet tracing for this layer.
	Debug bool `json:"debug" yaml:"debug"`

	// Args are constructor-specific settings.
	Args map[string]string `json:"args" yaml:"args"`
}

// InstanceName returns the effective instance name.
func (s Spec) InstanceName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}

// Constructor builds a layer from its spec.
type Constructor func(spec Spec) (Layer, error)

// Registry maps type names to constructors. Types are resolved once, when a
// graph is built.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor for typ.
func (r *Registry) Register(typ string, ctor Constructor) error {
	if _, dup := r.ctors[typ]; dup {
		return structural("", "register", "type %q registered twice", typ)
	}
	r.ctors[typ] = ctor
	return nil
}

// Types lists the registered type names.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New constructs a single layer.
func (r *Registry) New(spec Spec) (Layer, error) {
	ctor, ok := r.ctors[spec.Type]
	if !ok {
		return nil, structural(spec.InstanceName(), "build", "unknown layer type %q", spec.Type)
	}
	l, err := ctor(spec)
	if err != nil {
		return nil, err
	}
	l.base().Debug = spec.Debug
	return l, nil
}

// Build creates a graph rooted at root and attaches one layer per spec, in
// order. A spec's parent must appear earlier in the list (or be the root).
func (r *Registry) Build(root Layer, specs []Spec) (*Graph, error) {
	g, err := NewGraph(root)
	if err != nil {
		return nil, err
	}
	for _, s := range specs {
		parent := g.Root()
		if s.Parent != "" && s.Parent != root.Name() {
			h, ok := g.Lookup(s.Parent)
			if !ok {
				return nil, structural(s.InstanceName(), "build", "unknown parent %q", s.Parent)
			}
			parent = h
		}
		if s.Name == "" {
			s.Name = s.Type
		}
		l, err := r.New(s)
		if err != nil {
			return nil, err
		}
		if _, err := g.Add(parent, l); err != nil {
			return nil, err
		}
	}
	return g, nil
}
