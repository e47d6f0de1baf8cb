// Package stack assembles layer graphs from configuration.
package stack

import (
	"fmt"
	"strconv"

	"github.com/ervanalb/lens/pkg/config"
	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/ethernet"
	"github.com/ervanalb/lens/pkg/ip"
	"github.com/ervanalb/lens/pkg/layer"
	"github.com/ervanalb/lens/pkg/link"
	"github.com/ervanalb/lens/pkg/stream"
	"github.com/ervanalb/lens/pkg/tcp"
)

// Layer type names understood by DefaultRegistry.
const (
	TypeEthernet    = "ethernet"
	TypeIPv4        = "ipv4"
	TypeIPv4Filter  = "ipv4_filter"
	TypeTCP         = "tcp"
	TypeTCPFilter   = "tcp_filter"
	TypeLineBuffer  = "linebuffer"
	TypeReplace     = "replace"
	TypePassthrough = "passthrough"
	TypePrint       = "print"
)

// KindFor maps a configured link mode to the framing its ports carry.
func KindFor(mode string) (link.Kind, error) {
	switch mode {
	case config.ModeEthernet, "":
		return link.KindEthernet, nil
	case config.ModeTUN:
		return link.KindIP, nil
	}
	return 0, fmt.Errorf("unknown link mode %q", mode)
}

func arg(s layer.Spec, key string) (string, error) {
	v, ok := s.Args[key]
	if !ok || v == "" {
		return "", fmt.Errorf("layer %s: missing %q argument", s.InstanceName(), key)
	}
	return v, nil
}

func intArg(s layer.Spec, key string, dst *int) error {
	v, ok := s.Args[key]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("layer %s: bad %q argument %q", s.InstanceName(), key, v)
	}
	*dst = n
	return nil
}

// DefaultRegistry returns a registry holding every built-in layer type.
// Splicers start from tcpCfg; a tcp spec may override defaultMSS and maxMSS
// through its args.
func DefaultRegistry(tcpCfg tcp.Config) *layer.Registry {
	r := layer.NewRegistry()
	must := func(typ string, c layer.Constructor) {
		if err := r.Register(typ, c); err != nil {
			panic(err)
		}
	}

	must(TypeEthernet, func(s layer.Spec) (layer.Layer, error) {
		return ethernet.New(s.InstanceName()), nil
	})
	must(TypeIPv4, func(s layer.Spec) (layer.Layer, error) {
		return ip.New(s.InstanceName()), nil
	})
	must(TypeIPv4Filter, func(s layer.Spec) (layer.Layer, error) {
		v, err := arg(s, "addrs")
		if err != nil {
			return nil, err
		}
		addrs, err := ip.ParseAddrs(v)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", s.InstanceName(), err)
		}
		return ip.NewFilter(s.InstanceName(), addrs...), nil
	})
	must(TypeTCP, func(s layer.Spec) (layer.Layer, error) {
		cfg := tcpCfg
		if err := intArg(s, "defaultMSS", &cfg.DefaultMSS); err != nil {
			return nil, err
		}
		if err := intArg(s, "maxMSS", &cfg.MaxMSS); err != nil {
			return nil, err
		}
		return tcp.NewSplicer(s.InstanceName(), cfg), nil
	})
	must(TypeTCPFilter, func(s layer.Spec) (layer.Layer, error) {
		v, err := arg(s, "ports")
		if err != nil {
			return nil, err
		}
		ports, err := tcp.ParsePorts(v)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", s.InstanceName(), err)
		}
		return tcp.NewFilter(s.InstanceName(), ports...), nil
	})
	must(TypeLineBuffer, func(s layer.Spec) (layer.Layer, error) {
		return stream.NewLineBuffer(s.InstanceName()), nil
	})
	must(TypeReplace, func(s layer.Spec) (layer.Layer, error) {
		from, err := arg(s, "from")
		if err != nil {
			return nil, err
		}
		return stream.NewReplace(s.InstanceName(), []byte(from), []byte(s.Args["to"])), nil
	})
	must(TypePassthrough, func(s layer.Spec) (layer.Layer, error) {
		return stream.NewPassthrough(s.InstanceName()), nil
	})
	must(TypePrint, func(s layer.Spec) (layer.Layer, error) {
		return stream.NewPrint(s.InstanceName()), nil
	})
	return r
}

// DefaultGraph returns the layers built under a link of kind when the
// configuration lists none: the protocol decoders down to the splicer.
func DefaultGraph(kind link.Kind) []layer.Spec {
	if kind == link.KindIP {
		return []layer.Spec{
			{Type: TypeIPv4},
			{Type: TypeTCP, Parent: TypeIPv4},
		}
	}
	return []layer.Spec{
		{Type: TypeEthernet},
		{Type: TypeIPv4, Parent: TypeEthernet},
		{Type: TypeTCP, Parent: TypeIPv4},
	}
}

// Build attaches the configured graph (or the default one) under root.
func Build(cfg *config.Config, root *link.Link) (*layer.Graph, error) {
	specs := cfg.Graph
	if len(specs) == 0 {
		specs = DefaultGraph(root.Kind())
	}
	return DefaultRegistry(cfg.TCP).Build(root, specs)
}

// Splicers returns every TCP splicer in g, in tree order.
func Splicers(g *layer.Graph) []*tcp.Splicer {
	var out []*tcp.Splicer
	g.Walk(func(_ layer.Handle, _ int, l layer.Layer) {
		if s, ok := l.(*tcp.Splicer); ok {
			out = append(out, s)
		}
	})
	return out
}

// MetricsSource is a layer that keeps counters.
type MetricsSource interface {
	Name() string
	Metrics() core.LayerMetrics
}

// Metrics snapshots the counters of every layer in g that keeps them.
func Metrics(g *layer.Graph) map[string]core.LayerMetrics {
	out := make(map[string]core.LayerMetrics)
	g.Walk(func(_ layer.Handle, _ int, l layer.Layer) {
		if m, ok := l.(MetricsSource); ok {
			out[m.Name()] = m.Metrics()
		}
	})
	if root, ok := g.Layer(g.Root()).(*link.Link); ok {
		out[root.Name()+"."+core.Alice.String()] = root.Metrics(core.Alice)
		out[root.Name()+"."+core.Bob.String()] = root.Metrics(core.Bob)
	}
	return out
}
