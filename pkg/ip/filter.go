package ip

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

// Filter accepts packets to or from any of a set of addresses.
type Filter struct {
	layer.Base
	addrs map[netip.Addr]struct{}
}

// NewFilter returns a filter called name.
func NewFilter(name string, addrs ...netip.Addr) *Filter {
	f := &Filter{Base: layer.NewBase(name), addrs: make(map[netip.Addr]struct{}, len(addrs))}
	for _, a := range addrs {
		f.addrs[a] = struct{}{}
	}
	return f
}

// ParseAddrs parses a comma separated address list.
func ParseAddrs(s string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		a, err := netip.ParseAddr(f)
		if err != nil {
			return nil, fmt.Errorf("ipv4 filter: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *Filter) Match(_ core.Side, h *core.Header) bool {
	_, s := f.addrs[h.IPSrc]
	_, d := f.addrs[h.IPDst]
	return s || d
}
