package tcp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

// Filter is a child of the splicer that accepts only connections using one
// of its ports, on either end.
type Filter struct {
	layer.Base
	ports map[uint16]struct{}
}

// NewFilter returns a filter called name.
func NewFilter(name string, ports ...uint16) *Filter {
	f := &Filter{Base: layer.NewBase(name), ports: make(map[uint16]struct{}, len(ports))}
	for _, p := range ports {
		f.ports[p] = struct{}{}
	}
	return f
}

// ParsePorts parses a comma separated port list.
func ParsePorts(s string) ([]uint16, error) {
	var out []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("tcp filter: bad port %q: %w", f, err)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

// Match checks the connection's ports.
func (f *Filter) Match(_ core.Side, h *core.Header) bool {
	if h.TCPConn == nil {
		return false
	}
	_, lo := f.ports[h.TCPConn.Lo.Port]
	_, hi := f.ports[h.TCPConn.Hi.Port]
	return lo || hi
}
