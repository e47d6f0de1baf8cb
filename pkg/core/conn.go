package core

import (
	"fmt"
	"net/netip"
)

// Endpoint is one (address, port) end of a transport connection.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// less orders endpoints by address, then port.
func (e Endpoint) less(o Endpoint) bool {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

// ConnID identifies a connection independently of direction. The two
// endpoints are stored in canonical order so that a tuple and its reverse
// produce equal values, which makes ConnID usable as a map key.
type ConnID struct {
	Lo Endpoint
	Hi Endpoint
}

// NewConnID canonicalizes the endpoint pair (a, b).
func NewConnID(a, b Endpoint) ConnID {
	if b.less(a) {
		a, b = b, a
	}
	return ConnID{Lo: a, Hi: b}
}

func (c ConnID) String() string {
	return fmt.Sprintf("%s<->%s", c.Lo, c.Hi)
}
