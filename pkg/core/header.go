package core

import (
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// ExtKey names a layer-specific value carried in a Header's extension map.
type ExtKey string

// Header is the envelope passed by reference alongside a payload as it moves
// through the layer tree. Each layer fills in the fields it decodes on the
// read path and consumes them again on the write path.
type Header struct {
	// Ethernet
	EthSrc  net.HardwareAddr
	EthDst  net.HardwareAddr
	EthType layers.EthernetType

	// IPv4
	IPSrc   netip.Addr
	IPDst   netip.Addr
	IPProto layers.IPProtocol
	IPID    uint16
	IPTTL   uint8
	IPTOS   uint8

	// TCP session
	TCPConn *ConnID
	// Reset distinguishes an abrupt (RST) close from a graceful one in
	// close notifications.
	Reset bool

	ext map[ExtKey]interface{}
}

// Set stores a layer-specific value on the header.
func (h *Header) Set(key ExtKey, v interface{}) {
	if h.ext == nil {
		h.ext = make(map[ExtKey]interface{})
	}
	h.ext[key] = v
}

// Get returns a layer-specific value previously stored with Set.
func (h *Header) Get(key ExtKey) (interface{}, bool) {
	if h.ext == nil {
		return nil, false
	}
	v, ok := h.ext[key]
	return v, ok
}

// Clone returns a copy of h that can be mutated independently. Extension
// values are copied shallowly.
func (h *Header) Clone() *Header {
	if h == nil {
		return &Header{}
	}
	c := *h
	if h.EthSrc != nil {
		c.EthSrc = append(net.HardwareAddr(nil), h.EthSrc...)
	}
	if h.EthDst != nil {
		c.EthDst = append(net.HardwareAddr(nil), h.EthDst...)
	}
	if h.TCPConn != nil {
		id := *h.TCPConn
		c.TCPConn = &id
	}
	c.ext = nil
	for k, v := range h.ext {
		c.Set(k, v)
	}
	return &c
}

// WithoutExt returns a copy of h carrying only the typed fields.
func (h *Header) WithoutExt() *Header {
	c := h.Clone()
	c.ext = nil
	return c
}
