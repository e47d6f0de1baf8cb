// Package ip decodes IPv4 on the read path and rebuilds IPv4 headers on the
// write path. It is the only layer that computes transport checksums.
package ip

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

const (
	extHeader core.ExtKey = "ip.header"
	extInner  core.ExtKey = "ip.inner"

	defaultTTL = 64
)

// Layer is the IPv4 layer.
type Layer struct {
	layer.Base

	nextID map[netip.Addr]uint16
	seen   map[netip.Addr]map[string]struct{}
	protos map[layers.IPProtocol]uint64

	metrics core.LayerMetrics
}

// New returns an IPv4 layer called name.
func New(name string) *Layer {
	return &Layer{
		Base:   layer.NewBase(name),
		nextID: make(map[netip.Addr]uint16),
		seen:   make(map[netip.Addr]map[string]struct{}),
		protos: make(map[layers.IPProtocol]uint64),
	}
}

// Match accepts IPv4 frames.
func (l *Layer) Match(_ core.Side, h *core.Header) bool {
	return h.EthType == layers.EthernetTypeIPv4
}

// Metrics returns a snapshot of the layer counters.
func (l *Layer) Metrics() core.LayerMetrics { return l.metrics.Snapshot() }

// OnRead decodes the IPv4 header into h and bubbles the transport payload.
// Fragments and anything undecodable pass through untouched.
func (l *Layer) OnRead(src core.Side, h *core.Header, p core.Payload) error {
	raw, ok := core.Bytes(p)
	if !ok {
		return l.passthru(src, h, p, "structured payload")
	}
	hdr, err := ipv4.ParseHeader(raw)
	if err != nil {
		l.metrics.AddError()
		return l.passthru(src, h, p, err.Error())
	}
	if hdr.Version != ipv4.Version || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(raw) {
		l.metrics.AddError()
		return l.passthru(src, h, p, fmt.Sprintf("bad lengths %d/%d", hdr.Len, hdr.TotalLen))
	}
	if hdr.Flags&ipv4.MoreFragments != 0 || hdr.FragOff != 0 {
		return l.passthru(src, h, p, "fragment")
	}

	srcIP, _ := netip.AddrFromSlice(hdr.Src.To4())
	dstIP, _ := netip.AddrFromSlice(hdr.Dst.To4())
	h.IPSrc = srcIP
	h.IPDst = dstIP
	h.IPProto = layers.IPProtocol(hdr.Protocol)
	h.IPID = uint16(hdr.ID)
	h.IPTTL = uint8(hdr.TTL)
	h.IPTOS = uint8(hdr.TOS)

	if _, ok := l.nextID[srcIP]; !ok {
		l.nextID[srcIP] = uint16(hdr.ID)
	}
	l.remember(srcIP, h.EthSrc)
	l.remember(dstIP, h.EthDst)
	l.protos[h.IPProto]++

	inner := raw[hdr.Len:hdr.TotalLen]
	h.Set(extHeader, raw[:hdr.Len])
	h.Set(extInner, inner)
	l.metrics.AddRead(len(inner))
	return l.Bubble(src, h, core.Raw(inner))
}

func (l *Layer) remember(addr netip.Addr, mac net.HardwareAddr) {
	if mac == nil {
		return
	}
	set, ok := l.seen[addr]
	if !ok {
		set = make(map[string]struct{})
		l.seen[addr] = set
	}
	set[mac.String()] = struct{}{}
}

// Write wraps p in an IPv4 header. Bytes identical to the payload that was
// read with h are re-emitted behind their original header; anything else
// gets a fresh header with the next ID for its source address.
func (l *Layer) Write(dst core.Side, h *core.Header, p core.Payload) error {
	if b, ok := core.Bytes(p); ok {
		if orig, inner, ok := stashed(h); ok && bytes.Equal(b, inner) {
			out := make([]byte, 0, len(orig)+len(b))
			out = append(append(out, orig...), b...)
			l.metrics.AddWritten(len(b))
			return l.WriteBack(dst, h, core.Raw(out))
		}
	}

	ttl := h.IPTTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	pkt := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      h.IPTOS,
		Id:       l.takeID(h.IPSrc),
		Flags:    layers.IPv4DontFragment,
		TTL:      ttl,
		Protocol: h.IPProto,
		SrcIP:    net.IP(h.IPSrc.AsSlice()),
		DstIP:    net.IP(h.IPDst.AsSlice()),
	}
	if cl, ok := p.(core.ChecksumLayer); ok {
		if err := cl.SetNetworkLayerForChecksum(pkt); err != nil {
			return fmt.Errorf("ip: checksum layer: %w", err)
		}
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, pkt, p); err != nil {
		l.metrics.AddError()
		return fmt.Errorf("ip: serialize: %w", err)
	}
	l.metrics.AddWritten(len(buf.Bytes()) - 20)
	return l.WriteBack(dst, h, core.Raw(buf.Bytes()))
}

func stashed(h *core.Header) (hdr, inner []byte, ok bool) {
	hv, ok1 := h.Get(extHeader)
	iv, ok2 := h.Get(extInner)
	if !ok1 || !ok2 {
		return nil, nil, false
	}
	hdr, ok1 = hv.([]byte)
	inner, ok2 = iv.([]byte)
	return hdr, inner, ok1 && ok2
}

func (l *Layer) takeID(src netip.Addr) uint16 {
	id := l.nextID[src]
	l.nextID[src] = id + 1
	return id
}

func (l *Layer) passthru(src core.Side, h *core.Header, p core.Payload, why string) error {
	l.metrics.AddPassthrough()
	l.Tracef("passthru from %s: %s", src, why)
	return l.Passthru(src, h, p)
}

// ProtoCount is one row of the protocol statistics.
type ProtoCount struct {
	Protocol string `json:"protocol"`
	Packets  uint64 `json:"packets"`
}

// Protocols returns packet counts per IP protocol, most common first.
func (l *Layer) Protocols() []ProtoCount {
	out := make([]ProtoCount, 0, len(l.protos))
	for p, n := range l.protos {
		out = append(out, ProtoCount{Protocol: p.String(), Packets: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Packets != out[j].Packets {
			return out[i].Packets > out[j].Packets
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out
}

// SeenMACs lists the hardware addresses each IP address was seen behind.
func (l *Layer) SeenMACs() map[string][]string {
	out := make(map[string][]string, len(l.seen))
	for addr, set := range l.seen {
		macs := make([]string, 0, len(set))
		for m := range set {
			macs = append(macs, m)
		}
		sort.Strings(macs)
		out[addr.String()] = macs
	}
	return out
}
