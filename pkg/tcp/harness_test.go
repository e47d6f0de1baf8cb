package tcp

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

var (
	aliceIP = netip.MustParseAddr("10.0.0.1")
	bobIP   = netip.MustParseAddr("10.0.0.2")
)

const (
	alicePort = 40000
	bobPort   = 80
)

type sent struct {
	dst core.Side
	h   *core.Header
	p   core.Payload
}

// wire is a root that records everything written to it.
type wire struct {
	layer.Base
	sent []sent
}

func newWire() *wire { return &wire{Base: layer.NewBase("wire")} }

func (w *wire) Match(core.Side, *core.Header) bool { return false }

func (w *wire) Write(dst core.Side, h *core.Header, p core.Payload) error {
	w.sent = append(w.sent, sent{dst: dst, h: h, p: p})
	return nil
}

func (w *wire) take() []sent {
	out := w.sent
	w.sent = nil
	return out
}

// recorder is an application child that logs reads and closes and then
// behaves like a terminal layer.
type recorder struct {
	layer.Base
	reads  []string
	closes []*core.Header
}

func (r *recorder) OnRead(src core.Side, h *core.Header, p core.Payload) error {
	b, _ := core.Bytes(p)
	r.reads = append(r.reads, src.String()+":"+string(b))
	return r.Bubble(src, h, p)
}

func (r *recorder) OnClose(_ core.Side, h *core.Header) error {
	r.closes = append(r.closes, h)
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type harness struct {
	t     *testing.T
	wire  *wire
	s     *Splicer
	g     *layer.Graph
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	w := newWire()
	g, err := layer.NewGraph(w)
	require.NoError(t, err)
	s := NewSplicer("tcp", DefaultConfig())
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s.SetClock(clk.Now)
	_, err = g.Add(g.Root(), s)
	require.NoError(t, err)
	return &harness{t: t, wire: w, s: s, g: g, clock: clk}
}

func (h *harness) child(l layer.Layer) {
	_, err := h.g.Add(h.s.Handle(), l)
	require.NoError(h.t, err)
}

type seg struct {
	seq, ack uint32
	flags    string
	data     []byte
	opts     []layers.TCPOption
}

func buildSegment(t *testing.T, src core.Side, in seg) (*core.Header, []byte) {
	srcIP, dstIP := aliceIP, bobIP
	sp, dp := layers.TCPPort(alicePort), layers.TCPPort(bobPort)
	if src == core.Bob {
		srcIP, dstIP = dstIP, srcIP
		sp, dp = dp, sp
	}
	tcp := &layers.TCP{SrcPort: sp, DstPort: dp, Seq: in.seq, Ack: in.ack, Window: 29200, Options: in.opts}
	for _, c := range in.flags {
		switch c {
		case 'S':
			tcp.SYN = true
		case 'A':
			tcp.ACK = true
		case 'F':
			tcp.FIN = true
		case 'R':
			tcp.RST = true
		case 'P':
			tcp.PSH = true
		}
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(srcIP.AsSlice()),
		DstIP:    net.IP(dstIP.AsSlice()),
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(in.data)))
	h := &core.Header{IPSrc: srcIP, IPDst: dstIP, IPProto: layers.IPProtocolTCP, IPTTL: 64}
	return h, buf.Bytes()
}

func (h *harness) from(src core.Side, in seg) error {
	hdr, raw := buildSegment(h.t, src, in)
	return h.s.OnRead(src, hdr, core.Raw(raw))
}

func (h *harness) connID() core.ConnID {
	return core.NewConnID(
		core.Endpoint{Addr: aliceIP, Port: alicePort},
		core.Endpoint{Addr: bobIP, Port: bobPort},
	)
}

// handshake opens a connection with Alice's ISN 1000 and Bob's ISN 5000.
func (h *harness) handshake(synOpts, synAckOpts []layers.TCPOption) core.ConnID {
	require.NoError(h.t, h.from(core.Alice, seg{seq: 1000, flags: "S", opts: synOpts}))
	require.NoError(h.t, h.from(core.Bob, seg{seq: 5000, ack: 1001, flags: "SA", opts: synAckOpts}))
	require.NoError(h.t, h.from(core.Alice, seg{seq: 1001, ack: 5001, flags: "A"}))
	h.wire.take()
	return h.connID()
}

func segmentOf(t *testing.T, s sent) *Segment {
	sg, ok := s.p.(*Segment)
	require.True(t, ok, "expected a synthesized segment, got %T", s.p)
	return sg
}
