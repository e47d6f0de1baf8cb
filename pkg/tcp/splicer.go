package tcp

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

const (
	// DefaultMSS is used towards a side whose SYN carried no MSS option.
	DefaultMSS = 536
	// MaxMSS caps any negotiated MSS.
	MaxMSS = 1400
)

// Config tunes the splicer.
type Config struct {
	DefaultMSS int     `json:"defaultMSS" yaml:"defaultMSS"`
	MaxMSS     int     `json:"maxMSS" yaml:"maxMSS"`
	Damping    float64 `json:"timestampDamping" yaml:"timestampDamping"`
	MaxSamples int     `json:"timestampSamples" yaml:"timestampSamples"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		DefaultMSS: DefaultMSS,
		MaxMSS:     MaxMSS,
		Damping:    DefaultDamping,
		MaxSamples: DefaultMaxSamples,
	}
}

type segFlags struct {
	syn, ack, fin, rst bool
}

var (
	flagS  = segFlags{syn: true}
	flagSA = segFlags{syn: true, ack: true}
	flagA  = segFlags{ack: true}
	flagFA = segFlags{fin: true, ack: true}
	flagR  = segFlags{rst: true}
)

// Splicer terminates TCP towards both sides independently. It acknowledges
// every segment itself, hands in-order payload bytes to its children, and
// re-segments whatever its children write with its own sequence numbers, so
// payloads may change length in flight.
type Splicer struct {
	layer.Base

	cfg    Config
	now    Clock
	conns  *Table
	timers map[netip.Addr]*Estimator

	metrics     core.LayerMetrics
	synthesized uint64
}

// NewSplicer returns a splicer layer called name.
func NewSplicer(name string, cfg Config) *Splicer {
	def := DefaultConfig()
	if cfg.DefaultMSS <= 0 {
		cfg.DefaultMSS = def.DefaultMSS
	}
	if cfg.MaxMSS <= 0 {
		cfg.MaxMSS = def.MaxMSS
	}
	if cfg.Damping <= 0 {
		cfg.Damping = def.Damping
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	return &Splicer{
		Base:   layer.NewBase(name),
		cfg:    cfg,
		now:    time.Now,
		conns:  NewTable(),
		timers: make(map[netip.Addr]*Estimator),
	}
}

// SetClock replaces the wall clock used for timestamp estimation.
func (s *Splicer) SetClock(c Clock) { s.now = c }

// Table exposes the connection table.
func (s *Splicer) Table() *Table { return s.conns }

// Metrics returns a snapshot of the layer counters.
func (s *Splicer) Metrics() core.LayerMetrics { return s.metrics.Snapshot() }

// Synthesized returns the number of segments built by the splicer.
func (s *Splicer) Synthesized() uint64 { return atomic.LoadUint64(&s.synthesized) }

// Match accepts TCP over IP.
func (s *Splicer) Match(_ core.Side, h *core.Header) bool {
	return h.IPProto == layers.IPProtocolTCP
}

func (s *Splicer) timer(addr netip.Addr) *Estimator {
	e, ok := s.timers[addr]
	if !ok {
		e = NewEstimator(s.cfg.Damping, s.cfg.MaxSamples)
		s.timers[addr] = e
	}
	return e
}

// decode parses a raw segment. Malformed options are dropped rather than
// failing the segment; a truncated header fails it.
func decode(raw []byte) (*layers.TCP, Options, bool) {
	pkt := &layers.TCP{}
	if len(raw) < 20 {
		return nil, Options{}, false
	}
	off := int(raw[12]>>4) * 4
	if off < 20 || off > len(raw) {
		return nil, Options{}, false
	}
	if err := pkt.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		pkt.Options = nil
		pkt.Payload = raw[off:]
		return pkt, Options{}, true
	}
	opts, err := ParseOptions(pkt.Options)
	if err != nil {
		return pkt, Options{}, true
	}
	return pkt, opts, true
}

// OnRead runs one inbound segment through the state machine.
func (s *Splicer) OnRead(src core.Side, h *core.Header, p core.Payload) error {
	raw, ok := core.Bytes(p)
	if !ok {
		return s.passthru(src, h, p, "structured payload")
	}
	pkt, opts, ok := decode(raw)
	if !ok {
		s.metrics.AddError()
		return s.passthru(src, h, p, "undecodable segment")
	}
	s.metrics.AddRead(len(pkt.Payload))

	dst := s.Route(src, h)
	id := core.NewConnID(
		core.Endpoint{Addr: h.IPSrc, Port: uint16(pkt.SrcPort)},
		core.Endpoint{Addr: h.IPDst, Port: uint16(pkt.DstPort)},
	)
	conn, ok := s.conns.Get(id)
	if pkt.SYN && !pkt.ACK {
		switch {
		case !ok, conn.Closed(), conn.Initiator == src:
			conn = s.conns.Create(id, src)
		default:
			return s.passthru(src, h, p, "SYN from responder on live connection")
		}
	} else if !ok {
		return s.passthru(src, h, p, "untracked connection")
	}

	srcConn := conn.Half(src)
	dstConn := conn.Half(dst)
	now := s.now()

	if opts.HasTS {
		srcConn.TSEcr = opts.TSVal
		dstConn.LastTSVal = opts.TSVal
		dstConn.peerTS = true
		s.timer(h.IPSrc).Put(now, opts.TSVal)
	}

	s.trace(src, "<-", conn, pkt, len(pkt.Payload))

	if pkt.ACK && srcConn.hasSeq {
		srcConn.prune(seqnum.Value(pkt.Ack))
	}

	// The ACK completing the handshake may already carry data.
	if pkt.ACK && !pkt.SYN && srcConn.State == StateSynReceived {
		srcConn.State = StateEstablished
		s.Log().Debugf("%s established @%s", conn.ID, src)
	}

	if len(pkt.Payload) > 0 && srcConn.State == StateEstablished {
		if seqnum.Value(pkt.Seq) != srcConn.Ack {
			// Duplicate or out of order: restate what we expect.
			return s.writePacket(src, conn, flagA)
		}
		data := append([]byte(nil), pkt.Payload...)
		srcConn.PayloadSizes[len(data)]++
		srcConn.InBuffer = append(srcConn.InBuffer, data...)
		srcConn.Ack = srcConn.Ack.Add(seqnum.Size(len(data)))
		if err := s.writePacket(src, conn, flagA); err != nil {
			return err
		}
		cid := conn.ID
		if err := s.Bubble(src, &core.Header{TCPConn: &cid}, core.Raw(data)); err != nil {
			return err
		}
	}

	if pkt.SYN {
		if err := s.onSyn(src, dst, h, conn, pkt, opts); err != nil {
			return err
		}
	}

	if pkt.FIN {
		if err := s.onFin(src, dst, conn); err != nil {
			return err
		}
	} else if pkt.ACK {
		if srcConn.State == StateLastAck {
			srcConn.State = StateClosed
		}
	}

	if pkt.RST {
		if srcConn.State == StateNone || dstConn.State == StateNone {
			return s.passthru(src, h, p, "RST on unmodeled connection")
		}
		dstConn.State = StateReset
		srcConn.State = StateClosed
		if dstConn.hasSeq {
			if err := s.writePacket(dst, conn, flagR); err != nil {
				return err
			}
		} else {
			if err := s.passthru(src, h, p, "RST without sequence state"); err != nil {
				return err
			}
		}
		cid := conn.ID
		return s.CloseBubble(src, &core.Header{TCPConn: &cid, Reset: true})
	}

	if dstConn.State == StateNone {
		return s.passthru(src, h, p, "no destination state")
	}
	return nil
}

func (s *Splicer) onSyn(src, dst core.Side, h *core.Header, conn *Conn, pkt *layers.TCP, opts Options) error {
	srcConn := conn.Half(src)
	dstConn := conn.Half(dst)

	if pkt.ACK && srcConn.State != StateSynSent {
		if srcConn.State == StateEstablished && dstConn.State == StateSynReceived {
			// Our ACK of the SYN-ACK was lost.
			return s.writePacket(src, conn, flagA)
		}
		return nil
	}

	dstConn.ipHeader = h.WithoutExt()
	dstConn.SrcPort = uint16(pkt.SrcPort)
	dstConn.DstPort = uint16(pkt.DstPort)
	dstConn.Window = pkt.Window
	dstConn.WindowScale = 0
	dstConn.SynOptions = nil
	dstConn.OutBuffer = nil
	dstConn.InBuffer = nil
	dstConn.Unacked = nil

	dstConn.Seq = seqnum.Value(pkt.Seq)
	dstConn.SeqStart = dstConn.Seq
	dstConn.hasSeq = true
	srcConn.Ack = seqnum.Value(pkt.Seq).Add(1)
	srcConn.AckStart = seqnum.Value(pkt.Seq)
	srcConn.hasAck = true

	srcConn.MinSegment = 1
	srcConn.MSS = s.cfg.DefaultMSS
	srcConn.PayloadSizes = map[int]int{}
	if opts.HasMSS {
		srcConn.MSS = max(1, min(int(opts.MSS), s.cfg.MaxMSS))
		dstConn.SynOptions = append(dstConn.SynOptions, MSSOption(uint16(srcConn.MSS)))
	}
	if opts.HasWS {
		srcConn.WindowScale = opts.WindowScale
		dstConn.SynOptions = append(dstConn.SynOptions, WindowScaleOption(opts.WindowScale))
	}

	flags := flagS
	if srcConn.State == StateSynSent {
		srcConn.State = StateEstablished
		dstConn.State = StateSynReceived
		s.Log().Debugf("%s established @%s", conn.ID, src)
		flags = flagSA
	} else {
		dstConn.State = StateSynSent
	}
	if err := s.writePacket(dst, conn, flags); err != nil {
		return err
	}
	dstConn.Seq = dstConn.Seq.Add(1)

	if flags == flagSA {
		return s.writePacket(src, conn, flagA)
	}
	return nil
}

func (s *Splicer) onFin(src, dst core.Side, conn *Conn) error {
	srcConn := conn.Half(src)
	dstConn := conn.Half(dst)
	cid := conn.ID

	switch srcConn.State {
	case StateEstablished:
		srcConn.Ack = srcConn.Ack.Add(1)
		srcConn.State = StateLastAck
		if dstConn.State == StateEstablished {
			dstConn.State = StateFinWait1
			if err := s.CloseBubble(src, &core.Header{TCPConn: &cid}); err != nil {
				return err
			}
			if err := s.writePacket(dst, conn, flagFA); err != nil {
				return err
			}
			dstConn.Seq = dstConn.Seq.Add(1)
		}
		if err := s.writePacket(src, conn, flagFA); err != nil {
			return err
		}
		srcConn.Seq = srcConn.Seq.Add(1)

	case StateFinWait1:
		srcConn.Ack = srcConn.Ack.Add(1)
		srcConn.State = StateClosed
		if err := s.writePacket(src, conn, flagA); err != nil {
			return err
		}
		return s.CloseBubble(src, &core.Header{TCPConn: &cid})
	}
	return nil
}

// Write queues application bytes for side dst and segments them. A nil
// payload flushes everything still buffered.
func (s *Splicer) Write(dst core.Side, h *core.Header, p core.Payload) error {
	if h == nil || h.TCPConn == nil {
		return fmt.Errorf("%w: header carries no connection", ErrConnectionLookup)
	}
	conn, ok := s.conns.Get(*h.TCPConn)
	if !ok || conn.Half(dst).ipHeader == nil {
		return fmt.Errorf("%w: %s side %s", ErrConnectionLookup, h.TCPConn, dst)
	}
	hc := conn.Half(dst)

	if p == nil {
		for len(hc.OutBuffer) > 0 {
			if err := s.writePacket(dst, conn, flagA); err != nil {
				return err
			}
		}
		return nil
	}

	b, err := core.Serialize(p)
	if err != nil {
		return fmt.Errorf("tcp: serialize payload: %w", err)
	}
	hc.OutBuffer = append(hc.OutBuffer, b...)
	minSeg := max(hc.MinSegment, 1)
	for len(hc.OutBuffer) >= minSeg {
		if err := s.writePacket(dst, conn, flagA); err != nil {
			return err
		}
	}
	return nil
}

// writePacket synthesizes one segment towards dst, carrying at most one MSS
// of buffered data.
func (s *Splicer) writePacket(dst core.Side, conn *Conn, f segFlags) error {
	hc := conn.Half(dst)
	if hc.ipHeader == nil {
		return fmt.Errorf("%w: %s side %s has no addressing", ErrConnectionLookup, conn.ID, dst)
	}

	seg := &Segment{TCP: layers.TCP{
		SrcPort: layers.TCPPort(hc.SrcPort),
		DstPort: layers.TCPPort(hc.DstPort),
		Seq:     uint32(hc.Seq),
		Window:  hc.Window,
		SYN:     f.syn,
		ACK:     f.ack,
		FIN:     f.fin,
		RST:     f.rst,
	}}
	if hc.hasAck {
		seg.TCP.Ack = uint32(hc.Ack)
	}

	if len(hc.OutBuffer) > 0 {
		mss := hc.MSS
		if mss <= 0 {
			mss = s.cfg.DefaultMSS
		}
		n := min(mss, len(hc.OutBuffer))
		seg.Data = append([]byte(nil), hc.OutBuffer[:n]...)
		hc.OutBuffer = hc.OutBuffer[n:]
		seg.TCP.PSH = true
		hc.Unacked = append(hc.Unacked, Unacked{Seq: hc.Seq, Data: seg.Data})
		hc.Seq = hc.Seq.Add(seqnum.Size(n))
	}

	var opts []layers.TCPOption
	if hc.peerTS {
		val := s.timer(hc.ipHeader.IPSrc).Estimate(s.now())
		if val == 0 {
			val = hc.LastTSVal
		}
		opts = append(opts, TimestampOption(val, hc.TSEcr))
	}
	if f.syn {
		opts = append(opts, hc.SynOptions...)
	}
	if len(opts) > 0 {
		seg.TCP.Options = PadOptions(opts)
	}

	atomic.AddUint64(&s.synthesized, 1)
	s.metrics.AddWritten(len(seg.Data))
	s.trace(dst, "->", conn, &seg.TCP, len(seg.Data))
	return s.WriteBack(dst, hc.ipHeader.Clone(), seg)
}

func (s *Splicer) passthru(src core.Side, h *core.Header, p core.Payload, why string) error {
	s.metrics.AddPassthrough()
	s.Tracef("passthru from %s: %s", src, why)
	return s.Passthru(src, h, p)
}

func (s *Splicer) trace(side core.Side, dir string, conn *Conn, t *layers.TCP, n int) {
	if !s.Debug {
		return
	}
	s.Log().Debugf("TCP %s%s #%d %d->%d %-4s seq=%d ack=%d data=%d",
		side, dir, conn.Count, t.SrcPort, t.DstPort, Flags(t), t.Seq, t.Ack, n)
}
