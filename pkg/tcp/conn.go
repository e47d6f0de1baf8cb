package tcp

import (
	"sort"

	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/ervanalb/lens/pkg/core"
)

// State is the modeled TCP state of one half connection.
type State int

// Half connection states. StateNone means no state has been recorded.
const (
	StateNone State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateLastAck
	StateClosed
	StateReset
)

var stateNames = [...]string{
	StateNone:        "-",
	StateSynSent:     "SYN-SENT",
	StateSynReceived: "SYN-RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateLastAck:     "LAST-ACK",
	StateClosed:      "CLOSED",
	StateReset:       "RESET",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "?"
	}
	return stateNames[s]
}

// Unacked is a segment sent to a side and not yet acknowledged by it.
type Unacked struct {
	Seq  seqnum.Value
	Data []byte
}

// HalfConn is the splicer's view of one physical side of a connection,
// seen as the peer it impersonates: Seq is the next sequence number sent
// to the side and Ack is the next byte expected from it.
type HalfConn struct {
	State State

	// ipHeader addresses segments sent to this side. It is captured from
	// the SYN that travelled towards it.
	ipHeader *core.Header
	SrcPort  uint16
	DstPort  uint16

	Seq      seqnum.Value
	SeqStart seqnum.Value
	hasSeq   bool
	Ack      seqnum.Value
	AckStart seqnum.Value
	hasAck   bool

	Window      uint16
	WindowScale uint8
	MSS         int
	MinSegment  int
	SynOptions  []layers.TCPOption

	// TSEcr is the most recent TSval this side sent; it is echoed back.
	TSEcr uint32
	// LastTSVal is the most recent TSval seen from the host this side's
	// segments impersonate.
	LastTSVal uint32
	// peerTS is set once the impersonated host has sent a timestamp.
	peerTS bool

	InBuffer     []byte
	OutBuffer    []byte
	Unacked      []Unacked
	PayloadSizes map[int]int
}

// RelSeq returns Seq relative to the SYN anchor.
func (h *HalfConn) RelSeq() uint32 { return uint32(h.SeqStart.Size(h.Seq)) }

// RelAck returns Ack relative to the SYN anchor.
func (h *HalfConn) RelAck() uint32 { return uint32(h.AckStart.Size(h.Ack)) }

// prune drops unacked entries fully covered by ack.
func (h *HalfConn) prune(ack seqnum.Value) {
	i := 0
	for ; i < len(h.Unacked); i++ {
		u := h.Unacked[i]
		end := u.Seq.Add(seqnum.Size(len(u.Data)))
		if !end.LessThanEq(ack) {
			break
		}
	}
	if i > 0 {
		h.Unacked = append(h.Unacked[:0], h.Unacked[i:]...)
	}
}

// Conn is one spliced connection: two halves indexed by side, and the side
// that sent the opening SYN.
type Conn struct {
	ID        core.ConnID
	Initiator core.Side
	Count     int

	halves [2]*HalfConn
}

func newConn(id core.ConnID, initiator core.Side, count int) *Conn {
	return &Conn{
		ID:        id,
		Initiator: initiator,
		Count:     count,
		halves:    [2]*HalfConn{{PayloadSizes: map[int]int{}}, {PayloadSizes: map[int]int{}}},
	}
}

// Half returns the half connection for side s.
func (c *Conn) Half(s core.Side) *HalfConn { return c.halves[s] }

// Closed reports whether the connection has been torn down on both halves.
func (c *Conn) Closed() bool {
	for _, h := range c.halves {
		if h.State != StateClosed && h.State != StateReset {
			return false
		}
	}
	return true
}

// Table maps canonical connection ids to connections. It is only touched
// from the event loop.
type Table struct {
	conns   map[core.ConnID]*Conn
	created int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{conns: make(map[core.ConnID]*Conn)}
}

// Get looks up id.
func (t *Table) Get(id core.ConnID) (*Conn, bool) {
	c, ok := t.conns[id]
	return c, ok
}

// Create installs a fresh entry for id, replacing any existing one.
func (t *Table) Create(id core.ConnID, initiator core.Side) *Conn {
	c := newConn(id, initiator, t.created)
	t.created++
	t.conns[id] = c
	return c
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.conns) }

// Each calls fn for every entry in creation order.
func (t *Table) Each(fn func(*Conn)) {
	list := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Count < list[j].Count })
	for _, c := range list {
		fn(c)
	}
}
