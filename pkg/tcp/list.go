package tcp

import "github.com/ervanalb/lens/pkg/core"

// HalfInfo summarizes one half connection for operators.
type HalfInfo struct {
	State    string `json:"state"`
	Seq      uint32 `json:"seq"`
	Ack      uint32 `json:"ack"`
	Buffered int    `json:"buffered"`
	Unacked  int    `json:"unacked"`
}

// ConnInfo summarizes one connection. Seq/ack values are offsets from the
// SYN anchors.
type ConnInfo struct {
	ID        string   `json:"id"`
	Count     int      `json:"count"`
	Initiator string   `json:"initiator"`
	Sender    HalfInfo `json:"sender"`
	Receiver  HalfInfo `json:"receiver"`
}

func halfInfo(h *HalfConn) HalfInfo {
	return HalfInfo{
		State:    h.State.String(),
		Seq:      h.RelSeq(),
		Ack:      h.RelAck(),
		Buffered: len(h.OutBuffer),
		Unacked:  len(h.Unacked),
	}
}

// Connections lists every tracked connection in creation order. It must be
// called from the event loop.
func (s *Splicer) Connections() []ConnInfo {
	out := make([]ConnInfo, 0, s.conns.Len())
	s.conns.Each(func(c *Conn) {
		out = append(out, ConnInfo{
			ID:        c.ID.String(),
			Count:     c.Count,
			Initiator: c.Initiator.String(),
			Sender:    halfInfo(c.Half(c.Initiator)),
			Receiver:  halfInfo(c.Half(c.Initiator.Other())),
		})
	})
	return out
}

// PayloadSizes returns the histogram of inbound payload sizes seen from side
// src of conn.
func (s *Splicer) PayloadSizes(id core.ConnID, src core.Side) map[int]int {
	c, ok := s.conns.Get(id)
	if !ok {
		return nil
	}
	out := make(map[int]int, len(c.Half(src).PayloadSizes))
	for k, v := range c.Half(src).PayloadSizes {
		out[k] = v
	}
	return out
}
