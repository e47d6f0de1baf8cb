// Package stream holds application layers that sit above the TCP splicer
// and operate on reassembled byte streams.
package stream

import (
	"bytes"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

type lineState struct {
	buf     [2][]byte
	enabled [2]bool
	closed  [2]bool
}

// LineBuffer re-chunks each direction of a connection into whole lines.
// Buffered bytes are released on close, on a nil read, or when buffering
// is disabled for that direction.
type LineBuffer struct {
	layer.Base
	conns map[core.ConnID]*lineState
}

// NewLineBuffer returns a line buffer called name.
func NewLineBuffer(name string) *LineBuffer {
	return &LineBuffer{Base: layer.NewBase(name), conns: make(map[core.ConnID]*lineState)}
}

// Match accepts stream data.
func (l *LineBuffer) Match(_ core.Side, h *core.Header) bool { return h.TCPConn != nil }

func (l *LineBuffer) state(id core.ConnID) *lineState {
	st, ok := l.conns[id]
	if !ok {
		st = &lineState{enabled: [2]bool{true, true}}
		l.conns[id] = st
	}
	return st
}

// SetEnabled toggles line splitting for one direction of a connection.
func (l *LineBuffer) SetEnabled(id core.ConnID, side core.Side, on bool) {
	l.state(id).enabled[side] = on
}

// Buffered returns the number of bytes held for one direction.
func (l *LineBuffer) Buffered(id core.ConnID, side core.Side) int {
	if st, ok := l.conns[id]; ok {
		return len(st.buf[side])
	}
	return 0
}

func (l *LineBuffer) OnRead(src core.Side, h *core.Header, p core.Payload) error {
	if h.TCPConn == nil {
		return l.Bubble(src, h, p)
	}
	st := l.state(*h.TCPConn)
	if p == nil {
		return l.flush(src, h, st)
	}
	b, err := core.Serialize(p)
	if err != nil {
		return err
	}
	st.buf[src] = append(st.buf[src], b...)

	if !st.enabled[src] {
		return l.flush(src, h, st)
	}
	for {
		i := bytes.IndexByte(st.buf[src], '\n')
		if i < 0 {
			return nil
		}
		line := append([]byte(nil), st.buf[src][:i+1]...)
		st.buf[src] = st.buf[src][i+1:]
		if err := l.Bubble(src, h, core.Raw(line)); err != nil {
			return err
		}
	}
}

func (l *LineBuffer) flush(src core.Side, h *core.Header, st *lineState) error {
	if len(st.buf[src]) == 0 {
		return nil
	}
	rest := st.buf[src]
	st.buf[src] = nil
	return l.Bubble(src, h, core.Raw(rest))
}

// OnClose releases whatever is buffered for src before passing the close
// on. State is dropped once both directions have closed.
func (l *LineBuffer) OnClose(src core.Side, h *core.Header) error {
	if h.TCPConn != nil {
		if st, ok := l.conns[*h.TCPConn]; ok {
			if err := l.flush(src, h, st); err != nil {
				return err
			}
			st.closed[src] = true
			if st.closed[core.Alice] && st.closed[core.Bob] {
				delete(l.conns, *h.TCPConn)
			}
		}
	}
	return l.CloseBubble(src, h)
}
