// Package link owns the two physical attachment points and runs the event
// loop that feeds the layer graph.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

const readerGrace = time.Second

type frame struct {
	side core.Side
	data []byte
}

// Link is the root of a layer graph. Everything read from one port is
// dispatched into the graph; everything the graph writes leaves through
// the port on the destination side.
type Link struct {
	layer.Base

	kind  Kind
	ports [2]Port
	dump  *Dumper

	calls   chan func()
	running int32

	metrics [2]core.LayerMetrics
}

// New returns a link root over ports alice and bob.
func New(name string, kind Kind, alice, bob Port) *Link {
	return &Link{
		Base:  layer.NewBase(name),
		kind:  kind,
		ports: [2]Port{alice, bob},
		calls: make(chan func()),
	}
}

// SetDumper records every frame written to either port.
func (l *Link) SetDumper(d *Dumper) { l.dump = d }

// Kind returns the framing carried by the ports.
func (l *Link) Kind() Kind { return l.kind }

// Match never accepts; the link is always the root.
func (l *Link) Match(core.Side, *core.Header) bool { return false }

// Metrics returns the counters for frames received from and sent to side.
func (l *Link) Metrics(side core.Side) core.LayerMetrics { return l.metrics[side].Snapshot() }

// OnRead starts a fresh header for a frame and bubbles it.
func (l *Link) OnRead(src core.Side, _ *core.Header, p core.Payload) error {
	h := &core.Header{}
	if l.kind == KindIP {
		if b, ok := core.Bytes(p); ok && len(b) > 0 && b[0]>>4 == 4 {
			h.EthType = layers.EthernetTypeIPv4
		}
	}
	return l.Bubble(src, h, p)
}

// Write sends p out of the port on side dst.
func (l *Link) Write(dst core.Side, _ *core.Header, p core.Payload) error {
	if !dst.Valid() {
		return &layer.StructuralError{Layer: l.Name(), Op: "write", Msg: fmt.Sprintf("no port for side %d", int(dst))}
	}
	b, err := core.Serialize(p)
	if err != nil {
		return fmt.Errorf("link: serialize: %w", err)
	}
	if l.dump != nil {
		if err := l.dump.Write(dst, b); err != nil {
			l.Log().Warnf("pcap dump: %v", err)
		}
	}
	l.metrics[dst].AddWritten(len(b))
	if err := l.ports[dst].WritePacket(b); err != nil {
		l.metrics[dst].AddError()
		return fmt.Errorf("link: write to %s: %w", l.ports[dst].Name(), err)
	}
	return nil
}

// Inject dispatches one frame as if it had been read from side src. It must
// not be called while Run is active.
func (l *Link) Inject(src core.Side, b []byte) error {
	return l.dispatch(src, b)
}

// dispatch runs one frame through the graph. Only structural errors are
// returned; anything else concerns this frame alone and is logged.
func (l *Link) dispatch(src core.Side, b []byte) error {
	if l.Graph() == nil {
		return &layer.StructuralError{Layer: l.Name(), Op: "dispatch", Msg: "link is not the root of a graph"}
	}
	l.metrics[src].AddRead(len(b))
	err := l.OnRead(src, nil, core.Raw(b))
	if err == nil {
		return nil
	}
	var se *layer.StructuralError
	if errors.As(err, &se) {
		return err
	}
	l.metrics[src].AddError()
	l.Log().WithField("side", src.String()).Warnf("dropped frame: %v", err)
	return nil
}

// Do runs fn on the event loop and waits for it, so fn may read layer state
// without locking. Without a running loop fn is called directly.
func (l *Link) Do(ctx context.Context, fn func()) error {
	if atomic.LoadInt32(&l.running) == 0 {
		fn()
		return nil
	}
	done := make(chan struct{})
	select {
	case l.calls <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run reads both ports and dispatches frames one at a time until ctx is
// done, a port fails, or the graph reports a structural error. The ports
// are closed on return.
func (l *Link) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return errors.New("link: already running")
	}
	defer atomic.StoreInt32(&l.running, 0)

	ctx, cancel := context.WithCancel(ctx)
	frames := make(chan frame, 256)
	errc := make(chan error, 2)
	var wg sync.WaitGroup
	for _, side := range []core.Side{core.Alice, core.Bob} {
		wg.Add(1)
		go func(side core.Side, p Port) {
			defer wg.Done()
			l.readLoop(ctx, side, p, frames, errc)
		}(side, l.ports[side])
	}
	defer func() {
		cancel()
		for _, p := range l.ports {
			_ = p.Close()
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(readerGrace):
			l.Log().Warn("port readers still blocked after close")
		}
	}()

	l.Log().Infof("link up: %s=%s %s=%s (%s)", core.Alice, l.ports[0].Name(), core.Bob, l.ports[1].Name(), l.kind)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case f := <-frames:
			if err := l.dispatch(f.side, f.data); err != nil {
				return err
			}
		case fn := <-l.calls:
			fn()
		}
	}
}

func (l *Link) readLoop(ctx context.Context, side core.Side, p Port, frames chan<- frame, errc chan<- error) {
	for {
		b, err := p.ReadPacket()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			errc <- fmt.Errorf("link: read from %s: %w", p.Name(), err)
			return
		}
		select {
		case frames <- frame{side: side, data: b}:
		case <-ctx.Done():
			return
		}
	}
}
