// Package ethernet decodes and re-encodes Ethernet II framing.
package ethernet

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

const (
	extFrame   core.ExtKey = "eth.frame"
	extPayload core.ExtKey = "eth.payload"
)

// Layer is the Ethernet layer. It sits directly under the link root in
// ethernet mode.
type Layer struct {
	layer.Base

	seen    [2]map[string]uint64
	metrics core.LayerMetrics
}

// New returns an Ethernet layer called name.
func New(name string) *Layer {
	return &Layer{
		Base: layer.NewBase(name),
		seen: [2]map[string]uint64{{}, {}},
	}
}

// Metrics returns a snapshot of the layer counters.
func (l *Layer) Metrics() core.LayerMetrics { return l.metrics.Snapshot() }

// OnRead fills in the Ethernet fields of h and bubbles the frame payload.
func (l *Layer) OnRead(src core.Side, h *core.Header, p core.Payload) error {
	raw, ok := core.Bytes(p)
	if !ok {
		return l.Passthru(src, h, p)
	}
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		l.metrics.AddError()
		l.metrics.AddPassthrough()
		l.Tracef("passthru from %s: %v", src, err)
		return l.Passthru(src, h, p)
	}
	h.EthSrc = eth.SrcMAC
	h.EthDst = eth.DstMAC
	h.EthType = eth.EthernetType
	h.Set(extFrame, raw)
	h.Set(extPayload, eth.Payload)
	l.seen[src][eth.SrcMAC.String()]++
	l.metrics.AddRead(len(raw))
	return l.Bubble(src, h, core.Raw(eth.Payload))
}

// Write frames p with the addresses in h. A payload that is byte-for-byte
// the one read with h is sent as the original frame.
func (l *Layer) Write(dst core.Side, h *core.Header, p core.Payload) error {
	if b, ok := core.Bytes(p); ok {
		fv, _ := h.Get(extFrame)
		pv, _ := h.Get(extPayload)
		frame, ok1 := fv.([]byte)
		payload, ok2 := pv.([]byte)
		if ok1 && ok2 && bytes.Equal(b, payload) {
			l.metrics.AddWritten(len(frame))
			return l.WriteBack(dst, h, core.Raw(frame))
		}
	}
	if h.EthSrc == nil || h.EthDst == nil {
		return fmt.Errorf("ethernet: no addresses for frame to %s", dst)
	}
	eth := &layers.Ethernet{SrcMAC: h.EthSrc, DstMAC: h.EthDst, EthernetType: h.EthType}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, p); err != nil {
		l.metrics.AddError()
		return fmt.Errorf("ethernet: serialize: %w", err)
	}
	l.metrics.AddWritten(len(buf.Bytes()))
	return l.WriteBack(dst, h, core.Raw(buf.Bytes()))
}

// SeenMACs lists the source addresses observed on each side.
func (l *Layer) SeenMACs() map[string][]string {
	out := make(map[string][]string, 2)
	for _, side := range []core.Side{core.Alice, core.Bob} {
		macs := make([]string, 0, len(l.seen[side]))
		for m := range l.seen[side] {
			macs = append(macs, m)
		}
		sort.Strings(macs)
		out[side.String()] = macs
	}
	return out
}
