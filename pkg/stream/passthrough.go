package stream

import (
	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

// Passthrough forwards everything it reads to the other side without
// consulting its children.
type Passthrough struct {
	layer.Base
}

// NewPassthrough returns a passthrough layer called name.
func NewPassthrough(name string) *Passthrough {
	return &Passthrough{Base: layer.NewBase(name)}
}

func (p *Passthrough) OnRead(src core.Side, h *core.Header, pl core.Payload) error {
	return p.Passthru(src, h, pl)
}

// Print logs every payload crossing it in either direction.
type Print struct {
	layer.Base
}

// NewPrint returns a logging layer called name.
func NewPrint(name string) *Print {
	return &Print{Base: layer.NewBase(name)}
}

func (p *Print) OnRead(src core.Side, h *core.Header, pl core.Payload) error {
	b, _ := core.Bytes(pl)
	p.Log().WithField("side", src.String()).Infof("< %q", b)
	return p.Bubble(src, h, pl)
}

func (p *Print) Write(dst core.Side, h *core.Header, pl core.Payload) error {
	b, _ := core.Bytes(pl)
	p.Log().WithField("side", dst.String()).Infof("> %q", b)
	return p.WriteBack(dst, h, pl)
}
