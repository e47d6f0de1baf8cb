package stream

import (
	"bytes"
	"sync/atomic"

	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
)

// Replace substitutes one byte string for another in everything it reads.
// The replacement may differ in length.
type Replace struct {
	layer.Base
	from, to     []byte
	replacements uint64
}

// NewReplace returns a replacing layer called name.
func NewReplace(name string, from, to []byte) *Replace {
	return &Replace{Base: layer.NewBase(name), from: from, to: to}
}

// Replacements returns how many substitutions have been made.
func (r *Replace) Replacements() uint64 { return atomic.LoadUint64(&r.replacements) }

func (r *Replace) OnRead(src core.Side, h *core.Header, p core.Payload) error {
	if len(r.from) == 0 || p == nil {
		return r.Bubble(src, h, p)
	}
	b, err := core.Serialize(p)
	if err != nil {
		return err
	}
	if n := bytes.Count(b, r.from); n > 0 {
		atomic.AddUint64(&r.replacements, uint64(n))
		r.Tracef("%d replacement(s) from %s", n, src)
		b = bytes.ReplaceAll(b, r.from, r.to)
	}
	return r.Bubble(src, h, core.Raw(b))
}
