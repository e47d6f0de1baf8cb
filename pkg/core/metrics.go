package core

import "sync/atomic"

// LayerMetrics contains counters maintained by a layer. Counters are updated
// from the event loop and may be read concurrently through Snapshot.
type LayerMetrics struct {
	// PacketsRead is the number of units received on the read path.
	PacketsRead uint64

	// PacketsWritten is the number of units emitted on the write path.
	PacketsWritten uint64

	// BytesRead is the number of payload bytes received.
	BytesRead uint64

	// BytesWritten is the number of payload bytes emitted.
	BytesWritten uint64

	// Passthrough is the number of units forwarded without interpretation.
	Passthrough uint64

	// Errors is the number of errors encountered.
	Errors uint64
}

// AddRead records one unit of n bytes on the read path.
func (m *LayerMetrics) AddRead(n int) {
	atomic.AddUint64(&m.PacketsRead, 1)
	atomic.AddUint64(&m.BytesRead, uint64(n))
}

// AddWritten records one unit of n bytes on the write path.
func (m *LayerMetrics) AddWritten(n int) {
	atomic.AddUint64(&m.PacketsWritten, 1)
	atomic.AddUint64(&m.BytesWritten, uint64(n))
}

// AddPassthrough records one passthrough.
func (m *LayerMetrics) AddPassthrough() { atomic.AddUint64(&m.Passthrough, 1) }

// AddError records one error.
func (m *LayerMetrics) AddError() { atomic.AddUint64(&m.Errors, 1) }

// Snapshot returns a consistent-enough copy for reporting.
func (m *LayerMetrics) Snapshot() LayerMetrics {
	return LayerMetrics{
		PacketsRead:    atomic.LoadUint64(&m.PacketsRead),
		PacketsWritten: atomic.LoadUint64(&m.PacketsWritten),
		BytesRead:      atomic.LoadUint64(&m.BytesRead),
		BytesWritten:   atomic.LoadUint64(&m.BytesWritten),
		Passthrough:    atomic.LoadUint64(&m.Passthrough),
		Errors:         atomic.LoadUint64(&m.Errors),
	}
}

// Map renders the counters as a name → value map for status output.
func (m LayerMetrics) Map() map[string]uint64 {
	return map[string]uint64{
		"packets_read":    m.PacketsRead,
		"packets_written": m.PacketsWritten,
		"bytes_read":      m.BytesRead,
		"bytes_written":   m.BytesWritten,
		"passthrough":     m.Passthrough,
		"errors":          m.Errors,
	}
}
