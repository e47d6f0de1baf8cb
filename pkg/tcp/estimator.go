package tcp

import (
	"sort"
	"time"
)

const (
	// DefaultDamping scales the measured clock rate down so that
	// extrapolated timestamps lag the real clock rather than overtake it.
	DefaultDamping = 0.5

	// DefaultMaxSamples bounds the per-host sample history.
	DefaultMaxSamples = 64

	// rateGuard is added to every wall-clock interval, in seconds, so that
	// two samples captured in the same instant do not divide by zero.
	rateGuard = 1e-3
)

type tsSample struct {
	at time.Time
	ts uint32
}

// Estimator models one remote host's TCP timestamp clock. It is fed the
// TSval of every segment seen from that host and extrapolates a plausible
// current value for segments synthesized on the host's behalf.
type Estimator struct {
	damping    float64
	maxSamples int

	samples []tsSample
	rate    float64

	last     uint32
	haveLast bool
}

// NewEstimator returns an estimator. Zero arguments select the defaults.
func NewEstimator(damping float64, maxSamples int) *Estimator {
	if damping <= 0 {
		damping = DefaultDamping
	}
	if maxSamples < 2 {
		maxSamples = DefaultMaxSamples
	}
	return &Estimator{damping: damping, maxSamples: maxSamples}
}

// Put records that the host's clock read ts at wall-clock time at. A zero
// value is not a real reading and is ignored. A value behind the oldest
// retained sample means the host's clock restarted, so the history is
// discarded.
func (e *Estimator) Put(at time.Time, ts uint32) {
	if ts < 1 {
		return
	}
	if len(e.samples) > 0 && int32(ts-e.samples[0].ts) < 0 {
		e.samples = e.samples[:0]
		e.rate = 0
		e.haveLast = false
	}
	e.samples = append(e.samples, tsSample{at: at, ts: ts})
	if len(e.samples) > e.maxSamples {
		e.samples = append(e.samples[:0], e.samples[len(e.samples)-e.maxSamples:]...)
	}
	e.recalculate()
}

// median of the per-interval rates between consecutive samples
func (e *Estimator) recalculate() {
	if len(e.samples) < 2 {
		return
	}
	deltas := make([]float64, 0, len(e.samples)-1)
	for i := 1; i < len(e.samples); i++ {
		prev, cur := e.samples[i-1], e.samples[i]
		dt := cur.at.Sub(prev.at).Seconds() + rateGuard
		deltas = append(deltas, float64(int32(cur.ts-prev.ts))/dt)
	}
	sort.Float64s(deltas)
	e.rate = deltas[len(deltas)/2]
}

// Rate returns the measured clock rate in ticks per second, before damping.
func (e *Estimator) Rate() float64 { return e.rate }

// Samples returns the number of retained samples.
func (e *Estimator) Samples() int { return len(e.samples) }

// Estimate extrapolates the host's timestamp at wall-clock time at. It
// returns 0 with no samples and the sole sample's value with one. Results
// never move backwards between calls.
func (e *Estimator) Estimate(at time.Time) uint32 {
	switch len(e.samples) {
	case 0:
		return 0
	case 1:
		return e.clamp(e.samples[0].ts)
	}
	l := e.samples[len(e.samples)-1]
	elapsed := at.Sub(l.at).Seconds()
	v := uint32(int64(float64(l.ts)+elapsed*e.rate*e.damping) & 0xFFFFFFFF)
	return e.clamp(v)
}

func (e *Estimator) clamp(v uint32) uint32 {
	if e.haveLast && int32(v-e.last) < 0 {
		return e.last
	}
	e.last = v
	e.haveLast = true
	return v
}

// Clock returns the current wall-clock time.
type Clock func() time.Time
