package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/ervanalb/lens/pkg/core"
)

// ReplayClock reports the capture time of the frame being replayed, so
// that time-dependent layers see capture time rather than wall time.
type ReplayClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now returns the current replay time.
func (c *ReplayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *ReplayClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type replaySource struct {
	r    *pcapgo.Reader
	next []byte
	ci   gopacket.CaptureInfo
	done bool
}

func (s *replaySource) advance() error {
	data, ci, err := s.r.ReadPacketData()
	if errors.Is(err, io.EOF) {
		s.done = true
		return nil
	}
	if err != nil {
		return err
	}
	s.next, s.ci = data, ci
	return nil
}

func kindOf(lt layers.LinkType) (Kind, bool) {
	switch lt {
	case layers.LinkTypeEthernet:
		return KindEthernet, true
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return KindIP, true
	}
	return 0, false
}

// Replay feeds two captures through l, alice's frames as read from Alice
// and bob's from Bob, interleaved by capture timestamp. clock, if not nil,
// is advanced to each frame's timestamp before it is dispatched. It returns
// the number of frames replayed.
func Replay(ctx context.Context, l *Link, alice, bob io.Reader, clock *ReplayClock) (int, error) {
	var srcs [2]*replaySource
	for i, r := range []io.Reader{alice, bob} {
		pr, err := pcapgo.NewReader(r)
		if err != nil {
			return 0, fmt.Errorf("replay %s: %w", core.Side(i), err)
		}
		k, ok := kindOf(pr.LinkType())
		if !ok || k != l.Kind() {
			return 0, fmt.Errorf("replay %s: link type %s does not match %s link", core.Side(i), pr.LinkType(), l.Kind())
		}
		srcs[i] = &replaySource{r: pr}
		if err := srcs[i].advance(); err != nil {
			return 0, fmt.Errorf("replay %s: %w", core.Side(i), err)
		}
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		side := core.Alice
		switch {
		case srcs[0].done && srcs[1].done:
			return n, nil
		case srcs[0].done:
			side = core.Bob
		case !srcs[1].done && srcs[1].ci.Timestamp.Before(srcs[0].ci.Timestamp):
			side = core.Bob
		}
		s := srcs[side]
		if clock != nil {
			clock.set(s.ci.Timestamp)
		}
		if err := l.Inject(side, s.next); err != nil {
			return n, err
		}
		n++
		if err := s.advance(); err != nil {
			return n, fmt.Errorf("replay %s: %w", side, err)
		}
	}
}
