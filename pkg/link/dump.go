package link

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/ervanalb/lens/pkg/core"
)

const snapLen = 65536

// Dumper writes every frame sent to each side into a per-side pcap file.
type Dumper struct {
	mu      sync.Mutex
	writers [2]*pcapgo.Writer
	closers []io.Closer
	now     func() time.Time
}

func linkType(k Kind) layers.LinkType {
	if k == KindIP {
		return layers.LinkTypeRaw
	}
	return layers.LinkTypeEthernet
}

// DumpPath returns the file a dump with prefix writes for side.
func DumpPath(prefix string, side core.Side) string {
	return fmt.Sprintf("%s.%d.pcap", prefix, int(side))
}

// NewDumper creates prefix.0.pcap (frames sent to Alice) and prefix.1.pcap
// (frames sent to Bob).
func NewDumper(prefix string, kind Kind) (*Dumper, error) {
	var files [2]io.Writer
	var closers []io.Closer
	for _, side := range []core.Side{core.Alice, core.Bob} {
		f, err := os.Create(DumpPath(prefix, side))
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, fmt.Errorf("pcap dump: %w", err)
		}
		files[side] = f
		closers = append(closers, f)
	}
	d, err := NewDumperTo(files[0], files[1], kind)
	if err != nil {
		return nil, err
	}
	d.closers = closers
	return d, nil
}

// NewDumperTo writes pcap streams to a and b.
func NewDumperTo(a, b io.Writer, kind Kind) (*Dumper, error) {
	d := &Dumper{now: time.Now}
	for i, w := range []io.Writer{a, b} {
		pw := pcapgo.NewWriter(w)
		if err := pw.WriteFileHeader(snapLen, linkType(kind)); err != nil {
			return nil, fmt.Errorf("pcap dump: header: %w", err)
		}
		d.writers[i] = pw
	}
	return d, nil
}

// Write records one frame sent to side.
func (d *Dumper) Write(side core.Side, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     d.now(),
		CaptureLength: len(b),
		Length:        len(b),
	}
	return d.writers[side].WritePacket(ci, b)
}

// Close closes the underlying files.
func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}
