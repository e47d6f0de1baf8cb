package link

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// Kind is the framing of the packets a port carries.
type Kind int

const (
	// KindEthernet ports carry Ethernet II frames.
	KindEthernet Kind = iota
	// KindIP ports carry bare IP packets.
	KindIP
)

func (k Kind) String() string {
	if k == KindIP {
		return "ip"
	}
	return "ethernet"
}

// Port is one physical attachment point. ReadPacket blocks until a packet
// arrives and returns io.EOF once the port is closed.
type Port interface {
	Name() string
	ReadPacket() ([]byte, error)
	WritePacket(b []byte) error
	Close() error
}

// MemoryPort is an in-process port. Frames handed to Feed are returned by
// ReadPacket; frames written to it are retained for inspection.
type MemoryPort struct {
	name string
	in   chan []byte

	mu      sync.Mutex
	written [][]byte
	keep    bool

	closeOnce sync.Once
	closed    chan struct{}
	writes    uint64
}

// NewMemoryPort returns a memory port. With keep unset written frames are
// only counted.
func NewMemoryPort(name string, keep bool) *MemoryPort {
	return &MemoryPort{
		name:   name,
		in:     make(chan []byte, 256),
		keep:   keep,
		closed: make(chan struct{}),
	}
}

func (m *MemoryPort) Name() string { return m.name }

// Feed queues a frame to be read.
func (m *MemoryPort) Feed(b []byte) error {
	select {
	case <-m.closed:
		return errors.New("memory port closed")
	case m.in <- append([]byte(nil), b...):
		return nil
	}
}

func (m *MemoryPort) ReadPacket() ([]byte, error) {
	select {
	case <-m.closed:
		return nil, io.EOF
	case b := <-m.in:
		return b, nil
	}
}

func (m *MemoryPort) WritePacket(b []byte) error {
	atomic.AddUint64(&m.writes, 1)
	if !m.keep {
		return nil
	}
	m.mu.Lock()
	m.written = append(m.written, append([]byte(nil), b...))
	m.mu.Unlock()
	return nil
}

func (m *MemoryPort) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Written returns and clears the retained frames.
func (m *MemoryPort) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.written
	m.written = nil
	return out
}

// Writes returns the number of frames written.
func (m *MemoryPort) Writes() uint64 { return atomic.LoadUint64(&m.writes) }
