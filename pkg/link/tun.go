package link

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	wtun "golang.zx2c4.com/wireguard/tun"
)

// tunOffset is the headroom reserved in front of each packet buffer; the
// Linux driver writes its virtio header there when offloads are enabled.
const tunOffset = 16

// TUNPort attaches to a TUN interface. It carries bare IP packets.
type TUNPort struct {
	dev  wtun.Device
	name string
	mtu  int

	rmu     sync.Mutex
	bufs    [][]byte
	sizes   []int
	pending [][]byte

	wmu sync.Mutex
}

// OpenTUN creates (or attaches to) the TUN interface called name.
func OpenTUN(name string, mtu int) (*TUNPort, error) {
	dev, err := wtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tun %s: %w", name, err)
	}
	return newTUNPort(dev, mtu)
}

func newTUNPort(dev wtun.Device, mtu int) (*TUNPort, error) {
	name, err := dev.Name()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("tun name: %w", err)
	}
	if real, err := dev.MTU(); err == nil && real > 0 {
		mtu = real
	}
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	p := &TUNPort{
		dev:   dev,
		name:  name,
		mtu:   mtu,
		bufs:  make([][]byte, batch),
		sizes: make([]int, batch),
	}
	for i := range p.bufs {
		// offloaded reads may coalesce segments well past the MTU
		p.bufs[i] = make([]byte, tunOffset+65535)
	}
	return p, nil
}

func (p *TUNPort) Name() string { return p.name }

// ReadPacket returns the next packet, reading a new batch from the device
// when the previous one is used up.
func (p *TUNPort) ReadPacket() ([]byte, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	for len(p.pending) == 0 {
		n, err := p.dev.Read(p.bufs, p.sizes, tunOffset)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil, io.EOF
			}
			return nil, err
		}
		for i := 0; i < n; i++ {
			pkt := p.bufs[i][tunOffset : tunOffset+p.sizes[i]]
			p.pending = append(p.pending, append([]byte(nil), pkt...))
		}
	}
	b := p.pending[0]
	p.pending = p.pending[1:]
	return b, nil
}

func (p *TUNPort) WritePacket(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	buf := make([]byte, tunOffset+len(b))
	copy(buf[tunOffset:], b)
	_, err := p.dev.Write([][]byte{buf}, tunOffset)
	return err
}

func (p *TUNPort) Close() error { return p.dev.Close() }
