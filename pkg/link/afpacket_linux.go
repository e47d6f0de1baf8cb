//go:build linux

package link

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/sys/unix"
)

// pollTimeout bounds how long a read holds the port, so Close can proceed.
const pollTimeout = 100 * time.Millisecond

// EthernetPort captures and injects raw frames on a network interface
// through an AF_PACKET ring.
type EthernetPort struct {
	name string

	// mu is held shared by reads and writes and exclusively by Close,
	// which unmaps the ring.
	mu     sync.RWMutex
	tp     *afpacket.TPacket
	closed bool

	restorePromisc bool
}

// OpenEthernet binds to iface, optionally switching it to promiscuous mode
// until the port is closed.
func OpenEthernet(iface string, promisc bool) (*EthernetPort, error) {
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion2),
		afpacket.SocketRaw,
	)
	if err != nil {
		return nil, fmt.Errorf("af_packet %s: %w", iface, err)
	}
	p := &EthernetPort{name: iface, tp: tp}
	if promisc {
		changed, err := setPromiscuous(iface, true)
		if err != nil {
			tp.Close()
			return nil, fmt.Errorf("af_packet %s: promiscuous: %w", iface, err)
		}
		p.restorePromisc = changed
	}
	return p, nil
}

// setPromiscuous sets or clears IFF_PROMISC on iface and reports whether
// the flag changed.
func setPromiscuous(iface string, on bool) (bool, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false, err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(iface)
	if err != nil {
		return false, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return false, err
	}
	flags := ifr.Uint16()
	was := flags&unix.IFF_PROMISC != 0
	if was == on {
		return false, nil
	}
	if on {
		flags |= unix.IFF_PROMISC
	} else {
		flags &^= unix.IFF_PROMISC
	}
	ifr.SetUint16(flags)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return false, err
	}
	return true, nil
}

func (p *EthernetPort) Name() string { return p.name }

func (p *EthernetPort) ReadPacket() ([]byte, error) {
	for {
		data, err := p.read()
		if errors.Is(err, afpacket.ErrTimeout) {
			continue
		}
		return data, err
	}
}

func (p *EthernetPort) read() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, io.EOF
	}
	data, _, err := p.tp.ReadPacketData()
	return data, err
}

func (p *EthernetPort) WritePacket(b []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	return p.tp.WritePacketData(b)
}

// Close waits for an in-flight read to time out, releases the ring, and
// restores the interface flags it changed.
func (p *EthernetPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.tp.Close()
	if p.restorePromisc {
		if _, err := setPromiscuous(p.name, false); err != nil {
			return fmt.Errorf("af_packet %s: restore flags: %w", p.name, err)
		}
	}
	return nil
}
