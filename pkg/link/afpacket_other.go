//go:build !linux

package link

import (
	"errors"
	"runtime"
)

// EthernetPort is only available on Linux.
type EthernetPort struct{ MemoryPort }

// OpenEthernet is only available on Linux.
func OpenEthernet(iface string, promisc bool) (*EthernetPort, error) {
	return nil, errors.New("af_packet ports are not supported on " + runtime.GOOS)
}
