package core

import (
	"sync/atomic"

	"github.com/google/gopacket"
)

// Global debug flag that can be set via configuration
var debugMode uint32

// SetDebugMode sets the global debug mode flag.
// When debug mode is enabled, raw payloads are copied as they enter the
// layer tree so that later mutation of a read buffer cannot alias state held
// by a layer. When disabled, buffers are used directly.
func SetDebugMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&debugMode, 1)
	} else {
		atomic.StoreUint32(&debugMode, 0)
	}
}

// IsDebugMode returns whether debug mode is enabled
func IsDebugMode() bool {
	return atomic.LoadUint32(&debugMode) == 1
}

// Payload is a unit of data moving between layers. On the read path it is
// usually raw bytes (gopacket.Payload); on the write path a layer may hand
// its parent a structured layer (for example a TCP segment) so that lengths
// and checksums are computed once, by the layer that owns them. A nil
// Payload on the write path means "no more data".
type Payload = gopacket.SerializableLayer

// Raw wraps b as a Payload.
func Raw(b []byte) Payload {
	if b == nil {
		b = make([]byte, 0)
	}
	if IsDebugMode() {
		return gopacket.Payload(append([]byte(nil), b...))
	}
	return gopacket.Payload(b)
}

// Bytes returns the raw bytes held by p. ok is false when p is nil or is a
// structured layer that must be serialized first.
func Bytes(p Payload) (b []byte, ok bool) {
	switch v := p.(type) {
	case gopacket.Payload:
		return []byte(v), true
	case *gopacket.Payload:
		if v == nil {
			return nil, false
		}
		return []byte(*v), true
	default:
		return nil, false
	}
}

// Serialize renders p into a fresh byte slice.
func Serialize(p Payload) ([]byte, error) {
	if b, ok := Bytes(p); ok {
		return b, nil
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := p.SerializeTo(buf, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ChecksumLayer is implemented by transport payloads whose checksum covers a
// pseudo-header supplied by the network layer.
type ChecksumLayer interface {
	SetNetworkLayerForChecksum(l gopacket.NetworkLayer) error
}
