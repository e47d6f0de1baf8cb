//go:build linux

package link

import (
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEthernetPortLoopback(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("AF_PACKET sockets need root")
	}
	p, err := OpenEthernet("lo", false)
	require.NoError(t, err)
	assert.Equal(t, "lo", p.Name())

	eth := &layers.Ethernet{
		SrcMAC:       []byte{0x02, 0, 0, 0, 0, 1},
		DstMAC:       []byte{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetType(0x88b5),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload("lens loopback")))
	require.NoError(t, p.WritePacket(buf.Bytes()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := p.ReadPacket(); err != nil {
				return
			}
		}
	}()
	require.NoError(t, p.Close())
	select {
	case <-done:
	case <-time.After(2 * pollTimeout * 5):
		t.Fatal("reader did not stop after Close")
	}
	assert.Error(t, p.WritePacket(buf.Bytes()))
}
