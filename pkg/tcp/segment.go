package tcp

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Segment is a TCP segment handed down to the IP layer unserialized, so the
// IP layer can supply the pseudo-header and compute the checksum once.
type Segment struct {
	TCP  layers.TCP
	Data []byte
}

// LayerType implements gopacket.SerializableLayer.
func (s *Segment) LayerType() gopacket.LayerType { return layers.LayerTypeTCP }

// SerializeTo writes the payload, then prepends the TCP header.
func (s *Segment) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(s.Data) > 0 {
		if err := gopacket.Payload(s.Data).SerializeTo(b, opts); err != nil {
			return err
		}
	}
	return s.TCP.SerializeTo(b, opts)
}

// SetNetworkLayerForChecksum sets the pseudo-header source.
func (s *Segment) SetNetworkLayerForChecksum(l gopacket.NetworkLayer) error {
	return s.TCP.SetNetworkLayerForChecksum(l)
}

// Flags renders the set flags in the compact form used in traces.
func Flags(t *layers.TCP) string {
	var b []byte
	for _, f := range []struct {
		on bool
		c  byte
	}{
		{t.SYN, 'S'}, {t.ACK, 'A'}, {t.FIN, 'F'}, {t.RST, 'R'}, {t.PSH, 'P'}, {t.URG, 'U'}, {t.ECE, 'E'}, {t.CWR, 'C'},
	} {
		if f.on {
			b = append(b, f.c)
		}
	}
	return string(b)
}
