package stack

import (
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ervanalb/lens/pkg/config"
	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/layer"
	"github.com/ervanalb/lens/pkg/link"
	"github.com/ervanalb/lens/pkg/tcp"
)

var (
	aliceMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a}
	bobMAC   = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0b}
)

func newLink(kind link.Kind) (*link.Link, *link.MemoryPort, *link.MemoryPort) {
	a := link.NewMemoryPort("a", true)
	b := link.NewMemoryPort("b", true)
	return link.New(config.RootLayer, kind, a, b), a, b
}

func synFrame(t *testing.T) []byte {
	eth := &layers.Ethernet{SrcMAC: aliceMAC, DstMAC: bobMAC, EthernetType: layers.EthernetTypeIPv4}
	ip4 := &layers.IPv4{
		Version: 4, TTL: 64, Id: 100, Flags: layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
	}
	seg := &layers.TCP{
		SrcPort: 40000, DstPort: 80, Seq: 1000, SYN: true, Window: 64240,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}}},
	}
	require.NoError(t, seg.SetNetworkLayerForChecksum(ip4))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip4, seg))
	return buf.Bytes()
}

func TestKindFor(t *testing.T) {
	k, err := KindFor(config.ModeTUN)
	require.NoError(t, err)
	assert.Equal(t, link.KindIP, k)
	k, err = KindFor(config.ModeEthernet)
	require.NoError(t, err)
	assert.Equal(t, link.KindEthernet, k)
	_, err = KindFor("token-ring")
	assert.Error(t, err)
}

func TestDefaultGraphShape(t *testing.T) {
	for _, kind := range []link.Kind{link.KindEthernet, link.KindIP} {
		root, _, _ := newLink(kind)
		g, err := Build(config.DefaultConfig(), root)
		require.NoError(t, err)

		var names []string
		var depths []int
		g.Walk(func(_ layer.Handle, depth int, l layer.Layer) {
			names = append(names, l.Name())
			depths = append(depths, depth)
		})
		if kind == link.KindIP {
			assert.Equal(t, []string{"link", "ipv4", "tcp"}, names)
			assert.Equal(t, []int{0, 1, 2}, depths)
		} else {
			assert.Equal(t, []string{"link", "ethernet", "ipv4", "tcp"}, names)
			assert.Equal(t, []int{0, 1, 2, 3}, depths)
		}
		assert.Len(t, Splicers(g), 1)
	}
}

func TestSpliceThroughDefaultGraph(t *testing.T) {
	root, _, bob := newLink(link.KindEthernet)
	g, err := Build(config.DefaultConfig(), root)
	require.NoError(t, err)

	require.NoError(t, root.Inject(core.Alice, synFrame(t)))

	out := bob.Written()
	require.Len(t, out, 1)
	pkt := gopacket.NewPacket(out[0], layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())

	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, aliceMAC, eth.SrcMAC)
	assert.Equal(t, bobMAC, eth.DstMAC)
	ip4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, "10.0.0.1", ip4.SrcIP.String())
	assert.Equal(t, "10.0.0.2", ip4.DstIP.String())
	seg := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	assert.True(t, seg.SYN)
	assert.False(t, seg.ACK)
	assert.Equal(t, layers.TCPPort(40000), seg.SrcPort)
	assert.Equal(t, layers.TCPPort(80), seg.DstPort)

	s := Splicers(g)[0]
	assert.Equal(t, 1, s.Table().Len())
	conns := s.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, core.Alice.String(), conns[0].Initiator)

	m := Metrics(g)
	assert.Equal(t, uint64(1), m["link.A"].PacketsRead)
	assert.Equal(t, uint64(1), m["link.B"].PacketsWritten)
	assert.Contains(t, m, "ethernet")
	assert.Contains(t, m, "ipv4")
	assert.Contains(t, m, "tcp")
}

func TestUnclaimedFramesPassVerbatim(t *testing.T) {
	root, alice, _ := newLink(link.KindEthernet)
	_, err := Build(config.DefaultConfig(), root)
	require.NoError(t, err)

	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: bobMAC, SourceProtAddress: []byte{10, 0, 0, 2},
		DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 1},
	}
	eth := &layers.Ethernet{SrcMAC: bobMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))
	frame := buf.Bytes()

	require.NoError(t, root.Inject(core.Bob, frame))
	assert.Equal(t, [][]byte{frame}, alice.Written())
}

func TestConfiguredGraph(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TCP.MaxMSS = 1000
	cfg.Graph = []layer.Spec{
		{Type: TypeIPv4},
		{Type: TypeIPv4Filter, Parent: TypeIPv4, Args: map[string]string{"addrs": "10.0.0.1, 10.0.0.2"}},
		{Name: "web", Type: TypeTCP, Parent: TypeIPv4Filter, Args: map[string]string{"defaultMSS": "512"}},
		{Type: TypeTCPFilter, Parent: "web", Args: map[string]string{"ports": "80,8080"}},
		{Type: TypeLineBuffer, Parent: TypeTCPFilter},
		{Type: TypeReplace, Parent: TypeLineBuffer, Debug: true, Args: map[string]string{"from": "a", "to": "bb"}},
		{Type: TypePrint, Parent: "web"},
		{Type: TypePassthrough, Parent: "web"},
	}
	require.NoError(t, cfg.Validate())

	root, _, _ := newLink(link.KindIP)
	g, err := Build(cfg, root)
	require.NoError(t, err)
	assert.Equal(t, 9, g.Len())

	h, ok := g.Lookup(TypeReplace)
	require.True(t, ok)
	assert.True(t, g.Layer(h).Name() == TypeReplace)

	h, ok = g.Lookup("web")
	require.True(t, ok)
	_, isSplicer := g.Layer(h).(*tcp.Splicer)
	assert.True(t, isSplicer)
	assert.Len(t, g.Children(h), 3)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name       string
		spec       layer.Spec
		structural bool
	}{
		{"unknown type", layer.Spec{Type: "quic"}, true},
		{"unknown parent", layer.Spec{Type: TypeIPv4, Parent: "ethernet"}, true},
		{"missing ports", layer.Spec{Type: TypeTCPFilter}, false},
		{"bad ports", layer.Spec{Type: TypeTCPFilter, Args: map[string]string{"ports": "http"}}, false},
		{"missing addrs", layer.Spec{Type: TypeIPv4Filter}, false},
		{"bad addrs", layer.Spec{Type: TypeIPv4Filter, Args: map[string]string{"addrs": "10.0.0"}}, false},
		{"missing from", layer.Spec{Type: TypeReplace, Args: map[string]string{"to": "x"}}, false},
		{"bad mss", layer.Spec{Type: TypeTCP, Args: map[string]string{"maxMSS": "-3"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Graph = []layer.Spec{tt.spec}
			root, _, _ := newLink(link.KindIP)
			_, err := Build(cfg, root)
			require.Error(t, err)
			var se *layer.StructuralError
			assert.Equal(t, tt.structural, errors.As(err, &se))
		})
	}
}

func TestRegistryTypes(t *testing.T) {
	assert.Equal(t, []string{
		TypeEthernet, TypeIPv4, TypeIPv4Filter, TypeLineBuffer, TypePassthrough,
		TypePrint, TypeReplace, TypeTCP, TypeTCPFilter,
	}, DefaultRegistry(tcp.DefaultConfig()).Types())
}
