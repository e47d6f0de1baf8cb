package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ervanalb/lens/pkg/config"
	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/link"
	"github.com/ervanalb/lens/pkg/stack"
	"github.com/ervanalb/lens/pkg/tcp"
)

// ipSegment builds a bare IPv4 TCP packet between 10.0.0.1:40000 (alice)
// and 10.0.0.2:80 (bob).
func ipSegment(t *testing.T, fromAlice bool, seq, ack uint32, syn, isAck bool) []byte {
	src, dst := net.IPv4(10, 0, 0, 1).To4(), net.IPv4(10, 0, 0, 2).To4()
	sp, dp := layers.TCPPort(40000), layers.TCPPort(80)
	if !fromAlice {
		src, dst, sp, dp = dst, src, dp, sp
	}
	ip4 := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	seg := &layers.TCP{SrcPort: sp, DstPort: dp, Seq: seq, Ack: ack, SYN: syn, ACK: isAck, Window: 65535}
	require.NoError(t, seg.SetNetworkLayerForChecksum(ip4))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip4, seg))
	return buf.Bytes()
}

func writeCapture(t *testing.T, path string, at time.Time, frames ...[]byte) {
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeRaw))
	for i, b := range frames {
		ci := gopacket.CaptureInfo{Timestamp: at.Add(time.Duration(i) * time.Second), CaptureLength: len(b), Length: len(b)}
		require.NoError(t, w.WritePacket(ci, b))
	}
}

func countFrames(t *testing.T, path string) int {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	n := 0
	for {
		_, _, err := r.ReadPacketData()
		if err == io.EOF {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func tunStack(t *testing.T) (*link.Link, *status) {
	cfg := config.DefaultConfig()
	cfg.Link.Mode = config.ModeTUN
	l := link.New(config.RootLayer, link.KindIP, link.NewMemoryPort("a", false), link.NewMemoryPort("b", false))
	g, err := stack.Build(cfg, l)
	require.NoError(t, err)
	return l, newStatus(l, g)
}

func TestStatusEndpoints(t *testing.T) {
	l, st := tunStack(t)
	require.NoError(t, l.Inject(core.Alice, ipSegment(t, true, 1000, 0, true, false)))

	srv := httptest.NewServer(st.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/connections")
	require.NoError(t, err)
	var conns map[string][]tcp.ConnInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conns))
	resp.Body.Close()
	require.Len(t, conns["tcp"], 1)
	assert.Equal(t, "A", conns["tcp"][0].Initiator)
	assert.Equal(t, "SYN-SENT", conns["tcp"][0].Receiver.State)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var snap statsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, 1, snap.Connections["tcp"])
	assert.Equal(t, uint64(1), snap.Synthesized["tcp"])
	assert.Equal(t, uint64(1), snap.Layers["link.A"]["packets_read"])
	assert.Equal(t, uint64(1), snap.Layers["link.B"]["packets_written"])
	assert.NotZero(t, snap.RT["goroutines"])
}

func TestStatusReadsThroughRunningLoop(t *testing.T) {
	l, st := tunStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		conns, err := st.connections(context.Background())
		return err == nil && conns["tcp"] != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestFormatSnapshot(t *testing.T) {
	snap := statsSnapshot{
		Timestamp: "2024-01-01T00:00:00Z",
		Uptime:    "1m0s",
		Layers: map[string]map[string]uint64{
			"link.A": {"packets_read": 3, "bytes_read": 180},
			"link.B": {"packets_written": 2},
			"tcp":    {"passthrough": 1},
		},
		Connections: map[string]int{"tcp": 4},
		Synthesized: map[string]uint64{"tcp": 9},
		RT:          map[string]uint64{"goroutines": 7},
	}
	line := formatSnapshot("link", snap)
	assert.Contains(t, line, "A: in=3/180")
	assert.Contains(t, line, "B: in=0/0 out=2/0")
	assert.Contains(t, line, "tcp: conns=4 syn=9 pass=1 err=0")
	assert.Contains(t, line, "gor=7")
}

func TestPrintGraph(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printGraph(&out, config.DefaultConfig()))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "link (*link.Link)", lines[0])
	assert.Equal(t, "  ethernet (*ethernet.Layer)", lines[1])
	assert.Equal(t, "    ipv4 (*ip.Layer)", lines[2])
	assert.Equal(t, "      tcp (*tcp.Splicer)", lines[3])
}

func TestReplayCommand(t *testing.T) {
	dir := t.TempDir()
	at := time.Unix(1700000000, 0)
	alice := filepath.Join(dir, "alice.pcap")
	bob := filepath.Join(dir, "bob.pcap")
	writeCapture(t, alice, at, ipSegment(t, true, 1000, 0, true, false))
	writeCapture(t, bob, at.Add(500*time.Millisecond), ipSegment(t, false, 5000, 1001, true, true))
	prefix := filepath.Join(dir, "out")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"replay", "--mode", "tun", "--alice", alice, "--bob", bob, "--out", prefix})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "replayed 2 frames")
	assert.Contains(t, out.String(), "SYN-RECEIVED/ESTABLISHED")
	assert.Equal(t, 1, countFrames(t, link.DumpPath(prefix, core.Alice)), "SYN-ACK towards alice")
	assert.Equal(t, 2, countFrames(t, link.DumpPath(prefix, core.Bob)), "SYN and ACK towards bob")
}
