package tcp

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsWireFormat(t *testing.T) {
	opts := PadOptions([]layers.TCPOption{
		TimestampOption(1, 2),
		MSSOption(1400),
		WindowScaleOption(7),
	})
	seg := &Segment{TCP: layers.TCP{SrcPort: 1, DstPort: 2, Options: opts}}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, seg))
	require.Len(t, buf.Bytes(), 40)
	got := buf.Bytes()[20:]

	want := []byte{
		1, 1, 1, // NOP padding comes first
		8, 10, 0, 0, 0, 1, 0, 0, 0, 2,
		2, 4, 0x05, 0x78,
		3, 3, 7,
	}
	assert.Equal(t, want, got)
	assert.Zero(t, len(got)%4)
}

func TestPadOptionsAligned(t *testing.T) {
	opts := PadOptions([]layers.TCPOption{MSSOption(536)})
	assert.Len(t, opts, 1)
	assert.Empty(t, PadOptions(nil))
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions([]layers.TCPOption{
		{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
		MSSOption(1460),
		{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2},
		WindowScaleOption(7),
		TimestampOption(123456, 654321),
	})
	require.NoError(t, err)
	assert.True(t, o.HasMSS)
	assert.Equal(t, uint16(1460), o.MSS)
	assert.True(t, o.HasWS)
	assert.Equal(t, uint8(7), o.WindowScale)
	assert.True(t, o.HasTS)
	assert.Equal(t, uint32(123456), o.TSVal)
	assert.Equal(t, uint32(654321), o.TSEcr)
}

func TestParseOptionsBadLength(t *testing.T) {
	for name, opt := range map[string]layers.TCPOption{
		"mss":       {OptionType: layers.TCPOptionKindMSS, OptionLength: 3, OptionData: []byte{5}},
		"wscale":    {OptionType: layers.TCPOptionKindWindowScale, OptionLength: 4, OptionData: []byte{1, 2}},
		"timestamp": {OptionType: layers.TCPOptionKindTimestamps, OptionLength: 6, OptionData: []byte{0, 0, 0, 1}},
	} {
		_, err := ParseOptions([]layers.TCPOption{opt})
		assert.Error(t, err, name)
	}
}
