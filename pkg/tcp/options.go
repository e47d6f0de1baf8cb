package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"
)

// Options holds the TCP options the splicer interprets.
type Options struct {
	MSS    uint16
	HasMSS bool

	WindowScale uint8
	HasWS       bool

	TSVal uint32
	TSEcr uint32
	HasTS bool
}

// option kinds with a fixed total length (kind + length + data)
var optionLengths = map[layers.TCPOptionKind]int{
	layers.TCPOptionKindMSS:         4,
	layers.TCPOptionKindWindowScale: 3,
	layers.TCPOptionKindTimestamps:  10,
}

// ParseOptions extracts MSS, window scale and timestamps from decoded
// options. An option whose length does not match its kind is an error; the
// caller treats that as "no options".
func ParseOptions(opts []layers.TCPOption) (Options, error) {
	var o Options
	for _, opt := range opts {
		want, known := optionLengths[opt.OptionType]
		if !known {
			continue
		}
		if int(opt.OptionLength) != want || len(opt.OptionData) != want-2 {
			return Options{}, fmt.Errorf("option %s: length %d, want %d", opt.OptionType, opt.OptionLength, want)
		}
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			o.MSS = binary.BigEndian.Uint16(opt.OptionData)
			o.HasMSS = true
		case layers.TCPOptionKindWindowScale:
			o.WindowScale = opt.OptionData[0]
			o.HasWS = true
		case layers.TCPOptionKindTimestamps:
			o.TSVal = binary.BigEndian.Uint32(opt.OptionData[0:4])
			o.TSEcr = binary.BigEndian.Uint32(opt.OptionData[4:8])
			o.HasTS = true
		}
	}
	return o, nil
}

func newOption(kind layers.TCPOptionKind, data []byte) layers.TCPOption {
	return layers.TCPOption{OptionType: kind, OptionLength: uint8(2 + len(data)), OptionData: data}
}

// MSSOption encodes an MSS option.
func MSSOption(mss uint16) layers.TCPOption {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, mss)
	return newOption(layers.TCPOptionKindMSS, b)
}

// WindowScaleOption encodes a window scale option.
func WindowScaleOption(shift uint8) layers.TCPOption {
	return newOption(layers.TCPOptionKindWindowScale, []byte{shift})
}

// TimestampOption encodes a timestamp option.
func TimestampOption(val, ecr uint32) layers.TCPOption {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], val)
	binary.BigEndian.PutUint32(b[4:8], ecr)
	return newOption(layers.TCPOptionKindTimestamps, b)
}

// PadOptions prefixes opts with NOPs so the encoded list is a multiple of
// four bytes long.
func PadOptions(opts []layers.TCPOption) []layers.TCPOption {
	n := 0
	for _, o := range opts {
		n += optionSize(o)
	}
	pad := (4 - n%4) % 4
	out := make([]layers.TCPOption, 0, pad+len(opts))
	for i := 0; i < pad; i++ {
		out = append(out, layers.TCPOption{OptionType: layers.TCPOptionKindNop, OptionLength: 1})
	}
	return append(out, opts...)
}

func optionSize(o layers.TCPOption) int {
	switch o.OptionType {
	case layers.TCPOptionKindEndList, layers.TCPOptionKindNop:
		return 1
	default:
		return 2 + len(o.OptionData)
	}
}
