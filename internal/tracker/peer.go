package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6  // 4 bytes IP + 2 bytes port
	strideV6 = 18 // 16 bytes IP + 2 bytes port
)

// ErrUnsupportedPeerListFormat is returned when a tracker answers with the
// older dictionary-model peer list instead of the compact form this client
// requests via "compact=1".
var ErrUnsupportedPeerListFormat = errors.New("tracker: dictionary peer list format not supported")

func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompact([]byte(t), ipv6)
	case []byte:
		return decodeCompact(t, ipv6)
	case []any:
		return nil, ErrUnsupportedPeerListFormat
	default:
		return nil, fmt.Errorf("invalid peers type %T", v)
	}
}

func decodeCompact(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	if ipv6 {
		return decodeCompactPeers(data, strideV6, func(chunk []byte) netip.AddrPort {
			var a16 [16]byte
			copy(a16[:], chunk[:16])

			a := netip.AddrFrom16(a16)
			p := binary.BigEndian.Uint16(chunk[16:18])
			return netip.AddrPortFrom(a, p)
		})
	}

	return decodeCompactPeers(data, strideV4, func(chunk []byte) netip.AddrPort {
		a := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		p := binary.BigEndian.Uint16(chunk[4:6])
		return netip.AddrPortFrom(a, p)
	})
}

func decodeCompactPeers(
	data []byte,
	stride int,
	decodeFunc func([]byte) netip.AddrPort,
) ([]netip.AddrPort, error) {
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("malformed or invalid compact peers")
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		out[i] = decodeFunc(data[off : off+stride])
	}

	return out, nil
}
