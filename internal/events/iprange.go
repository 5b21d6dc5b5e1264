package events

import (
	"fmt"
	"net/netip"
	"strings"
)

// ipRange is an inclusive address range of a single family.
type ipRange struct {
	network    string
	start, end netip.Addr
}

func (r ipRange) family() int {
	if r.start.Is4() {
		return 4
	}
	return 6
}

func (r ipRange) contains(name string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(name))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.BitLen() != r.start.BitLen() {
		return false
	}
	return r.start.Compare(addr) <= 0 && addr.Compare(r.end) <= 0
}

// resolveRange builds the range from a CIDR network or from explicit bounds.
func resolveRange(network, startIP, endIP string) (ipRange, error) {
	if network != "" {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(network))
		if err != nil {
			return ipRange{}, fmt.Errorf("%w: %v", ErrInvalidIPRange, err)
		}
		prefix = prefix.Masked()
		start := prefix.Addr().Unmap()
		bits := prefix.Bits()
		if prefix.Addr().Is4In6() {
			bits -= 96
		}
		if bits < 0 {
			return ipRange{}, fmt.Errorf("%w: %s", ErrInvalidIPRange, network)
		}
		return ipRange{network: prefix.String(), start: start, end: lastAddr(start, bits)}, nil
	}

	if startIP == "" || endIP == "" {
		return ipRange{}, fmt.Errorf("%w: network or start and end ip are required", ErrInvalidIPRange)
	}
	start, err := netip.ParseAddr(strings.TrimSpace(startIP))
	if err != nil {
		return ipRange{}, fmt.Errorf("%w: start ip: %v", ErrInvalidIPRange, err)
	}
	end, err := netip.ParseAddr(strings.TrimSpace(endIP))
	if err != nil {
		return ipRange{}, fmt.Errorf("%w: end ip: %v", ErrInvalidIPRange, err)
	}
	start, end = start.Unmap(), end.Unmap()
	if start.BitLen() != end.BitLen() {
		return ipRange{}, fmt.Errorf("%w: %s and %s belong to different families", ErrInvalidIPRange, start, end)
	}
	if start.Compare(end) > 0 {
		return ipRange{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidIPRange, start, end)
	}
	return ipRange{start: start, end: end}, nil
}

// lastAddr sets every host bit of addr after the first bits.
func lastAddr(addr netip.Addr, bits int) netip.Addr {
	b := addr.AsSlice()
	for i := range b {
		hostBits := len(b)*8 - bits - (len(b)-1-i)*8
		switch {
		case hostBits >= 8:
			b[i] = 0xff
		case hostBits > 0:
			b[i] |= byte(1<<hostBits) - 1
		}
	}
	out, _ := netip.AddrFromSlice(b)
	return out
}

// ipKey is the big-endian byte form stored in start_key/end_key. SQLite
// compares BLOBs with memcmp, so keys of one family order like addresses.
func ipKey(addr netip.Addr) []byte {
	return addr.Unmap().AsSlice()
}
