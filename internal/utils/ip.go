package utils

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
)

// ParsePrefix parses a CIDR or a bare address. A bare address becomes a
// single-host prefix (/32 or /128).
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// PrefixLen returns the prefix length of a CIDR or bare address.
func PrefixLen(s string) (int, bool) {
	p, err := ParsePrefix(s)
	if err != nil {
		return 0, false
	}
	return p.Bits(), true
}

// CIDRSize returns the number of addresses in a prefix, saturating at
// math.MaxUint64 for very large IPv6 prefixes.
func CIDRSize(p netip.Prefix) uint64 {
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits >= 64 {
		return math.MaxUint64
	}
	return 1 << hostBits
}

// Covers reports whether every address in inner is also in outer.
// Prefixes of different address families never cover each other.
func Covers(outer, inner string) bool {
	o, err := ParsePrefix(outer)
	if err != nil {
		return false
	}
	i, err := ParsePrefix(inner)
	if err != nil {
		return false
	}
	if o.Addr().Is4() != i.Addr().Is4() {
		return false
	}
	return o.Bits() <= i.Bits() && o.Contains(i.Addr())
}

// CoversAll reports whether every range in inner is covered by some range
// in outer.
func CoversAll(outer, inner []string) bool {
	if len(inner) == 0 {
		return len(outer) == 0
	}
	for _, in := range inner {
		covered := false
		for _, out := range outer {
			if Covers(out, in) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// Contains reports whether addr falls inside the CIDR or equals the address.
func Contains(cidr string, addr netip.Addr) bool {
	p, err := ParsePrefix(cidr)
	if err != nil {
		return false
	}
	return p.Contains(addr)
}
