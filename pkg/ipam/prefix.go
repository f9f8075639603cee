package ipam

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

var (
	ErrInvalidPrefix       = errors.New("invalid CIDR prefix")
	ErrInvalidPrefixLength = errors.New("invalid prefix length")
	ErrFamilyMismatch      = errors.New("prefixes are from different address families")
	ErrNoSpace             = errors.New("not enough free address space")
	ErrTooManySubnets      = errors.New("split would produce too many subnets")
)

// SubnetInfo is the calculator output for one prefix. Counts saturate at
// math.MaxUint64 for very large IPv6 prefixes.
type SubnetInfo struct {
	CIDR           string `json:"cidr"`
	Version        int    `json:"version"`
	Network        string `json:"network"`
	Broadcast      string `json:"broadcast,omitempty"`
	Netmask        string `json:"netmask"`
	Wildcard       string `json:"wildcard"`
	FirstHost      string `json:"first_host"`
	LastHost       string `json:"last_host"`
	TotalAddresses uint64 `json:"total_addresses"`
	UsableHosts    uint64 `json:"usable_hosts"`
	PrefixLen      int    `json:"prefix_len"`
	IsPrivate      bool   `json:"is_private"`
}

// ParsePrefix parses a CIDR or a bare address. Host bits are cleared, so
// "10.1.2.3/24" yields 10.1.2.0/24. A bare address becomes a /32 or /128.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, ErrInvalidPrefix
	}
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %s", ErrInvalidPrefix, s)
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %s", ErrInvalidPrefix, s)
	}
	if p.Addr().Is4In6() {
		return netip.Prefix{}, fmt.Errorf("%w: IPv4-mapped IPv6 prefixes are not supported", ErrInvalidPrefix)
	}
	return p.Masked(), nil
}

// MustParsePrefix is ParsePrefix for constants and tests
func MustParsePrefix(s string) netip.Prefix {
	p, err := ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Calculate describes prefix. For IPv4, /31 follows RFC 3021 (two usable
// hosts, no broadcast) and /32 is a single host. IPv6 has no broadcast and
// every address is usable.
func Calculate(prefix netip.Prefix) (SubnetInfo, error) {
	if !prefix.IsValid() {
		return SubnetInfo{}, ErrInvalidPrefix
	}
	p := prefix.Masked()
	bits := p.Bits()
	maxBits := p.Addr().BitLen()
	network := p.Addr()
	last := netipx.PrefixLastIP(p)

	info := SubnetInfo{
		CIDR:           p.String(),
		Version:        4,
		Network:        network.String(),
		Netmask:        maskAddr(bits, maxBits).String(),
		Wildcard:       wildcardAddr(bits, maxBits).String(),
		TotalAddresses: pow2(maxBits - bits),
		PrefixLen:      bits,
		IsPrivate:      network.IsPrivate() && last.IsPrivate(),
	}
	if network.Is6() {
		info.Version = 6
	}

	switch {
	case network.Is6():
		info.FirstHost = network.String()
		info.LastHost = last.String()
		info.UsableHosts = info.TotalAddresses
	case bits == 32:
		info.FirstHost = network.String()
		info.LastHost = network.String()
		info.UsableHosts = 1
	case bits == 31:
		info.FirstHost = network.String()
		info.LastHost = last.String()
		info.UsableHosts = 2
	default:
		info.Broadcast = last.String()
		info.FirstHost = network.Next().String()
		info.LastHost = last.Prev().String()
		info.UsableHosts = info.TotalAddresses - 2
	}
	return info, nil
}

// UsableHosts returns the host capacity of a prefix length in a family
func UsableHosts(bits, maxBits int) uint64 {
	total := pow2(maxBits - bits)
	if maxBits == 128 {
		return total
	}
	switch bits {
	case 32:
		return 1
	case 31:
		return 2
	}
	return total - 2
}

// PrefixLenForHosts returns the longest prefix length that still holds hosts
// usable addresses. IPv4 /31 and /32 are only chosen for exactly 2 and 1
// hosts; larger requests reserve the network and broadcast addresses.
func PrefixLenForHosts(hosts uint64, maxBits int) (int, error) {
	if hosts == 0 {
		return 0, fmt.Errorf("%w: host count must be positive", ErrInvalidPrefixLength)
	}
	if maxBits == 32 {
		switch hosts {
		case 1:
			return 32, nil
		case 2:
			return 31, nil
		}
		for bits := 30; bits >= 0; bits-- {
			if pow2(32-bits)-2 >= hosts {
				return bits, nil
			}
		}
		return 0, fmt.Errorf("%w: %d hosts do not fit in IPv4", ErrNoSpace, hosts)
	}
	for bits := maxBits; bits >= 0; bits-- {
		if pow2(maxBits-bits) >= hosts {
			return bits, nil
		}
	}
	return 0, fmt.Errorf("%w: %d hosts", ErrNoSpace, hosts)
}

// Contains reports whether inner lies entirely within outer
func Contains(outer, inner netip.Prefix) bool {
	if !outer.IsValid() || !inner.IsValid() || outer.Addr().Is4() != inner.Addr().Is4() {
		return false
	}
	return outer.Bits() <= inner.Bits() && outer.Masked().Contains(inner.Masked().Addr())
}

// Overlaps reports whether a and b share any address
func Overlaps(a, b netip.Prefix) bool {
	return a.Masked().Overlaps(b.Masked())
}

// ContainsAddr reports whether addr is inside prefix
func ContainsAddr(prefix netip.Prefix, addr netip.Addr) bool {
	return prefix.Masked().Contains(addr.Unmap())
}

// IsHostAddr reports whether addr is an assignable host in prefix, which
// excludes the IPv4 network and broadcast addresses below /31
func IsHostAddr(prefix netip.Prefix, addr netip.Addr) bool {
	p := prefix.Masked()
	addr = addr.Unmap()
	if !p.Contains(addr) {
		return false
	}
	if p.Addr().Is6() || p.Bits() >= 31 {
		return true
	}
	return addr != p.Addr() && addr != netipx.PrefixLastIP(p)
}

func pow2(n int) uint64 {
	if n >= 64 {
		return math.MaxUint64
	}
	return uint64(1) << uint(n)
}

func maskAddr(bits, maxBits int) netip.Addr {
	addr, _ := netip.AddrFromSlice(net.CIDRMask(bits, maxBits))
	return addr
}

func wildcardAddr(bits, maxBits int) netip.Addr {
	mask := net.CIDRMask(bits, maxBits)
	for i := range mask {
		mask[i] = ^mask[i]
	}
	addr, _ := netip.AddrFromSlice(mask)
	return addr
}
