package ipam

import (
	"fmt"
	"net/netip"
	"sort"

	"go4.org/netipx"
)

// MaxSplit caps how many subnets Split will enumerate
const MaxSplit = 1 << 16

// Split divides prefix into every subnet of length newLen, in address order
func Split(prefix netip.Prefix, newLen int) ([]netip.Prefix, error) {
	p := prefix.Masked()
	if !p.IsValid() {
		return nil, ErrInvalidPrefix
	}
	if newLen < p.Bits() || newLen > p.Addr().BitLen() {
		return nil, fmt.Errorf("%w: /%d cannot split %s", ErrInvalidPrefixLength, newLen, p)
	}
	if newLen-p.Bits() > 16 {
		return nil, fmt.Errorf("%w: %s into /%d", ErrTooManySubnets, p, newLen)
	}

	count := 1 << uint(newLen-p.Bits())
	out := make([]netip.Prefix, 0, count)
	addr := p.Addr()
	for i := 0; i < count; i++ {
		sub := netip.PrefixFrom(addr, newLen)
		out = append(out, sub)
		addr = netipx.PrefixLastIP(sub).Next()
	}
	return out, nil
}

// freeSet returns parent minus every used prefix of the same family
func freeSet(parent netip.Prefix, used []netip.Prefix) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	b.AddPrefix(parent.Masked())
	for _, u := range used {
		if u.IsValid() && u.Addr().Is4() == parent.Addr().Is4() {
			b.RemovePrefix(u.Masked())
		}
	}
	return b.IPSet()
}

// firstFit takes the lowest addressed /bits block from free. Free ranges
// decompose into aligned prefixes in address order, so the first one at
// least as large as the request holds the answer at its start.
func firstFit(free *netipx.IPSet, bits int) (netip.Prefix, *netipx.IPSet, bool) {
	for _, candidate := range free.Prefixes() {
		if candidate.Bits() > bits {
			continue
		}
		p := netip.PrefixFrom(candidate.Addr(), bits)
		var b netipx.IPSetBuilder
		b.AddSet(free)
		b.RemovePrefix(p)
		rest, err := b.IPSet()
		if err != nil {
			return netip.Prefix{}, nil, false
		}
		return p, rest, true
	}
	return netip.Prefix{}, nil, false
}

// NextFreeSubnet returns the lowest aligned /prefixLen inside parent that
// overlaps none of used
func NextFreeSubnet(parent netip.Prefix, used []netip.Prefix, prefixLen int) (netip.Prefix, error) {
	if !parent.IsValid() {
		return netip.Prefix{}, ErrInvalidPrefix
	}
	if prefixLen < parent.Bits() || prefixLen > parent.Addr().BitLen() {
		return netip.Prefix{}, fmt.Errorf("%w: /%d inside %s", ErrInvalidPrefixLength, prefixLen, parent.Masked())
	}
	free, err := freeSet(parent, used)
	if err != nil {
		return netip.Prefix{}, err
	}
	p, _, ok := firstFit(free, prefixLen)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("%w: no free /%d in %s", ErrNoSpace, prefixLen, parent.Masked())
	}
	return p, nil
}

// Summarize merges prefixes into the smallest list covering exactly the same
// addresses. IPv4 results come before IPv6, each in address order.
func Summarize(prefixes []netip.Prefix) ([]netip.Prefix, error) {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		if !p.IsValid() {
			return nil, ErrInvalidPrefix
		}
		b.AddPrefix(p.Masked())
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	out := set.Prefixes()
	sort.SliceStable(out, func(i, j int) bool {
		return netipx.ComparePrefix(out[i], out[j]) < 0
	})
	return out, nil
}

// FindOverlaps returns index pairs of overlapping prefixes
func FindOverlaps(prefixes []netip.Prefix) [][2]int {
	var out [][2]int
	for i := 0; i < len(prefixes); i++ {
		for j := i + 1; j < len(prefixes); j++ {
			if Overlaps(prefixes[i], prefixes[j]) {
				out = append(out, [2]int{i, j})
			}
		}
	}
	return out
}
