package ipam

import (
	"fmt"
	"net/netip"
	"sort"
)

// HostRequirement asks for a subnet large enough for Hosts addresses
type HostRequirement struct {
	Name  string `json:"name" yaml:"name"`
	Hosts uint64 `json:"hosts" yaml:"hosts"`
}

// Allocation is one VLSM result
type Allocation struct {
	Name      string       `json:"name"`
	Requested uint64       `json:"requested_hosts"`
	Prefix    netip.Prefix `json:"prefix"`
	Info      SubnetInfo   `json:"info"`
}

// AllocateVLSM carves one subnet per requirement out of parent. Requirements
// are placed largest first (ties broken by name), each at the lowest free
// aligned block that fits. Results come back in placement order.
func AllocateVLSM(parent netip.Prefix, reqs []HostRequirement) ([]Allocation, error) {
	return AllocateVLSMExcluding(parent, nil, reqs)
}

// AllocateVLSMExcluding is AllocateVLSM with some of parent already in use
func AllocateVLSMExcluding(parent netip.Prefix, used []netip.Prefix, reqs []HostRequirement) ([]Allocation, error) {
	if !parent.IsValid() {
		return nil, ErrInvalidPrefix
	}
	parent = parent.Masked()
	maxBits := parent.Addr().BitLen()

	sorted := make([]HostRequirement, len(reqs))
	copy(sorted, reqs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Hosts != sorted[j].Hosts {
			return sorted[i].Hosts > sorted[j].Hosts
		}
		return sorted[i].Name < sorted[j].Name
	})

	free, err := freeSet(parent, used)
	if err != nil {
		return nil, err
	}

	out := make([]Allocation, 0, len(sorted))
	for _, req := range sorted {
		bits, err := PrefixLenForHosts(req.Hosts, maxBits)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.Name, err)
		}
		if bits < parent.Bits() {
			return nil, fmt.Errorf("%w: %s needs a /%d, larger than %s", ErrNoSpace, req.Name, bits, parent)
		}
		p, rest, ok := firstFit(free, bits)
		if !ok {
			return nil, fmt.Errorf("%w: no free /%d in %s for %s", ErrNoSpace, bits, parent, req.Name)
		}
		free = rest

		info, err := Calculate(p)
		if err != nil {
			return nil, err
		}
		out = append(out, Allocation{Name: req.Name, Requested: req.Hosts, Prefix: p, Info: info})
	}
	return out, nil
}
