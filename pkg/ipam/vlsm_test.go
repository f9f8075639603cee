package ipam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allocationStrings(allocs []Allocation) map[string]string {
	out := make(map[string]string, len(allocs))
	for _, a := range allocs {
		out[a.Name] = a.Prefix.String()
	}
	return out
}

func TestAllocateVLSM(t *testing.T) {
	parent := MustParsePrefix("192.168.0.0/24")
	reqs := []HostRequirement{
		{Name: "sales", Hosts: 50},
		{Name: "eng", Hosts: 100},
		{Name: "loopback", Hosts: 1},
		{Name: "mgmt", Hosts: 10},
		{Name: "uplink", Hosts: 2},
	}

	allocs, err := AllocateVLSM(parent, reqs)
	require.NoError(t, err)
	require.Len(t, allocs, 5)

	assert.Equal(t, map[string]string{
		"eng":      "192.168.0.0/25",
		"sales":    "192.168.0.128/26",
		"mgmt":     "192.168.0.192/28",
		"uplink":   "192.168.0.208/31",
		"loopback": "192.168.0.210/32",
	}, allocationStrings(allocs))

	assert.Equal(t, "eng", allocs[0].Name, "largest placed first")
	assert.Equal(t, uint64(126), allocs[0].Info.UsableHosts)
	assert.Equal(t, uint64(100), allocs[0].Requested)
	assert.Equal(t, "sales", reqs[0].Name, "input is not reordered")
}

func TestAllocateVLSMTiesByName(t *testing.T) {
	allocs, err := AllocateVLSM(MustParsePrefix("10.0.0.0/24"), []HostRequirement{
		{Name: "b", Hosts: 10},
		{Name: "a", Hosts: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", allocs[0].Name)
	assert.Equal(t, "10.0.0.0/28", allocs[0].Prefix.String())
	assert.Equal(t, "10.0.0.16/28", allocs[1].Prefix.String())
}

func TestAllocateVLSMInvariants(t *testing.T) {
	parent := MustParsePrefix("10.10.0.0/20")
	reqs := []HostRequirement{
		{Name: "a", Hosts: 500}, {Name: "b", Hosts: 300}, {Name: "c", Hosts: 120},
		{Name: "d", Hosts: 60}, {Name: "e", Hosts: 29}, {Name: "f", Hosts: 14},
		{Name: "g", Hosts: 2}, {Name: "h", Hosts: 2}, {Name: "i", Hosts: 1},
	}
	allocs, err := AllocateVLSM(parent, reqs)
	require.NoError(t, err)

	for i, a := range allocs {
		assert.True(t, Contains(parent, a.Prefix), "%s outside parent", a.Prefix)
		assert.GreaterOrEqual(t, a.Info.UsableHosts, a.Requested)
		for _, b := range allocs[i+1:] {
			assert.False(t, Overlaps(a.Prefix, b.Prefix), "%s overlaps %s", a.Prefix, b.Prefix)
		}
	}
}

func TestAllocateVLSMNoSpace(t *testing.T) {
	_, err := AllocateVLSM(MustParsePrefix("10.0.0.0/26"), []HostRequirement{{Name: "big", Hosts: 100}})
	assert.ErrorIs(t, err, ErrNoSpace)

	_, err = AllocateVLSM(MustParsePrefix("10.0.0.0/24"), []HostRequirement{
		{Name: "a", Hosts: 100}, {Name: "b", Hosts: 100}, {Name: "c", Hosts: 100},
	})
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Contains(t, err.Error(), "c")
}

func TestAllocateVLSMRejectsZeroHosts(t *testing.T) {
	_, err := AllocateVLSM(MustParsePrefix("10.0.0.0/24"), []HostRequirement{{Name: "none", Hosts: 0}})
	assert.ErrorIs(t, err, ErrInvalidPrefixLength)
}

func TestAllocateVLSMExcluding(t *testing.T) {
	allocs, err := AllocateVLSMExcluding(
		MustParsePrefix("192.168.0.0/24"),
		mustPrefixes("192.168.0.0/25"),
		[]HostRequirement{{Name: "guest", Hosts: 50}},
	)
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.128/26", allocs[0].Prefix.String())
}

func TestAllocateVLSMIPv6(t *testing.T) {
	allocs, err := AllocateVLSM(MustParsePrefix("2001:db8::/120"), []HostRequirement{
		{Name: "lab", Hosts: 100},
		{Name: "ops", Hosts: 16},
	})
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::/121", allocs[0].Prefix.String())
	assert.Equal(t, "2001:db8::80/124", allocs[1].Prefix.String())
}
