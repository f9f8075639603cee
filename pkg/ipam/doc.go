// Package ipam is the IP address calculator behind subnet planning.
//
// It works on net/netip prefixes and covers both address families:
//
//	info, _ := ipam.Calculate(netip.MustParsePrefix("10.20.0.0/22"))
//	// info.UsableHosts == 1022, info.Broadcast == "10.20.3.255"
//
// AllocateVLSM sizes a subnet for each host requirement and packs them into a
// parent block first fit, largest first. NextFreeSubnet finds the lowest free
// block of a given length, and Summarize merges a prefix list into the
// smallest equivalent list.
//
// VLANAllocator hands out 802.1Q ids for a single design. The default range
// is 2..4094, since VLAN 1 is the default VLAN and 4095 is reserved.
package ipam
