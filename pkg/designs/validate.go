package designs

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/netforge/pkg/ipam"
)

const (
	maxNameLength = 200
	maxTags       = 20
)

// Normalize fills generated ids, trims names and canonicalizes CIDRs in
// place. It never rejects input; Validate does that.
func Normalize(d *Design) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Status == "" {
		d.Status = StatusDraft
	}
	for i := range d.Subnets {
		s := &d.Subnets[i]
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.Name = strings.TrimSpace(s.Name)
		if p, err := ipam.ParsePrefix(s.CIDR); err == nil {
			s.CIDR = p.String()
		}
	}
	for i := range d.Devices {
		if d.Devices[i].ID == "" {
			d.Devices[i].ID = uuid.NewString()
		}
		d.Devices[i].Name = strings.TrimSpace(d.Devices[i].Name)
	}
	for i := range d.Links {
		if d.Links[i].ID == "" {
			d.Links[i].ID = uuid.NewString()
		}
	}
	if d.Subnets == nil {
		d.Subnets = []Subnet{}
	}
	if d.VLANs == nil {
		d.VLANs = []VLAN{}
	}
	if d.Devices == nil {
		d.Devices = []Device{}
	}
	if d.Links == nil {
		d.Links = []Link{}
	}
}

// Validate checks every business rule and returns a *ValidationError
// listing all failures, or nil.
func Validate(d *Design) error {
	ve := &ValidationError{}

	switch {
	case d.Name == "":
		ve.add("name", "is required")
	case len(d.Name) > maxNameLength:
		ve.add("name", "must be at most %d characters", maxNameLength)
	}
	if !d.Status.Valid() {
		ve.add("status", "must be one of draft, review, approved, archived")
	}
	if len(d.Tags) > maxTags {
		ve.add("tags", "at most %d tags are allowed", maxTags)
	}

	vlans := validateVLANs(d.VLANs, ve)
	validateSubnets(d.Subnets, vlans, ve)
	devices := validateDevices(d.Devices, ve)
	validateLinks(d.Links, devices, ve)

	return ve.orNil()
}

func validateVLANs(vlans []VLAN, ve *ValidationError) map[int]bool {
	seen := make(map[int]bool, len(vlans))
	for i, v := range vlans {
		field := fmt.Sprintf("vlans[%d]", i)
		if err := ipam.ValidateVLANID(v.ID); err != nil {
			ve.add(field+".id", "%d is not a valid VLAN id (1-4094)", v.ID)
			continue
		}
		if seen[v.ID] {
			ve.add(field+".id", "VLAN %d is defined more than once", v.ID)
		}
		if strings.TrimSpace(v.Name) == "" {
			ve.add(field+".name", "is required")
		}
		seen[v.ID] = true
	}
	return seen
}

func validateSubnets(subnets []Subnet, vlans map[int]bool, ve *ValidationError) {
	prefixes := make([]netip.Prefix, 0, len(subnets))
	index := make([]int, 0, len(subnets))
	ids := map[string]bool{}

	for i, s := range subnets {
		field := fmt.Sprintf("subnets[%d]", i)
		if ids[s.ID] {
			ve.add(field+".id", "duplicate subnet id %q", s.ID)
		}
		ids[s.ID] = true
		if s.Name == "" {
			ve.add(field+".name", "is required")
		}

		p, err := ipam.ParsePrefix(s.CIDR)
		if err != nil {
			ve.add(field+".cidr", "%q is not a valid CIDR", s.CIDR)
			continue
		}
		prefixes = append(prefixes, p)
		index = append(index, i)

		if s.Gateway != "" {
			gw, err := netip.ParseAddr(s.Gateway)
			switch {
			case err != nil:
				ve.add(field+".gateway", "%q is not an IP address", s.Gateway)
			case !ipam.IsHostAddr(p, gw):
				ve.add(field+".gateway", "%s is not a usable host in %s", s.Gateway, p)
			}
		}
		if s.VLANID != 0 && !vlans[s.VLANID] {
			ve.add(field+".vlan_id", "VLAN %d is not defined in this design", s.VLANID)
		}
	}

	for _, pair := range ipam.FindOverlaps(prefixes) {
		a, b := index[pair[0]], index[pair[1]]
		ve.add(fmt.Sprintf("subnets[%d].cidr", b), "%s overlaps subnets[%d] (%s)", subnets[b].CIDR, a, subnets[a].CIDR)
	}
}

func validateDevices(devices []Device, ve *ValidationError) map[string]bool {
	ids := make(map[string]bool, len(devices))
	for i, dev := range devices {
		field := fmt.Sprintf("devices[%d]", i)
		if ids[dev.ID] {
			ve.add(field+".id", "duplicate device id %q", dev.ID)
		}
		ids[dev.ID] = true
		if dev.Name == "" {
			ve.add(field+".name", "is required")
		}
		if dev.MgmtIP != "" {
			if _, err := netip.ParseAddr(dev.MgmtIP); err != nil {
				ve.add(field+".mgmt_ip", "%q is not an IP address", dev.MgmtIP)
			}
		}
	}
	return ids
}

func validateLinks(links []Link, devices map[string]bool, ve *ValidationError) {
	ids := map[string]bool{}
	for i, l := range links {
		field := fmt.Sprintf("links[%d]", i)
		if ids[l.ID] {
			ve.add(field+".id", "duplicate link id %q", l.ID)
		}
		ids[l.ID] = true
		if !devices[l.Source] {
			ve.add(field+".source", "device %q does not exist", l.Source)
		}
		if !devices[l.Target] {
			ve.add(field+".target", "device %q does not exist", l.Target)
		}
		if l.Source != "" && l.Source == l.Target {
			ve.add(field, "a link cannot connect a device to itself")
		}
		if l.SpeedMbps < 0 {
			ve.add(field+".speed_mbps", "must not be negative")
		}
	}
}
