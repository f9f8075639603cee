package reports

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/equipment"
	"github.com/platinummonkey/netforge/pkg/ipam"
	"github.com/platinummonkey/netforge/pkg/topology"
)

// EquipmentSource resolves the catalog entries devices point at
type EquipmentSource interface {
	GetMany(ctx context.Context, orgID string, ids []string) (map[string]*equipment.Equipment, error)
}

// SubnetRow is one line of the addressing table
type SubnetRow struct {
	Name        string
	CIDR        string
	VLAN        string
	Gateway     string
	Netmask     string
	FirstHost   string
	LastHost    string
	Broadcast   string
	UsableHosts uint64
	Private     bool
	Purpose     string
}

// VLANRow lists a VLAN with the subnets bound to it
type VLANRow struct {
	ID          int
	Name        string
	Description string
	Subnets     []string
}

// DeviceRow is one line of the device inventory
type DeviceRow struct {
	Name      string
	Role      string
	Site      string
	Rack      string
	MgmtIP    string
	Equipment string
}

// BOMLine groups the devices that share a catalog entry
type BOMLine struct {
	Vendor      string
	Model       string
	Category    string
	Quantity    int
	PowerEach   int
	PowerTotal  int
	RackUnits   int
	DeviceNames []string
}

// TopologySummary is the graph section of a report
type TopologySummary struct {
	Stats topology.Stats
	SPOFs []string
}

// ReportData is everything a template needs. Sections not used by the
// report kind are left empty.
type ReportData struct {
	Kind        Kind
	Title       string
	DesignName  string
	Description string
	Version     int64
	GeneratedAt time.Time

	Subnets        []SubnetRow
	TotalUsable    uint64
	VLANs          []VLANRow
	Devices        []DeviceRow
	BOM            []BOMLine
	Unassigned     int
	TotalPower     int
	TotalRackUnits int
	Topology       *TopologySummary
	Warnings       []string
}

// Builder assembles ReportData from a design
type Builder struct {
	equipment EquipmentSource
	now       func() time.Time
}

// NewBuilder creates a builder. equipment may be nil, in which case the
// bill of materials only counts unassigned devices.
func NewBuilder(equipment EquipmentSource) *Builder {
	return &Builder{equipment: equipment, now: func() time.Time { return time.Now().UTC() }}
}

// Build computes the sections kind needs. The catalog lookup and the graph
// analysis run concurrently.
func (b *Builder) Build(ctx context.Context, d *designs.Design, kind Kind) (*ReportData, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	data := &ReportData{
		Kind:        kind,
		Title:       kind.Title(),
		DesignName:  d.Name,
		Description: d.Description,
		Version:     d.Version,
		GeneratedAt: b.now(),
	}

	wantAddressing := kind == KindDesignSummary || kind == KindIPPlan
	wantInventory := kind == KindDesignSummary || kind == KindBillOfMaterials

	if wantAddressing {
		data.Subnets, data.TotalUsable, data.Warnings = subnetTable(d)
		data.VLANs = vlanTable(d)
	}
	if !wantInventory {
		return data, nil
	}

	var (
		catalog map[string]*equipment.Equipment
		summary *TopologySummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		catalog, err = b.loadCatalog(gctx, d)
		return err
	})
	if kind == KindDesignSummary {
		g.Go(func() error {
			var err error
			summary, err = topologySummary(d)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data.Devices = deviceTable(d, catalog)
	data.BOM, data.Unassigned, data.Warnings = billOfMaterials(d, catalog, data.Warnings)
	for _, line := range data.BOM {
		data.TotalPower += line.PowerTotal
		data.TotalRackUnits += line.RackUnits
	}
	data.Topology = summary
	return data, nil
}

func (b *Builder) loadCatalog(ctx context.Context, d *designs.Design) (map[string]*equipment.Equipment, error) {
	seen := map[string]bool{}
	var ids []string
	for _, dev := range d.Devices {
		if dev.EquipmentID != "" && !seen[dev.EquipmentID] {
			seen[dev.EquipmentID] = true
			ids = append(ids, dev.EquipmentID)
		}
	}
	if len(ids) == 0 || b.equipment == nil {
		return map[string]*equipment.Equipment{}, nil
	}
	catalog, err := b.equipment.GetMany(ctx, d.OrgID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load equipment: %w", err)
	}
	return catalog, nil
}

func subnetTable(d *designs.Design) ([]SubnetRow, uint64, []string) {
	var (
		rows     []SubnetRow
		total    uint64
		warnings []string
	)
	for _, s := range d.Subnets {
		row := SubnetRow{Name: s.Name, CIDR: s.CIDR, Gateway: s.Gateway, Purpose: s.Purpose}
		if s.VLANID != 0 {
			row.VLAN = strconv.Itoa(s.VLANID)
		}
		prefix, err := ipam.ParsePrefix(s.CIDR)
		if err == nil {
			var info ipam.SubnetInfo
			if info, err = ipam.Calculate(prefix); err == nil {
				row.CIDR = info.CIDR
				row.Netmask = info.Netmask
				row.FirstHost = info.FirstHost
				row.LastHost = info.LastHost
				row.Broadcast = info.Broadcast
				row.UsableHosts = info.UsableHosts
				row.Private = info.IsPrivate
				if info.Version == 4 {
					total += info.UsableHosts
				}
			}
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("subnet %q: %v", s.Name, err))
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CIDR < rows[j].CIDR })
	return rows, total, warnings
}

func vlanTable(d *designs.Design) []VLANRow {
	bound := map[int][]string{}
	for _, s := range d.Subnets {
		if s.VLANID != 0 {
			bound[s.VLANID] = append(bound[s.VLANID], s.Name)
		}
	}
	rows := make([]VLANRow, 0, len(d.VLANs))
	for _, v := range d.VLANs {
		rows = append(rows, VLANRow{ID: v.ID, Name: v.Name, Description: v.Description, Subnets: bound[v.ID]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

func deviceTable(d *designs.Design, catalog map[string]*equipment.Equipment) []DeviceRow {
	rows := make([]DeviceRow, 0, len(d.Devices))
	for _, dev := range d.Devices {
		row := DeviceRow{Name: dev.Name, Role: dev.Role, Site: dev.Site, Rack: dev.Rack, MgmtIP: dev.MgmtIP}
		if e, ok := catalog[dev.EquipmentID]; ok {
			row.Equipment = e.DisplayName()
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

func billOfMaterials(d *designs.Design, catalog map[string]*equipment.Equipment, warnings []string) ([]BOMLine, int, []string) {
	lines := map[string]*BOMLine{}
	missing := map[string]bool{}
	unassigned := 0
	for _, dev := range d.Devices {
		if dev.EquipmentID == "" {
			unassigned++
			continue
		}
		e, ok := catalog[dev.EquipmentID]
		if !ok {
			unassigned++
			if !missing[dev.EquipmentID] {
				missing[dev.EquipmentID] = true
				warnings = append(warnings, fmt.Sprintf("equipment %s is no longer in the catalog", dev.EquipmentID))
			}
			continue
		}
		line, ok := lines[dev.EquipmentID]
		if !ok {
			line = &BOMLine{Vendor: e.Vendor, Model: e.Model, Category: string(e.Category), PowerEach: e.PowerWatts}
			lines[dev.EquipmentID] = line
		}
		line.Quantity++
		line.PowerTotal += e.PowerWatts
		line.RackUnits += e.RackUnits
		line.DeviceNames = append(line.DeviceNames, dev.Name)
	}

	out := make([]BOMLine, 0, len(lines))
	for _, line := range lines {
		sort.Strings(line.DeviceNames)
		out = append(out, *line)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Vendor != out[j].Vendor {
			return out[i].Vendor < out[j].Vendor
		}
		return out[i].Model < out[j].Model
	})
	return out, unassigned, warnings
}

func topologySummary(d *designs.Design) (*TopologySummary, error) {
	g, err := designs.BuildTopology(d)
	if err != nil {
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}
	s := &TopologySummary{Stats: g.Summary()}
	for _, id := range g.SinglePointsOfFailure() {
		if n, ok := g.Node(id); ok && n.Name != "" {
			s.SPOFs = append(s.SPOFs, n.Name)
		} else {
			s.SPOFs = append(s.SPOFs, id)
		}
	}
	return s, nil
}
