package reports

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/equipment"
)

const (
	coreEquipment   = "64b000000000000000000001"
	accessEquipment = "64b000000000000000000002"
	retiredEquip    = "64b000000000000000000009"
)

type catalogStub struct {
	items map[string]*equipment.Equipment
	err   error
	asked []string
}

func (c *catalogStub) GetMany(_ context.Context, _ string, ids []string) (map[string]*equipment.Equipment, error) {
	c.asked = append(c.asked, ids...)
	if c.err != nil {
		return nil, c.err
	}
	out := map[string]*equipment.Equipment{}
	for _, id := range ids {
		if e, ok := c.items[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func branchCatalog() *catalogStub {
	return &catalogStub{items: map[string]*equipment.Equipment{
		coreEquipment:   {Vendor: "Cisco", Model: "C9500-32C", Category: equipment.CategorySwitch, PowerWatts: 650, RackUnits: 1},
		accessEquipment: {Vendor: "Cisco", Model: "C9200-24P", Category: equipment.CategorySwitch, PowerWatts: 125, RackUnits: 1},
	}}
}

func branchDesign() *designs.Design {
	return &designs.Design{
		ID:          primitive.NewObjectID(),
		OrgID:       "org-1",
		Name:        "Branch office",
		Description: "Two access switches behind one core",
		Version:     3,
		VLANs: []designs.VLAN{
			{ID: 20, Name: "voice"},
			{ID: 10, Name: "users", Description: "staff laptops"},
		},
		Subnets: []designs.Subnet{
			{ID: "s3", Name: "guest", CIDR: "192.168.10.0/24"},
			{ID: "s1", Name: "users", CIDR: "10.0.0.0/24", Gateway: "10.0.0.1", VLANID: 10},
			{ID: "s2", Name: "voice", CIDR: "10.0.1.0/25", VLANID: 20, Purpose: "phones"},
			{ID: "s4", Name: "bad", CIDR: "10.0.300.0/24"},
		},
		Devices: []designs.Device{
			{ID: "d1", Name: "core1", EquipmentID: coreEquipment, Role: "core", MgmtIP: "10.255.0.1"},
			{ID: "d2", Name: "acc1", EquipmentID: accessEquipment, Role: "access"},
			{ID: "d3", Name: "acc2", EquipmentID: accessEquipment, Role: "access"},
			{ID: "d4", Name: "fw1", Role: "firewall"},
			{ID: "d5", Name: "old", EquipmentID: retiredEquip},
		},
		Links: []designs.Link{
			{ID: "l1", Source: "d1", Target: "d2"},
			{ID: "l2", Source: "d1", Target: "d3"},
		},
	}
}

func fixedBuilder(src EquipmentSource) *Builder {
	b := NewBuilder(src)
	b.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }
	return b
}

func TestBuildDesignSummary(t *testing.T) {
	catalog := branchCatalog()
	data, err := fixedBuilder(catalog).Build(context.Background(), branchDesign(), KindDesignSummary)
	require.NoError(t, err)

	assert.Equal(t, "Design summary", data.Title)
	assert.Equal(t, "Branch office", data.DesignName)
	assert.Equal(t, int64(3), data.Version)

	require.Len(t, data.Subnets, 4)
	assert.Equal(t, []string{"10.0.0.0/24", "10.0.1.0/25", "10.0.300.0/24", "192.168.10.0/24"},
		[]string{data.Subnets[0].CIDR, data.Subnets[1].CIDR, data.Subnets[2].CIDR, data.Subnets[3].CIDR})
	users := data.Subnets[0]
	assert.Equal(t, "10", users.VLAN)
	assert.Equal(t, "255.255.255.0", users.Netmask)
	assert.Equal(t, "10.0.0.1", users.FirstHost)
	assert.Equal(t, "10.0.0.254", users.LastHost)
	assert.Equal(t, uint64(254), users.UsableHosts)
	assert.True(t, users.Private)
	assert.Equal(t, uint64(254+126+254), data.TotalUsable)

	require.Len(t, data.VLANs, 2)
	assert.Equal(t, 10, data.VLANs[0].ID)
	assert.Equal(t, []string{"users"}, data.VLANs[0].Subnets)

	require.Len(t, data.Devices, 5)
	assert.Equal(t, "acc1", data.Devices[0].Name)
	assert.Equal(t, "Cisco C9200-24P", data.Devices[0].Equipment)

	require.Len(t, data.BOM, 2)
	assert.Equal(t, BOMLine{
		Vendor: "Cisco", Model: "C9200-24P", Category: "switch",
		Quantity: 2, PowerEach: 125, PowerTotal: 250, RackUnits: 2,
		DeviceNames: []string{"acc1", "acc2"},
	}, data.BOM[0])
	assert.Equal(t, 1, data.BOM[1].Quantity)
	assert.Equal(t, 900, data.TotalPower)
	assert.Equal(t, 3, data.TotalRackUnits)
	assert.Equal(t, 2, data.Unassigned)

	require.NotNil(t, data.Topology)
	assert.Equal(t, 5, data.Topology.Stats.Devices)
	assert.Equal(t, 3, data.Topology.Stats.Components)
	assert.Equal(t, []string{"core1"}, data.Topology.SPOFs)

	require.Len(t, data.Warnings, 2)
	assert.Contains(t, data.Warnings[0], `subnet "bad"`)
	assert.Equal(t, "equipment "+retiredEquip+" is no longer in the catalog", data.Warnings[1])

	assert.ElementsMatch(t, []string{coreEquipment, accessEquipment, retiredEquip}, catalog.asked)
}

func TestBuildKindsSelectSections(t *testing.T) {
	b := fixedBuilder(branchCatalog())

	plan, err := b.Build(context.Background(), branchDesign(), KindIPPlan)
	require.NoError(t, err)
	assert.Len(t, plan.Subnets, 4)
	assert.Len(t, plan.VLANs, 2)
	assert.Empty(t, plan.Devices)
	assert.Empty(t, plan.BOM)
	assert.Nil(t, plan.Topology)

	bom, err := b.Build(context.Background(), branchDesign(), KindBillOfMaterials)
	require.NoError(t, err)
	assert.Empty(t, bom.Subnets)
	assert.Len(t, bom.BOM, 2)
	assert.Nil(t, bom.Topology)
	assert.Equal(t, "Bill of materials", bom.Title)
}

func TestBuildErrors(t *testing.T) {
	_, err := fixedBuilder(nil).Build(context.Background(), branchDesign(), "inventory")
	assert.ErrorIs(t, err, ErrUnknownKind)

	failing := &catalogStub{err: errors.New("mongo down")}
	_, err = fixedBuilder(failing).Build(context.Background(), branchDesign(), KindBillOfMaterials)
	assert.ErrorContains(t, err, "mongo down")

	broken := branchDesign()
	broken.Links = append(broken.Links, designs.Link{ID: "l9", Source: "d1", Target: "nowhere"})
	_, err = fixedBuilder(branchCatalog()).Build(context.Background(), broken, KindDesignSummary)
	assert.ErrorContains(t, err, "failed to build topology")
}

func TestBuildWithoutCatalog(t *testing.T) {
	data, err := fixedBuilder(nil).Build(context.Background(), branchDesign(), KindBillOfMaterials)
	require.NoError(t, err)
	assert.Empty(t, data.BOM)
	assert.Equal(t, 5, data.Unassigned)
}
