// Package equipment manages each organization's hardware catalog: the
// routers, switches and other devices that designs place on their diagrams.
package equipment

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrNotFound    = errors.New("equipment not found")
	ErrDuplicate   = errors.New("equipment with this vendor and model already exists")
	ErrInUse       = errors.New("equipment is placed in one or more designs")
	ErrNoDatasheet = errors.New("equipment has no datasheet")
)

// Category classifies equipment
type Category string

const (
	CategoryRouter       Category = "router"
	CategorySwitch       Category = "switch"
	CategoryFirewall     Category = "firewall"
	CategoryAccessPoint  Category = "access_point"
	CategoryServer       Category = "server"
	CategoryLoadBalancer Category = "load_balancer"
	CategoryOther        Category = "other"
)

// Categories lists every known category
var Categories = []Category{
	CategoryRouter, CategorySwitch, CategoryFirewall, CategoryAccessPoint,
	CategoryServer, CategoryLoadBalancer, CategoryOther,
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// Equipment is one catalog entry
type Equipment struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OrgID        string             `bson:"org_id" json:"org_id"`
	Vendor       string             `bson:"vendor" json:"vendor"`
	Model        string             `bson:"model" json:"model"`
	Category     Category           `bson:"category" json:"category"`
	Description  string             `bson:"description,omitempty" json:"description,omitempty"`
	PortCount    int                `bson:"port_count" json:"port_count"`
	RackUnits    int                `bson:"rack_units" json:"rack_units"`
	PowerWatts   int                `bson:"power_watts" json:"power_watts"`
	Attributes   map[string]string  `bson:"attributes,omitempty" json:"attributes,omitempty"`
	DatasheetKey string             `bson:"datasheet_key,omitempty" json:"-"`
	HasDatasheet bool               `bson:"-" json:"has_datasheet"`
	CreatedBy    string             `bson:"created_by" json:"created_by"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}

// HexID returns the id as a string
func (e *Equipment) HexID() string { return e.ID.Hex() }

// DisplayName is "Vendor Model"
func (e *Equipment) DisplayName() string { return e.Vendor + " " + e.Model }

// Input is the editable part of an entry, used by create, update and import
type Input struct {
	Vendor      string            `json:"vendor" yaml:"vendor"`
	Model       string            `json:"model" yaml:"model"`
	Category    Category          `json:"category" yaml:"category"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	PortCount   int               `json:"port_count" yaml:"port_count"`
	RackUnits   int               `json:"rack_units" yaml:"rack_units"`
	PowerWatts  int               `json:"power_watts" yaml:"power_watts"`
	Attributes  map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Filter narrows List results
type Filter struct {
	Vendor   string
	Category Category
	Search   string
}

// Page selects a window of results
type Page struct {
	Limit  int
	Offset int
}

// ListResult is one page of equipment
type ListResult struct {
	Items  []*Equipment `json:"items"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ImportResult summarizes a catalog import
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// InvalidError lists the fields an input gets wrong
type InvalidError struct {
	Problems []string `json:"problems"`
}

func (e *InvalidError) Error() string {
	return "invalid equipment: " + strings.Join(e.Problems, "; ")
}

// HTTPStatus maps validation failures to 400
func (e *InvalidError) HTTPStatus() int { return http.StatusBadRequest }

const (
	maxVendorLength = 100
	maxModelLength  = 100
	maxRackUnits    = 60
	maxAttributes   = 50
)

// Normalize trims text fields and lowercases the category
func (in *Input) Normalize() {
	in.Vendor = strings.TrimSpace(in.Vendor)
	in.Model = strings.TrimSpace(in.Model)
	in.Description = strings.TrimSpace(in.Description)
	in.Category = Category(strings.ToLower(strings.TrimSpace(string(in.Category))))
	if in.Category == "" {
		in.Category = CategoryOther
	}
}

// Validate reports every problem with in, or nil
func (in *Input) Validate() error {
	var problems []string
	switch {
	case in.Vendor == "":
		problems = append(problems, "vendor is required")
	case len(in.Vendor) > maxVendorLength:
		problems = append(problems, fmt.Sprintf("vendor must be at most %d characters", maxVendorLength))
	}
	switch {
	case in.Model == "":
		problems = append(problems, "model is required")
	case len(in.Model) > maxModelLength:
		problems = append(problems, fmt.Sprintf("model must be at most %d characters", maxModelLength))
	}
	if !in.Category.Valid() {
		problems = append(problems, fmt.Sprintf("unknown category %q", in.Category))
	}
	if in.PortCount < 0 {
		problems = append(problems, "port_count must not be negative")
	}
	if in.RackUnits < 0 || in.RackUnits > maxRackUnits {
		problems = append(problems, fmt.Sprintf("rack_units must be between 0 and %d", maxRackUnits))
	}
	if in.PowerWatts < 0 {
		problems = append(problems, "power_watts must not be negative")
	}
	if len(in.Attributes) > maxAttributes {
		problems = append(problems, fmt.Sprintf("at most %d attributes are allowed", maxAttributes))
	}
	if len(problems) == 0 {
		return nil
	}
	return &InvalidError{Problems: problems}
}

func (in Input) apply(e *Equipment) {
	e.Vendor = in.Vendor
	e.Model = in.Model
	e.Category = in.Category
	e.Description = in.Description
	e.PortCount = in.PortCount
	e.RackUnits = in.RackUnits
	e.PowerWatts = in.PowerWatts
	e.Attributes = in.Attributes
}
