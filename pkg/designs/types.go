package designs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrNotFound is returned when a design does not exist in the org
	ErrNotFound = errors.New("design not found")
	// ErrVersionConflict is returned when an update carries a stale version
	ErrVersionConflict = errors.New("design was modified by someone else")
	// ErrInvalidID is returned for ids that are not ObjectID hex strings
	ErrInvalidID = errors.New("invalid design id")
	// ErrAttachmentNotFound is returned when an attachment id is unknown
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrUnsupportedFormat is returned for unknown export/import formats
	ErrUnsupportedFormat = errors.New("unsupported format, use json or yaml")
)

// Status is the lifecycle state of a design
type Status string

const (
	StatusDraft    Status = "draft"
	StatusReview   Status = "review"
	StatusApproved Status = "approved"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusReview, StatusApproved, StatusArchived:
		return true
	}
	return false
}

// Design is a network design document
type Design struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id" yaml:"-"`
	OrgID       string             `bson:"org_id" json:"org_id" yaml:"-"`
	Name        string             `bson:"name" json:"name" yaml:"name"`
	Description string             `bson:"description,omitempty" json:"description,omitempty" yaml:"description,omitempty"`
	Status      Status             `bson:"status" json:"status" yaml:"status"`
	Tags        []string           `bson:"tags,omitempty" json:"tags,omitempty" yaml:"tags,omitempty"`
	Subnets     []Subnet           `bson:"subnets" json:"subnets" yaml:"subnets"`
	VLANs       []VLAN             `bson:"vlans" json:"vlans" yaml:"vlans"`
	Devices     []Device           `bson:"devices" json:"devices" yaml:"devices"`
	Links       []Link             `bson:"links" json:"links" yaml:"links"`
	Attachments []Attachment       `bson:"attachments,omitempty" json:"attachments,omitempty" yaml:"-"`
	Watchers    []string           `bson:"watchers,omitempty" json:"watchers,omitempty" yaml:"-"`
	Version     int64              `bson:"version" json:"version" yaml:"-"`
	CreatedBy   string             `bson:"created_by" json:"created_by" yaml:"-"`
	UpdatedBy   string             `bson:"updated_by" json:"updated_by" yaml:"-"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at" yaml:"-"`
	UpdatedAt   time.Time          `bson:"updated_at" json:"updated_at" yaml:"-"`
}

// Subnet is an addressed segment in a design
type Subnet struct {
	ID      string `bson:"id" json:"id" yaml:"id"`
	Name    string `bson:"name" json:"name" yaml:"name"`
	CIDR    string `bson:"cidr" json:"cidr" yaml:"cidr"`
	Gateway string `bson:"gateway,omitempty" json:"gateway,omitempty" yaml:"gateway,omitempty"`
	VLANID  int    `bson:"vlan_id,omitempty" json:"vlan_id,omitempty" yaml:"vlan_id,omitempty"`
	Purpose string `bson:"purpose,omitempty" json:"purpose,omitempty" yaml:"purpose,omitempty"`
}

// VLAN is an 802.1Q VLAN. ID is the tag.
type VLAN struct {
	ID          int    `bson:"id" json:"id" yaml:"id"`
	Name        string `bson:"name" json:"name" yaml:"name"`
	Description string `bson:"description,omitempty" json:"description,omitempty" yaml:"description,omitempty"`
}

// Position places a device on the diagram canvas
type Position struct {
	X float64 `bson:"x" json:"x" yaml:"x"`
	Y float64 `bson:"y" json:"y" yaml:"y"`
}

// Device is a piece of equipment placed in the design
type Device struct {
	ID          string   `bson:"id" json:"id" yaml:"id"`
	Name        string   `bson:"name" json:"name" yaml:"name"`
	EquipmentID string   `bson:"equipment_id,omitempty" json:"equipment_id,omitempty" yaml:"equipment_id,omitempty"`
	Role        string   `bson:"role,omitempty" json:"role,omitempty" yaml:"role,omitempty"`
	Site        string   `bson:"site,omitempty" json:"site,omitempty" yaml:"site,omitempty"`
	Rack        string   `bson:"rack,omitempty" json:"rack,omitempty" yaml:"rack,omitempty"`
	MgmtIP      string   `bson:"mgmt_ip,omitempty" json:"mgmt_ip,omitempty" yaml:"mgmt_ip,omitempty"`
	Position    Position `bson:"position" json:"position" yaml:"position"`
}

// Link connects two devices
type Link struct {
	ID         string `bson:"id" json:"id" yaml:"id"`
	Source     string `bson:"source" json:"source" yaml:"source"`
	Target     string `bson:"target" json:"target" yaml:"target"`
	SourcePort string `bson:"source_port,omitempty" json:"source_port,omitempty" yaml:"source_port,omitempty"`
	TargetPort string `bson:"target_port,omitempty" json:"target_port,omitempty" yaml:"target_port,omitempty"`
	Medium     string `bson:"medium,omitempty" json:"medium,omitempty" yaml:"medium,omitempty"`
	SpeedMbps  int    `bson:"speed_mbps,omitempty" json:"speed_mbps,omitempty" yaml:"speed_mbps,omitempty"`
}

// Attachment is a file stored in object storage alongside a design
type Attachment struct {
	ID          string    `bson:"id" json:"id"`
	Filename    string    `bson:"filename" json:"filename"`
	ContentType string    `bson:"content_type" json:"content_type"`
	Size        int64     `bson:"size" json:"size"`
	Key         string    `bson:"key" json:"-"`
	Checksum    string    `bson:"checksum,omitempty" json:"checksum,omitempty"`
	UploadedBy  string    `bson:"uploaded_by" json:"uploaded_by"`
	UploadedAt  time.Time `bson:"uploaded_at" json:"uploaded_at"`
}

// Clone returns a deep copy of d
func (d *Design) Clone() *Design {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	c.Subnets = append([]Subnet(nil), d.Subnets...)
	c.VLANs = append([]VLAN(nil), d.VLANs...)
	c.Devices = append([]Device(nil), d.Devices...)
	c.Links = append([]Link(nil), d.Links...)
	c.Attachments = append([]Attachment(nil), d.Attachments...)
	c.Watchers = append([]string(nil), d.Watchers...)
	return &c
}

// HexID returns the design id as a string
func (d *Design) HexID() string { return d.ID.Hex() }

// Attachment returns the attachment with id
func (d *Design) Attachment(id string) (Attachment, bool) {
	for _, a := range d.Attachments {
		if a.ID == id {
			return a, true
		}
	}
	return Attachment{}, false
}

// IsWatcher reports whether userID is watching d
func (d *Design) IsWatcher(userID string) bool {
	for _, w := range d.Watchers {
		if w == userID {
			return true
		}
	}
	return false
}

// ParseID parses an ObjectID hex string
func ParseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, ErrInvalidID
	}
	return oid, nil
}

// ListFilter narrows List results
type ListFilter struct {
	Status Status
	Tag    string
	Search string
}

// Page selects a window of results
type Page struct {
	Limit  int
	Offset int
}

// ListResult is one page of designs
type ListResult struct {
	Designs []*Design `json:"designs"`
	Total   int64     `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
}

// DesignInput is the editable content of a design, used by create, update
// and import.
type DesignInput struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Status      Status   `json:"status,omitempty" yaml:"status,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Subnets     []Subnet `json:"subnets,omitempty" yaml:"subnets,omitempty"`
	VLANs       []VLAN   `json:"vlans,omitempty" yaml:"vlans,omitempty"`
	Devices     []Device `json:"devices,omitempty" yaml:"devices,omitempty"`
	Links       []Link   `json:"links,omitempty" yaml:"links,omitempty"`
}

// UpdateRequest replaces a design's content. Version is the version the
// client last read; zero means the If-Match header carries it.
type UpdateRequest struct {
	DesignInput `yaml:",inline"`
	Version     int64 `json:"version,omitempty"`
}

// AllocateSubnetsRequest asks for VLSM allocation inside ParentCIDR
type AllocateSubnetsRequest struct {
	ParentCIDR   string            `json:"parent_cidr"`
	Requirements []HostRequirement `json:"requirements"`
	Purpose      string            `json:"purpose,omitempty"`
	Version      int64             `json:"version,omitempty"`
}

// HostRequirement names a subnet and how many hosts it must hold
type HostRequirement struct {
	Name   string `json:"name"`
	Hosts  uint64 `json:"hosts"`
	VLANID int    `json:"vlan_id,omitempty"`
}

// AllocateVLANRequest asks for the lowest free VLAN id
type AllocateVLANRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

// FieldIssue is one validation failure
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every rule a design breaks
type ValidationError struct {
	Issues []FieldIssue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.Field + ": " + is.Message
	}
	return "invalid design: " + strings.Join(parts, "; ")
}

// HTTPStatus maps validation failures to 400
func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }

func (e *ValidationError) add(field, format string, args ...interface{}) {
	e.Issues = append(e.Issues, FieldIssue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}

// IsValidationError reports whether err is a *ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
