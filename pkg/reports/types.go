// Package reports assembles design reports (summary, IP plan and bill of
// materials), renders them to HTML or PDF and runs rendering as background
// jobs whose artifacts land in object storage.
package reports

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

var (
	ErrNotFound        = errors.New("report not found")
	ErrNotReady        = errors.New("report is not ready")
	ErrPDFDisabled     = errors.New("pdf rendering is not configured")
	ErrPDFTier         = errors.New("pdf reports require the pro plan or above")
	ErrUnknownKind     = errors.New("unknown report kind")
	ErrUnknownFmt      = errors.New("unknown report format")
	ErrQueueBusy       = errors.New("report queue is full, try again shortly")
	ErrStorageDisabled = errors.New("report storage is not configured")
)

// Kind selects which sections a report contains
type Kind string

const (
	KindDesignSummary   Kind = "design_summary"
	KindIPPlan          Kind = "ip_plan"
	KindBillOfMaterials Kind = "bill_of_materials"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case KindDesignSummary, KindIPPlan, KindBillOfMaterials:
		return true
	}
	return false
}

// Title is the heading used in rendered output
func (k Kind) Title() string {
	switch k {
	case KindIPPlan:
		return "IP plan"
	case KindBillOfMaterials:
		return "Bill of materials"
	}
	return "Design summary"
}

// Format is the artifact encoding
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Valid reports whether f is a known format
func (f Format) Valid() bool { return f == FormatHTML || f == FormatPDF }

// ContentType is the MIME type of f
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "text/html; charset=utf-8"
}

// Status tracks a report job
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Report is one requested report and its job state
type Report struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	DesignID    string     `json:"design_id"`
	Kind        Kind       `json:"kind"`
	Format      Format     `json:"format"`
	Status      Status     `json:"status"`
	ObjectKey   string     `json:"-"`
	SizeBytes   int64      `json:"size_bytes,omitempty"`
	Error       string     `json:"error,omitempty"`
	RequestedBy string     `json:"requested_by"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Filename is the download name of the artifact
func (r *Report) Filename() string {
	return fmt.Sprintf("%s-%s.%s", r.Kind, r.ID[:min(8, len(r.ID))], r.Format)
}

// Request asks for a new report
type Request struct {
	Kind   Kind   `json:"kind"`
	Format Format `json:"format"`
}

// Normalize fills in defaults
func (r *Request) Normalize() {
	if r.Kind == "" {
		r.Kind = KindDesignSummary
	}
	if r.Format == "" {
		r.Format = FormatHTML
	}
}

// Validate checks kind and format
func (r Request) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if !r.Format.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownFmt, r.Format)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, designs.ErrNotFound), errors.Is(err, designs.ErrInvalidID):
		return http.StatusNotFound
	case errors.Is(err, ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownKind), errors.Is(err, ErrUnknownFmt):
		return http.StatusBadRequest
	case errors.Is(err, ErrPDFTier):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrPDFDisabled), errors.Is(err, ErrQueueBusy), errors.Is(err, ErrStorageDisabled):
		return http.StatusServiceUnavailable
	case orgs.IsQuotaExceeded(err):
		return http.StatusTooManyRequests
	}
	return 0
}
