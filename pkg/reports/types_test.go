package reports

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/netforge/pkg/designs"
)

func TestRequestNormalizeAndValidate(t *testing.T) {
	var r Request
	r.Normalize()
	assert.Equal(t, Request{Kind: KindDesignSummary, Format: FormatHTML}, r)
	assert.NoError(t, r.Validate())

	assert.ErrorIs(t, Request{Kind: "x", Format: FormatHTML}.Validate(), ErrUnknownKind)
	assert.ErrorIs(t, Request{Kind: KindIPPlan, Format: "docx"}.Validate(), ErrUnknownFmt)
}

func TestReportFilename(t *testing.T) {
	r := &Report{ID: "3f2a9c1e-0000-4000-8000-000000000000", Kind: KindBillOfMaterials, Format: FormatPDF}
	assert.Equal(t, "bill_of_materials-3f2a9c1e.pdf", r.Filename())
}

func TestReportStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{designs.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: status is running", ErrNotReady), http.StatusConflict},
		{ErrUnknownKind, http.StatusBadRequest},
		{ErrPDFTier, http.StatusPaymentRequired},
		{ErrPDFDisabled, http.StatusServiceUnavailable},
		{ErrQueueBusy, http.StatusServiceUnavailable},
		{errQuota, http.StatusTooManyRequests},
		{errors.New("boom"), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
