package designs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/ipam"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
	"github.com/platinummonkey/netforge/pkg/storage"
	"github.com/platinummonkey/netforge/pkg/topology"
)

// maxImportBytes caps import request bodies
const maxImportBytes = 5 << 20

// DesignService is the behavior the handlers need from Service
type DesignService interface {
	Create(ctx context.Context, orgID, userID string, in DesignInput) (*Design, error)
	Get(ctx context.Context, orgID, id string) (*Design, error)
	List(ctx context.Context, orgID string, filter ListFilter, page Page) (*ListResult, error)
	Update(ctx context.Context, orgID, id, userID string, req UpdateRequest) (*Design, error)
	Delete(ctx context.Context, orgID, id, userID string) error
	Clone(ctx context.Context, orgID, id, userID, name string) (*Design, error)
	Export(ctx context.Context, orgID, id string, f Format) ([]byte, *Design, error)
	Import(ctx context.Context, orgID, userID string, data []byte, f Format) (*Design, error)
	AllocateSubnets(ctx context.Context, orgID, id, userID string, req AllocateSubnetsRequest) (*Design, []ipam.Allocation, error)
	AllocateVLAN(ctx context.Context, orgID, id, userID string, req AllocateVLANRequest) (*Design, VLAN, error)
	Topology(ctx context.Context, orgID, id string) (*topology.Graph, error)
	Watch(ctx context.Context, orgID, id, userID string, watch bool) error
	UploadAttachment(ctx context.Context, orgID, id, userID string, up Upload) (*Attachment, error)
	ListAttachments(ctx context.Context, orgID, id string) ([]Attachment, error)
	OpenAttachment(ctx context.Context, orgID, id, attachmentID string) (io.ReadCloser, Attachment, error)
	DeleteAttachment(ctx context.Context, orgID, id, attachmentID, userID string) error
}

// Authorizer wraps routes with permission checks
type Authorizer interface {
	RequirePermission(resource rbac.Resource, action rbac.Action, idVar string) func(http.Handler) http.Handler
}

// Handlers serves the design routes on an org-scoped router
type Handlers struct {
	svc   DesignService
	authz Authorizer
	quota *middleware.QuotaMiddleware
}

// NewHandlers creates design handlers. quota may be nil.
func NewHandlers(svc DesignService, authz Authorizer, quota *middleware.QuotaMiddleware) *Handlers {
	return &Handlers{svc: svc, authz: authz, quota: quota}
}

func (h *Handlers) enforce(resource orgs.Resource) func(http.Handler) http.Handler {
	if h.quota == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.quota.Enforce(resource)
}

// RegisterRoutes mounts the routes under /api/v1/orgs/{org}
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	list := h.authz.RequirePermission(rbac.ResourceDesign, rbac.ActionRead, "")
	create := h.authz.RequirePermission(rbac.ResourceDesign, rbac.ActionCreate, "")
	read := h.authz.RequirePermission(rbac.ResourceDesign, rbac.ActionRead, "designID")
	update := h.authz.RequirePermission(rbac.ResourceDesign, rbac.ActionUpdate, "designID")
	remove := h.authz.RequirePermission(rbac.ResourceDesign, rbac.ActionDelete, "designID")
	designQuota := h.enforce(orgs.ResourceDesigns)
	storageQuota := h.enforce(orgs.ResourceStorage)

	handle := func(path string, mw func(http.Handler) http.Handler, fn http.HandlerFunc, method string) {
		router.Handle(path, mw(fn)).Methods(method)
	}
	chain := func(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			for i := len(mws) - 1; i >= 0; i-- {
				next = mws[i](next)
			}
			return next
		}
	}

	handle("/designs", list, h.list, http.MethodGet)
	handle("/designs", chain(create, designQuota), h.create, http.MethodPost)
	handle("/designs/import", chain(create, designQuota), h.importDesign, http.MethodPost)
	handle("/designs/{designID}", read, h.get, http.MethodGet)
	handle("/designs/{designID}", update, h.update, http.MethodPut)
	handle("/designs/{designID}", remove, h.delete, http.MethodDelete)
	handle("/designs/{designID}/clone", chain(read, create, designQuota), h.clone, http.MethodPost)
	handle("/designs/{designID}/export", read, h.export, http.MethodGet)
	handle("/designs/{designID}/allocate-subnets", update, h.allocateSubnets, http.MethodPost)
	handle("/designs/{designID}/allocate-vlan", update, h.allocateVLAN, http.MethodPost)
	handle("/designs/{designID}/topology", read, h.topology, http.MethodGet)
	handle("/designs/{designID}/topology/path", read, h.path, http.MethodGet)
	handle("/designs/{designID}/topology/impact/{deviceID}", read, h.impact, http.MethodGet)
	handle("/designs/{designID}/watch", read, h.watch, http.MethodPut)
	handle("/designs/{designID}/watch", read, h.unwatch, http.MethodDelete)

	handle("/designs/{designID}/attachments", read, h.listAttachments, http.MethodGet)
	handle("/designs/{designID}/attachments", chain(update, storageQuota), h.uploadAttachment, http.MethodPost)
	handle("/designs/{designID}/attachments/{attachmentID}", read, h.downloadAttachment, http.MethodGet)
	handle("/designs/{designID}/attachments/{attachmentID}", update, h.deleteAttachment, http.MethodDelete)
}

func caller(r *http.Request) (string, string, bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		return "", "", false
	}
	org, ok := orgs.FromContext(r.Context())
	if !ok {
		return "", "", false
	}
	return ac.User.ID, org.ID, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status := statusFor(err); status != 0 {
		var ve *ValidationError
		if errors.As(err, &ve) {
			httputil.WriteJSON(w, status, map[string]interface{}{
				"error":  "validation failed",
				"status": status,
				"issues": ve.Issues,
			})
			return
		}
		httputil.WriteError(w, status, err.Error())
		return
	}
	httputil.WriteServiceError(w, r, err)
}

func setETag(w http.ResponseWriter, d *Design) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(d.Version, 10)))
}

// ParseIfMatch reads a version from an If-Match header. Both "3" and
// W/"3" are accepted; a missing header yields 0.
func ParseIfMatch(header string) (int64, error) {
	v := strings.TrimSpace(header)
	if v == "" {
		return 0, nil
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("If-Match must carry a design version")
	}
	return n, nil
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	page, ok := httputil.ParsePageOrError(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	res, err := h.svc.List(r.Context(), orgID, ListFilter{
		Status: Status(q.Get("status")),
		Tag:    q.Get("tag"),
		Search: q.Get("q"),
	}, Page{Limit: page.Limit, Offset: page.Offset})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var in DesignInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	d, err := h.svc.Create(r.Context(), orgID, userID, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setETag(w, d)
	httputil.WriteCreated(w, d)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	d, err := h.svc.Get(r.Context(), orgID, mux.Vars(r)["designID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	setETag(w, d)
	httputil.WriteSuccess(w, d)
}

func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var req UpdateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ifMatch, err := ParseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if ifMatch != 0 {
		if req.Version != 0 && req.Version != ifMatch {
			httputil.WriteBadRequest(w, "If-Match and body version disagree")
			return
		}
		req.Version = ifMatch
	}

	d, err := h.svc.Update(r.Context(), orgID, mux.Vars(r)["designID"], userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setETag(w, d)
	httputil.WriteSuccess(w, d)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if err := h.svc.Delete(r.Context(), orgID, mux.Vars(r)["designID"], userID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type cloneRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) clone(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var req cloneRequest
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	d, err := h.svc.Clone(r.Context(), orgID, mux.Vars(r)["designID"], userID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setETag(w, d)
	httputil.WriteCreated(w, d)
}

func (h *Handlers) export(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	f, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, d, err := h.svc.Export(r.Context(), orgID, mux.Vars(r)["designID"], f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	name := storage.SanitizeFilename(d.Name)
	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, name, f))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handlers) importDesign(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	f := FormatFromContentType(r.Header.Get("Content-Type"))
	if q := r.URL.Query().Get("format"); q != "" {
		var err error
		if f, err = ParseFormat(q); err != nil {
			writeError(w, r, err)
			return
		}
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes+1))
	if err != nil {
		httputil.WriteBadRequest(w, "could not read request body")
		return
	}
	if len(data) > maxImportBytes {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "import document is too large")
		return
	}
	d, err := h.svc.Import(r.Context(), orgID, userID, data, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setETag(w, d)
	httputil.WriteCreated(w, d)
}

type allocateSubnetsResponse struct {
	Design      *Design           `json:"design"`
	Allocations []ipam.Allocation `json:"allocations"`
}

func (h *Handlers) allocateSubnets(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var req AllocateSubnetsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if v, err := ParseIfMatch(r.Header.Get("If-Match")); err == nil && v != 0 {
		req.Version = v
	}
	d, allocs, err := h.svc.AllocateSubnets(r.Context(), orgID, mux.Vars(r)["designID"], userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setETag(w, d)
	httputil.WriteSuccess(w, allocateSubnetsResponse{Design: d, Allocations: allocs})
}

type allocateVLANResponse struct {
	Design *Design `json:"design"`
	VLAN   VLAN    `json:"vlan"`
}

func (h *Handlers) allocateVLAN(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var req AllocateVLANRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if v, err := ParseIfMatch(r.Header.Get("If-Match")); err == nil && v != 0 {
		req.Version = v
	}
	d, vlan, err := h.svc.AllocateVLAN(r.Context(), orgID, mux.Vars(r)["designID"], userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setETag(w, d)
	httputil.WriteSuccess(w, allocateVLANResponse{Design: d, VLAN: vlan})
}

// TopologyAnalysis is the topology endpoint body
type TopologyAnalysis struct {
	Stats      topology.Stats           `json:"stats"`
	Components [][]string               `json:"components"`
	Loops      []topology.Loop          `json:"loops"`
	SPOFs      []string                 `json:"single_points_of_failure"`
	Graph      *topology.CytoscapeGraph `json:"graph,omitempty"`
}

func (h *Handlers) loadGraph(w http.ResponseWriter, r *http.Request) (*topology.Graph, bool) {
	_, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, false
	}
	g, err := h.svc.Topology(r.Context(), orgID, mux.Vars(r)["designID"])
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return g, true
}

func (h *Handlers) topology(w http.ResponseWriter, r *http.Request) {
	g, ok := h.loadGraph(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("format") == "cytoscape" {
		httputil.WriteSuccess(w, g.ToCytoscape())
		return
	}
	httputil.WriteSuccess(w, TopologyAnalysis{
		Stats:      g.Summary(),
		Components: g.ConnectedComponents(),
		Loops:      g.FindLoops(),
		SPOFs:      g.SinglePointsOfFailure(),
	})
}

func (h *Handlers) path(w http.ResponseWriter, r *http.Request) {
	g, ok := h.loadGraph(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if !httputil.RequireNonEmpty(w, q.Get("from"), "from") || !httputil.RequireNonEmpty(w, q.Get("to"), "to") {
		return
	}
	p, err := g.ShortestPath(q.Get("from"), q.Get("to"))
	switch {
	case err == nil:
		httputil.WriteSuccess(w, map[string]interface{}{"path": p, "hops": len(p) - 1})
	case errors.Is(err, topology.ErrNoPath):
		httputil.WriteSuccess(w, map[string]interface{}{"path": []string{}, "hops": -1})
	default:
		httputil.WriteNotFound(w, err.Error())
	}
}

func (h *Handlers) impact(w http.ResponseWriter, r *http.Request) {
	g, ok := h.loadGraph(w, r)
	if !ok {
		return
	}
	impact, err := g.ImpactAnalysis(mux.Vars(r)["deviceID"], r.URL.Query()["anchor"]...)
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, impact)
}

func (h *Handlers) setWatch(w http.ResponseWriter, r *http.Request, watch bool) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if err := h.svc.Watch(r.Context(), orgID, mux.Vars(r)["designID"], userID, watch); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) watch(w http.ResponseWriter, r *http.Request)   { h.setWatch(w, r, true) }
func (h *Handlers) unwatch(w http.ResponseWriter, r *http.Request) { h.setWatch(w, r, false) }

func (h *Handlers) listAttachments(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	atts, err := h.svc.ListAttachments(r.Context(), orgID, mux.Vars(r)["designID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, atts)
}

func (h *Handlers) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		httputil.WriteBadRequest(w, "expected a multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteBadRequest(w, "file field is required")
		return
	}
	defer file.Close()

	att, err := h.svc.UploadAttachment(r.Context(), orgID, mux.Vars(r)["designID"], userID, Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, att)
}

func (h *Handlers) downloadAttachment(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	vars := mux.Vars(r)
	rc, att, err := h.svc.OpenAttachment(r.Context(), orgID, vars["designID"], vars["attachmentID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, att.Filename))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if att.Checksum != "" {
		w.Header().Set("X-Checksum-SHA256", att.Checksum)
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

func (h *Handlers) deleteAttachment(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	vars := mux.Vars(r)
	if err := h.svc.DeleteAttachment(r.Context(), orgID, vars["designID"], vars["attachmentID"], userID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
