package audit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// Searcher queries stored audit events
type Searcher interface {
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)
}

// Handlers serves the org audit log
type Handlers struct {
	store Searcher
}

// NewHandlers creates audit handlers
func NewHandlers(store Searcher) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes mounts GET /audit on an org-scoped router. Admins only.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	admin := middleware.RequireRole(auth.RoleAdmin)
	router.Handle("/audit", admin(http.HandlerFunc(h.list))).Methods(http.MethodGet)
}

type listResponse struct {
	Events []*Event `json:"events"`
	Count  int      `json:"count"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	org, ok := orgs.FromContext(r.Context())
	if !ok {
		httputil.WriteForbidden(w, "organization context required")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.OrgID = org.ID

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		if events == nil {
			events = []*Event{}
		}
		httputil.WriteSuccess(w, listResponse{Events: events, Count: len(events), Limit: filter.Limit, Offset: filter.Offset})
		return
	}
	if format != ExportFormatJSON && format != ExportFormatCSV && format != ExportFormatNDJSON {
		httputil.WriteBadRequest(w, fmt.Sprintf("unsupported format %q", format))
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.%s"`, org.Slug, format))
	if err := Export(w, events, format); err != nil {
		httputil.WriteInternalError(w, r, err)
	}
}

func parseFilter(r *http.Request) (SearchFilter, error) {
	page, err := httputil.ParsePage(r)
	if err != nil {
		return SearchFilter{}, err
	}
	q := r.URL.Query()
	filter := SearchFilter{
		UserID:       q.Get("user_id"),
		Status:       EventStatus(q.Get("status")),
		ResourceType: ResourceType(q.Get("resource_type")),
		ResourceID:   q.Get("resource_id"),
		Limit:        page.Limit,
		Offset:       page.Offset,
	}
	if types := q.Get("event_type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.EventTypes = append(filter.EventTypes, EventType(strings.TrimSpace(t)))
		}
	}
	for key, dst := range map[string]**time.Time{"since": &filter.StartTime, "until": &filter.EndTime} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return SearchFilter{}, fmt.Errorf("%s must be RFC3339", key)
			}
			*dst = &t
		}
	}
	return filter, nil
}
