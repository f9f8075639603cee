package notifications

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
)

// Inbox is what the handlers need from Service
type Inbox interface {
	List(ctx context.Context, userID string, opts ListOptions) ([]*Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID, id string) error
}

// Handlers serves /api/v1/notifications for the authenticated user
type Handlers struct {
	inbox Inbox
}

// NewHandlers creates notification handlers
func NewHandlers(inbox Inbox) *Handlers {
	return &Handlers{inbox: inbox}
}

// RegisterRoutes mounts the routes on a router rooted at /api/v1/notifications
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("", h.list).Methods(http.MethodGet)
	router.HandleFunc("/unread-count", h.unreadCount).Methods(http.MethodGet)
	router.HandleFunc("/read-all", h.markAllRead).Methods(http.MethodPost)
	router.HandleFunc("/{id}/read", h.markRead).Methods(http.MethodPost)
	router.HandleFunc("/{id}", h.delete).Methods(http.MethodDelete)
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return "", false
	}
	return ac.User.ID, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	httputil.WriteInternalError(w, r, err)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	unread, err := httputil.ParseQueryBool(r, "unread", false)
	if err != nil {
		httputil.WriteBadRequest(w, "unread must be a boolean")
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, "limit must be an integer")
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, "offset must be an integer")
		return
	}
	items, err := h.inbox.List(r.Context(), uid, ListOptions{UnreadOnly: unread, Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"notifications": items})
}

func (h *Handlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	n, err := h.inbox.UnreadCount(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"unread": n})
}

func (h *Handlers) markRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	if err := h.inbox.MarkRead(r.Context(), uid, mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) markAllRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	n, err := h.inbox.MarkAllRead(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("X-Updated-Count", strconv.FormatInt(n, 10))
	httputil.WriteSuccess(w, map[string]int64{"updated": n})
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	if err := h.inbox.Delete(r.Context(), uid, mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
