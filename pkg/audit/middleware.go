package audit

import (
	"net/http"
	"time"

	"github.com/platinummonkey/netforge/pkg/contextkeys"
)

// Middleware puts the audit logger in the request context and records every
// mutating request once it completes.
type Middleware struct {
	logger Logger
}

// NewMiddleware creates the audit middleware
func NewMiddleware(logger Logger) *Middleware {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Middleware{logger: logger}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Handler wraps next. Mount it after auth and org resolution so the actor is known.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := WithLogger(r.Context(), m.logger)
		ctx = contextkeys.WithRequestStartTime(ctx, start)
		r = r.WithContext(ctx)

		if !isMutation(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		status := EventStatusSuccess
		switch {
		case rec.status == http.StatusUnauthorized || rec.status == http.StatusForbidden:
			status = EventStatusDenied
		case rec.status >= http.StatusBadRequest:
			status = EventStatusFailure
		}

		event := NewEvent(ctx, EventTypeHTTPMutation, status).WithRequest(r)
		event.StatusCode = rec.status
		event.Metadata = map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()}
		write(ctx, event)
	})
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
