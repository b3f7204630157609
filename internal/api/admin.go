package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/storelane/backend/internal/health"
	"github.com/storelane/backend/internal/registry"
)

// ============================================================================
// ADMIN PLANE — API-key authenticated tenant operations
// ============================================================================

type ctxKey int

const tenantCtxKey ctxKey = iota

// requireAPIKey authenticates Authorization: Bearer slk_... against the
// registry and stashes the tenant in the request context.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ref, err := s.registry.ValidateAPIKey(r.Context(), strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), tenantCtxKey, ref)))
	})
}

func tenantFrom(r *http.Request) *registry.TenantRef {
	ref, _ := r.Context().Value(tenantCtxKey).(*registry.TenantRef)
	return ref
}

// handleTenantHealth returns the per-tenant ingest rollup.
func (s *Server) handleTenantHealth(w http.ResponseWriter, r *http.Request) {
	ref := tenantFrom(r)
	report, err := s.health.TenantReport(r.Context(), ref.TenantID, ref.TenantSlug)
	if err != nil {
		s.logger.Printf("❌ Health report for %s: %v", ref.TenantSlug, err)
		writeError(w, http.StatusInternalServerError, "report failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRetry re-dispatches one failed event.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ref := tenantFrom(r)
	eventID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad event id")
		return
	}

	outcome, err := s.health.Retry(r.Context(), ref.TenantID, ref.TenantSlug, eventID)
	switch {
	case errors.Is(err, health.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, health.ErrEventNotFailed):
		writeError(w, http.StatusConflict, "event is not failed")
	case errors.Is(err, health.ErrRetriesExhausted):
		writeError(w, http.StatusConflict, "retries exhausted")
	case err != nil:
		s.logger.Printf("❌ Retry of event %d: %v", eventID, err)
		writeError(w, http.StatusInternalServerError, "retry failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID, "outcome": outcome})
	}
}

// handleEventStream pushes the tenant's ingest outcomes over SSE.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	ref := tenantFrom(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.TenantID != ref.TenantID {
				continue
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			w.Write(frame)
			flusher.Flush()
		}
	}
}
