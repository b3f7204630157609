// Package api is the HTTP surface: the two ingest endpoints, the OAuth
// install flow, and the authenticated admin plane.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/storelane/backend/internal/commerce"
	"github.com/storelane/backend/internal/config"
	"github.com/storelane/backend/internal/crypto"
	"github.com/storelane/backend/internal/events"
	"github.com/storelane/backend/internal/health"
	"github.com/storelane/backend/internal/ingress"
	"github.com/storelane/backend/internal/jobs"
	"github.com/storelane/backend/internal/metrics"
	"github.com/storelane/backend/internal/registry"
)

// Server wires the routers and owns the http.Server lifecycle.
type Server struct {
	cfg      *config.Config
	webhooks *ingress.WebhookPipeline
	mail     *ingress.MailPipeline
	oauth    *commerce.OAuth
	client   *commerce.Client
	sealer   *crypto.Sealer
	registry *registry.Registry
	health   *health.Service
	bus      *events.Bus
	pool     *jobs.Pool
	logger   *log.Logger
	httpSrv  *http.Server
}

// NewServer assembles the HTTP surface.
func NewServer(cfg *config.Config, webhooks *ingress.WebhookPipeline, mail *ingress.MailPipeline,
	oauth *commerce.OAuth, client *commerce.Client, sealer *crypto.Sealer,
	reg *registry.Registry, healthSvc *health.Service, bus *events.Bus, pool *jobs.Pool) *Server {
	return &Server{
		cfg:      cfg,
		webhooks: webhooks,
		mail:     mail,
		oauth:    oauth,
		client:   client,
		sealer:   sealer,
		registry: reg,
		health:   healthSvc,
		bus:      bus,
		pool:     pool,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Ingest endpoints: raw handlers, no middleware that could consume the
	// body before signature verification
	r.Handle("/webhooks/shopify", s.webhooks).Methods(http.MethodPost)
	r.Handle("/webhooks/email", s.mail).Methods(http.MethodPost)

	// OAuth install flow
	r.HandleFunc("/oauth/callback", s.handleOAuthCallback).Methods(http.MethodGet)

	// Cloud Tasks worker callback
	r.HandleFunc("/internal/jobs/{topic}", s.handleJobCallback).Methods(http.MethodPost)

	// Operational
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	// Admin plane, API-key authenticated
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAPIKey)
	admin.HandleFunc("/install", s.handleBeginInstall).Methods(http.MethodPost)
	admin.HandleFunc("/webhooks/sync", s.handleWebhookSync).Methods(http.MethodPost)
	admin.HandleFunc("/health", s.handleTenantHealth).Methods(http.MethodGet)
	admin.HandleFunc("/events/{id:[0-9]+}/retry", s.handleRetry).Methods(http.MethodPost)
	admin.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)

	return r
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🚀 Listening on %s", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
