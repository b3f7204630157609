// Package health aggregates ingest observability per tenant and drives
// operator-initiated retries of failed events.
package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/storelane/backend/internal/config"
	"github.com/storelane/backend/internal/database"
	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/eventlog"
	"github.com/storelane/backend/internal/events"
	"github.com/storelane/backend/internal/ingress"
	"github.com/storelane/backend/internal/registry"
)

var (
	ErrEventNotFound  = errors.New("event not found")
	ErrEventNotFailed = errors.New("event is not in failed status")
	ErrRetriesExhausted = errors.New("event has exhausted its retries")
)

// Service answers admin health queries and performs retries.
type Service struct {
	db         *database.DB
	registry   *registry.Registry
	dispatcher *dispatch.Registry
	emitter    events.Emitter
	overrides  *config.Manager
	logger     *log.Logger
}

// New builds the health service.
func New(db *database.DB, reg *registry.Registry, dispatcher *dispatch.Registry,
	emitter events.Emitter, overrides *config.Manager) *Service {
	return &Service{
		db:         db,
		registry:   reg,
		dispatcher: dispatcher,
		emitter:    emitter,
		overrides:  overrides,
		logger:     log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
	}
}

// Report is the per-tenant ingest health rollup.
type Report struct {
	TenantSlug    string                  `json:"tenant_slug"`
	Statuses      *eventlog.StatusCounts  `json:"statuses_24h"`
	Topics        []eventlog.TopicCount   `json:"topics_7d"`
	Registrations []registry.Registration `json:"registrations"`
	Retryable     int                     `json:"retryable_failed"`
}

// TenantReport assembles the rollup for one tenant.
func (s *Service) TenantReport(ctx context.Context, tenantID, tenantSlug string) (*Report, error) {
	report := &Report{TenantSlug: tenantSlug}

	err := s.db.WithTenant(ctx, tenantSlug, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if report.Statuses, err = eventlog.CountsByStatus(ctx, tx, 24*time.Hour); err != nil {
			return err
		}
		if report.Topics, err = eventlog.CountsByTopic(ctx, tx, 7); err != nil {
			return err
		}
		maxRetries := s.overrides.Get(tenantID).MaxRetries
		retryable, err := eventlog.FailedRetryable(ctx, tx, maxRetries, 7*24*time.Hour)
		if err != nil {
			return err
		}
		report.Retryable = len(retryable)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tenant report: %w", err)
	}

	regs, err := s.registry.ListRegistrations(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	report.Registrations = regs
	return report, nil
}

// Retry re-enters one failed event into pending (bumping its retry counter)
// and re-dispatches it synchronously. The idempotency key never changes, so
// a retry can never fork a duplicate.
func (s *Service) Retry(ctx context.Context, tenantID, tenantSlug string, eventID int64) (string, error) {
	maxRetries := s.overrides.Get(tenantID).MaxRetries

	var ev *eventlog.Event
	err := s.db.WithTenant(ctx, tenantSlug, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := eventlog.GetByID(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrEventNotFound
		}
		if existing.Status != eventlog.StatusFailed {
			return ErrEventNotFailed
		}
		if existing.RetryCount >= maxRetries {
			return ErrRetriesExhausted
		}
		ev, err = eventlog.MarkPendingForRetry(ctx, tx, eventID)
		return err
	})
	if err != nil {
		return "", err
	}

	s.logger.Printf("Retrying event %d (%s, attempt %d)", ev.ID, ev.Topic, ev.RetryCount)
	outcome := ingress.RunDispatch(ctx, s.db, s.dispatcher, s.emitter, dispatch.Event{
		EventID:    ev.ID,
		TenantID:   tenantID,
		TenantSlug: tenantSlug,
		ShopDomain: ev.ShopDomain,
		Topic:      ev.Topic,
		Payload:    ev.Payload,
	})
	return outcome, nil
}
