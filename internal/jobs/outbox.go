package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/storelane/backend/internal/database"
)

// ============================================================================
// DURABLE OUTBOX
// ============================================================================

const (
	outboxBatchSize   = 50
	outboxMaxAttempts = 5
)

// Spool writes a job into the tenant's outbox inside the caller's tenant
// transaction, so the job commits or rolls back with the event that caused
// it. The flusher delivers it after commit.
func Spool(ctx context.Context, tx *sql.Tx, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_outbox (topic, payload) VALUES ($1, $2)`, topic, raw)
	if err != nil {
		return fmt.Errorf("spool job: %w", err)
	}
	return nil
}

// Tenant is the identity a flushed job is enqueued under. Both fields are
// required: workers scope their transaction by slug and emit events by id.
type Tenant struct {
	ID   string
	Slug string
}

func (t Tenant) options() Options {
	return Options{TenantID: t.ID, TenantSlug: t.Slug}
}

// Flusher periodically drains pending outbox rows across every tenant schema
// and hands them to the dispatcher. Failed enqueues back off per row and give
// up after outboxMaxAttempts.
type Flusher struct {
	db         *database.DB
	dispatcher Dispatcher
	tenants    func(ctx context.Context) ([]Tenant, error)
	interval   time.Duration
	logger     *log.Logger
	stop       chan struct{}
	done       chan struct{}
}

// NewFlusher builds a flusher. tenants supplies the current tenant set on
// each sweep so newly provisioned tenants are picked up without a restart.
func NewFlusher(db *database.DB, dispatcher Dispatcher, tenants func(ctx context.Context) ([]Tenant, error), interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Flusher{
		db:         db,
		dispatcher: dispatcher,
		tenants:    tenants,
		interval:   interval,
		logger:     log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (f *Flusher) Start() {
	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				f.sweep(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (f *Flusher) Stop() {
	close(f.stop)
	<-f.done
}

func (f *Flusher) sweep(ctx context.Context) {
	tenants, err := f.tenants(ctx)
	if err != nil {
		f.logger.Printf("❌ Listing tenants: %v", err)
		return
	}
	for _, tenant := range tenants {
		if err := f.FlushTenant(ctx, tenant); err != nil {
			f.logger.Printf("❌ Flushing tenant %s: %v", tenant.Slug, err)
		}
	}
}

// FlushTenant drains up to one batch of pending rows for a single tenant.
// Rows are locked with SKIP LOCKED so concurrent replicas never double-send.
func (f *Flusher) FlushTenant(ctx context.Context, tenant Tenant) error {
	return f.db.WithTenant(ctx, tenant.Slug, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, topic, payload, attempts
			FROM job_outbox
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, outboxBatchSize)
		if err != nil {
			return fmt.Errorf("select outbox: %w", err)
		}

		type row struct {
			id       int64
			topic    string
			payload  json.RawMessage
			attempts int
		}
		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.topic, &r.payload, &r.attempts); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range batch {
			err := f.dispatcher.Enqueue(ctx, r.topic, r.payload, tenant.options())
			if err == nil {
				if _, err := tx.ExecContext(ctx, `
					UPDATE job_outbox SET status = 'sent' WHERE id = $1`, r.id); err != nil {
					return fmt.Errorf("mark outbox sent: %w", err)
				}
				continue
			}

			status := "pending"
			if r.attempts+1 >= outboxMaxAttempts {
				status = "dead"
				f.logger.Printf("⚠️  Outbox row %d (%s) dead after %d attempts", r.id, r.topic, r.attempts+1)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE job_outbox
				SET attempts = attempts + 1, status = $2,
				    next_attempt_at = now() + (interval '30 seconds' * (attempts + 1))
				WHERE id = $1`, r.id, status); err != nil {
				return fmt.Errorf("mark outbox retry: %w", err)
			}
		}
		return nil
	})
}
