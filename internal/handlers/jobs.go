package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/storelane/backend/internal/blob"
	"github.com/storelane/backend/internal/database"
	"github.com/storelane/backend/internal/events"
	"github.com/storelane/backend/internal/jobs"
)

// ============================================================================
// JOB WORKERS
// ============================================================================

// JobDeps carries what the job workers need. Unlike webhook handlers, job
// workers open their own tenant scope from the job envelope.
type JobDeps struct {
	DB      *database.DB
	Blob    blob.Store
	Emitter events.Emitter
	Logger  *log.Logger
}

// relayedTopics are follow-ups consumed by downstream services, not by this
// process. The worker's only duty is handing them to the event bus; Pub/Sub
// subscribers on the other side do the actual work.
var relayedTopics = []string{
	JobAttributionResolve,
	JobCommissionCalculate,
	JobOrderPostCreate,
	JobCustomerSync,
	JobProductSync,
	JobRefundNotify,
	JobRefundCommission,
	JobRefundLedger,
	JobGiftCardReward,
	JobPixelFire,
	JobABExclusion,
	JobReviewRequest,
	JobPostFulfill,
	JobShopCleanup,
	JobSupportNotify,
}

// RegisterJobs wires every job topic into the pool: purge, export, receipt
// and treasury workers run in-process, everything else relays to the bus.
func RegisterJobs(pool *jobs.Pool, deps *JobDeps) {
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}

	pool.Handle(JobShopPurge, deps.runShopPurge)
	pool.Handle(JobDataRequestExport, deps.runDataRequestExport)
	pool.Handle(JobReceiptProcess, deps.runReceiptProcess)
	pool.Handle(JobTreasuryAdvance, deps.runTreasuryAdvance)

	for _, topic := range relayedTopics {
		pool.Handle(topic, deps.relay(topic))
	}
}

func (d *JobDeps) relay(topic string) jobs.HandlerFunc {
	return func(_ context.Context, job *jobs.Job) error {
		var data map[string]any
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &data); err != nil {
				return fmt.Errorf("decode %s payload: %w", topic, err)
			}
		}
		d.Emitter.Emit("job."+topic, job.TenantID, topic, data)
		return nil
	}
}

// runShopPurge erases the shop's commerce data from the tenant schema. Mail
// threads and receipts are the tenant's own records, not the shop's, and
// survive the purge.
func (d *JobDeps) runShopPurge(ctx context.Context, job *jobs.Job) error {
	return d.DB.WithTenant(ctx, job.TenantSlug, func(ctx context.Context, tx *sql.Tx) error {
		for _, table := range []string{
			"order_line_items", "refund_line_items", "refunds", "fulfillments",
			"customer_addresses", "customers", "orders", "products",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		d.Logger.Printf("🧹 Purged commerce data for tenant %s", job.TenantSlug)
		return nil
	})
}

type dataExport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	ShopDomain  string           `json:"shop_domain"`
	Customer    *json.RawMessage `json:"customer,omitempty"`
	Addresses   []map[string]any `json:"addresses"`
	Orders      []map[string]any `json:"orders"`
}

// runDataRequestExport collects everything held on the customer into one JSON
// document in blob storage. The merchant forwards it to the requester.
func (d *JobDeps) runDataRequestExport(ctx context.Context, job *jobs.Job) error {
	var p struct {
		CustomerExternalID string `json:"customer_external_id"`
		ShopDomain         string `json:"shop_domain"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode export payload: %w", err)
	}

	out := dataExport{GeneratedAt: time.Now().UTC(), ShopDomain: p.ShopDomain}
	err := d.DB.WithTenant(ctx, job.TenantSlug, func(ctx context.Context, tx *sql.Tx) error {
		var email, phone sql.NullString
		var first, last string
		err := tx.QueryRowContext(ctx, `
			SELECT email, first_name, last_name, phone FROM customers WHERE external_id = $1`,
			p.CustomerExternalID).Scan(&email, &first, &last, &phone)
		if err == sql.ErrNoRows {
			return nil // nothing held; the export is the empty document
		}
		if err != nil {
			return fmt.Errorf("load customer %s: %w", p.CustomerExternalID, err)
		}
		raw, _ := json.Marshal(map[string]any{
			"external_id": p.CustomerExternalID,
			"email":       email.String,
			"first_name":  first,
			"last_name":   last,
			"phone":       phone.String,
		})
		rm := json.RawMessage(raw)
		out.Customer = &rm

		rows, err := tx.QueryContext(ctx, `
			SELECT address1, address2, city, province, country, zip
			FROM customer_addresses WHERE customer_external_id = $1`, p.CustomerExternalID)
		if err != nil {
			return fmt.Errorf("load addresses: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var a1, a2, city, prov, country, zip string
			if err := rows.Scan(&a1, &a2, &city, &prov, &country, &zip); err != nil {
				return err
			}
			out.Addresses = append(out.Addresses, map[string]any{
				"address1": a1, "address2": a2, "city": city,
				"province": prov, "country": country, "zip": zip,
			})
		}
		if err := rows.Err(); err != nil {
			return err
		}

		orows, err := tx.QueryContext(ctx, `
			SELECT external_id, name, currency, total_minor, financial_status, synced_at
			FROM orders WHERE customer_external_id = $1`, p.CustomerExternalID)
		if err != nil {
			return fmt.Errorf("load orders: %w", err)
		}
		defer orows.Close()
		for orows.Next() {
			var extID, name, currency, finStatus string
			var totalMinor int64
			var syncedAt time.Time
			if err := orows.Scan(&extID, &name, &currency, &totalMinor, &finStatus, &syncedAt); err != nil {
				return err
			}
			out.Orders = append(out.Orders, map[string]any{
				"external_id":      extID,
				"name":             name,
				"currency":         currency,
				"total_minor":      totalMinor,
				"financial_status": finStatus,
				"synced_at":        syncedAt,
			})
		}
		return orows.Err()
	})
	if err != nil {
		return err
	}

	doc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	path := fmt.Sprintf("tenants/%s/exports/%d-customer-%s.json",
		job.TenantSlug, time.Now().UnixMilli(), blob.SanitizeFilename(p.CustomerExternalID))
	ref, err := d.Blob.Put(ctx, path, "application/json", doc)
	if err != nil {
		return fmt.Errorf("store export: %w", err)
	}

	d.Logger.Printf("📦 Data request export ready for tenant %s", job.TenantSlug)
	d.Emitter.Emit("job."+JobDataRequestExport, job.TenantID, p.CustomerExternalID,
		map[string]any{"export_ref": ref, "shop_domain": p.ShopDomain})
	return nil
}

// runReceiptProcess finalizes a stored receipt. Extraction already happened at
// ingest; this marks the row processed once attachments are durably stored.
func (d *JobDeps) runReceiptProcess(ctx context.Context, job *jobs.Job) error {
	var p struct {
		ReceiptID int64 `json:"receipt_id"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode receipt payload: %w", err)
	}
	return d.DB.WithTenant(ctx, job.TenantSlug, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE receipts SET status = 'processed' WHERE id = $1 AND status = 'received'`,
			p.ReceiptID)
		if err != nil {
			return fmt.Errorf("process receipt %d: %w", p.ReceiptID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already processed or unknown; either way the job is done
			return nil
		}
		d.Emitter.Emit("job."+JobReceiptProcess, job.TenantID,
			fmt.Sprintf("%d", p.ReceiptID), map[string]any{"receipt_id": p.ReceiptID})
		return nil
	})
}

// runTreasuryAdvance applies a clear verdict to the pending request and tells
// the treasury service over the bus. Unclear verdicts never reach this worker.
func (d *JobDeps) runTreasuryAdvance(ctx context.Context, job *jobs.Job) error {
	var p struct {
		RequestID  string `json:"request_id"`
		Verdict    string `json:"verdict"`
		Confidence string `json:"confidence"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode treasury payload: %w", err)
	}
	err := d.DB.WithTenant(ctx, job.TenantSlug, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE treasury_communications SET direction = 'applied'
			WHERE request_id = $1 AND direction = 'inbound'`, p.RequestID)
		if err != nil {
			return fmt.Errorf("advance request %s: %w", p.RequestID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.Emitter.Emit("job."+JobTreasuryAdvance, job.TenantID, p.RequestID, map[string]any{
		"request_id": p.RequestID,
		"verdict":    p.Verdict,
		"confidence": p.Confidence,
	})
	return nil
}
