package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/jobs"
)

// ============================================================================
// PRODUCT EVENTS
// ============================================================================

type productPayload struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Handle string `json:"handle"`
	Status string `json:"status"`
}

func (d *Deps) handleProductUpsert(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p productPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode product payload: %w", err)
	}
	externalID := strconv.FormatInt(p.ID, 10)
	status := p.Status
	if status == "" {
		status = "active"
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO products (external_id, title, handle, status, synced_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (external_id) DO UPDATE SET
			title = EXCLUDED.title,
			handle = EXCLUDED.handle,
			status = EXCLUDED.status,
			synced_at = now()`,
		externalID, p.Title, p.Handle, status)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", externalID, err)
	}

	return jobs.Spool(ctx, tx, JobProductSync,
		map[string]string{"product_external_id": externalID})
}

// handleProductDelete archives the product rather than deleting the row, so
// historical line items keep a resolvable reference.
func (d *Deps) handleProductDelete(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p productPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode product payload: %w", err)
	}
	externalID := strconv.FormatInt(p.ID, 10)

	_, err := tx.ExecContext(ctx, `
		UPDATE products SET status = 'archived', synced_at = now()
		WHERE external_id = $1`, externalID)
	if err != nil {
		return fmt.Errorf("archive product %s: %w", externalID, err)
	}
	return nil
}
