package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/storelane/backend/internal/dispatch"
)

type fulfillmentPayload struct {
	ID             int64  `json:"id"`
	OrderID        int64  `json:"order_id"`
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
	TrackingCo     string `json:"tracking_company"`
}

// upsertFulfillment writes one fulfillment row. Shared by the fulfillment
// webhooks and the orders/fulfilled handler, whose payload embeds the same
// shape.
func upsertFulfillment(ctx context.Context, tx *sql.Tx, orderExternalID string, p *fulfillmentPayload) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fulfillments
			(external_id, order_external_id, status, tracking_number, tracking_company, synced_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (external_id) DO UPDATE SET
			status = EXCLUDED.status,
			tracking_number = EXCLUDED.tracking_number,
			tracking_company = EXCLUDED.tracking_company,
			synced_at = now()`,
		strconv.FormatInt(p.ID, 10), orderExternalID,
		p.Status, p.TrackingNumber, p.TrackingCo)
	if err != nil {
		return fmt.Errorf("upsert fulfillment %d: %w", p.ID, err)
	}
	return nil
}

func (d *Deps) handleFulfillmentUpsert(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p fulfillmentPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode fulfillment payload: %w", err)
	}
	return upsertFulfillment(ctx, tx, strconv.FormatInt(p.OrderID, 10), &p)
}
