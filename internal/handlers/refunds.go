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
// REFUND EVENTS
// ============================================================================

type refundPayload struct {
	ID           int64  `json:"id"`
	OrderID      int64  `json:"order_id"`
	Note         string `json:"note"`
	Transactions []struct {
		Amount string `json:"amount"`
		Kind   string `json:"kind"`
		Status string `json:"status"`
	} `json:"transactions"`
	RefundLineItems []struct {
		ID       int64  `json:"id"`
		Quantity int    `json:"quantity"`
		Subtotal string `json:"subtotal"`
		LineItem struct {
			ID int64 `json:"id"`
		} `json:"line_item"`
	} `json:"refund_line_items"`
}

// refundedAmountMinor sums the successful refund transactions. Pending and
// failed transactions never count toward the order's refunded total.
func (p *refundPayload) refundedAmountMinor() int64 {
	var total int64
	for _, t := range p.Transactions {
		if t.Kind == "refund" && t.Status == "success" {
			total += MustMoneyMinor(t.Amount)
		}
	}
	return total
}

func (d *Deps) handleRefundCreate(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p refundPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode refund payload: %w", err)
	}
	refundID := strconv.FormatInt(p.ID, 10)
	orderID := strconv.FormatInt(p.OrderID, 10)
	amount := p.refundedAmountMinor()

	// A re-delivered refund must not double-count: the amount only lands on
	// the order when the refund row is first inserted.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO refunds (external_id, order_external_id, amount_minor, note, synced_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (external_id) DO NOTHING`,
		refundID, orderID, amount, p.Note)
	if err != nil {
		return fmt.Errorf("insert refund %s: %w", refundID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refund %s rows affected: %w", refundID, err)
	}
	if inserted == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET refunded_minor = refunded_minor + $2, synced_at = now()
		WHERE external_id = $1`, orderID, amount); err != nil {
		return fmt.Errorf("increment refunded on order %s: %w", orderID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM refund_line_items WHERE refund_external_id = $1`, refundID); err != nil {
		return fmt.Errorf("clear refund line items %s: %w", refundID, err)
	}
	for _, rli := range p.RefundLineItems {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refund_line_items
				(refund_external_id, line_item_external_id, quantity, subtotal_minor)
			VALUES ($1, $2, $3, $4)`,
			refundID, strconv.FormatInt(rli.LineItem.ID, 10),
			rli.Quantity, MustMoneyMinor(rli.Subtotal))
		if err != nil {
			return fmt.Errorf("insert refund line item %d: %w", rli.ID, err)
		}
	}

	ref := map[string]string{"refund_external_id": refundID, "order_external_id": orderID}
	for _, topic := range []string{JobRefundNotify, JobRefundCommission, JobRefundLedger} {
		if err := jobs.Spool(ctx, tx, topic, ref); err != nil {
			return err
		}
	}
	return nil
}
