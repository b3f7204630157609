package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/jobs"
)

// ============================================================================
// ORDER EVENTS
// ============================================================================

type orderPayload struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Currency          string `json:"currency"`
	SubtotalPrice     string `json:"subtotal_price"`
	TotalDiscounts    string `json:"total_discounts"`
	TotalTax          string `json:"total_tax"`
	TotalPrice        string `json:"total_price"`
	FinancialStatus   string `json:"financial_status"`
	FulfillmentStatus string `json:"fulfillment_status"`
	CancelledAt       string `json:"cancelled_at"`
	Customer          *struct {
		ID int64 `json:"id"`
	} `json:"customer"`
	LineItems    []orderLineItem      `json:"line_items"`
	Fulfillments []fulfillmentPayload `json:"fulfillments"`
}

// Follow-up jobs per order transition. Creation sets up attribution and
// commission; payment triggers the reward and tracking side effects;
// cancellation reverses commission and pulls the order out of experiments;
// fulfillment kicks off the post-purchase sequence.
var (
	createdFollowupJobs   = []string{JobAttributionResolve, JobCommissionCalculate, JobOrderPostCreate}
	paidFollowupJobs      = []string{JobCommissionCalculate, JobGiftCardReward, JobPixelFire}
	cancelledFollowupJobs = []string{JobRefundCommission, JobABExclusion}
	fulfilledFollowupJobs = []string{JobReviewRequest, JobPostFulfill}
)

type orderLineItem struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	SKU           string `json:"sku"`
	Quantity      int    `json:"quantity"`
	Price         string `json:"price"`
	TotalDiscount string `json:"total_discount"`
}

func (p *orderPayload) externalID() string { return strconv.FormatInt(p.ID, 10) }

// upsertOrder writes the order row from the payload. Monetary fields are
// recomputed on every delivery, so a re-delivered update converges.
func upsertOrder(ctx context.Context, tx *sql.Tx, p *orderPayload) error {
	gross := MustMoneyMinor(p.SubtotalPrice)
	discounts := MustMoneyMinor(p.TotalDiscounts)
	taxes := MustMoneyMinor(p.TotalTax)
	total := MustMoneyMinor(p.TotalPrice)

	var customerID any
	if p.Customer != nil {
		customerID = strconv.FormatInt(p.Customer.ID, 10)
	}
	var cancelledAt any
	if p.CancelledAt != "" {
		if t, err := time.Parse(time.RFC3339, p.CancelledAt); err == nil {
			cancelledAt = t
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders
			(external_id, name, email, currency, gross_sales_minor, discounts_minor,
			 net_sales_minor, taxes_minor, total_minor, financial_status,
			 fulfillment_status, customer_external_id, cancelled_at, synced_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			currency = EXCLUDED.currency,
			gross_sales_minor = EXCLUDED.gross_sales_minor,
			discounts_minor = EXCLUDED.discounts_minor,
			net_sales_minor = EXCLUDED.net_sales_minor,
			taxes_minor = EXCLUDED.taxes_minor,
			total_minor = EXCLUDED.total_minor,
			financial_status = EXCLUDED.financial_status,
			fulfillment_status = EXCLUDED.fulfillment_status,
			customer_external_id = EXCLUDED.customer_external_id,
			cancelled_at = EXCLUDED.cancelled_at,
			synced_at = now()`,
		p.externalID(), p.Name, p.Email, p.Currency,
		gross, discounts, gross-discounts, taxes, total,
		p.FinancialStatus, p.FulfillmentStatus, customerID, cancelledAt)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", p.externalID(), err)
	}
	return nil
}

// replaceLineItems swaps the order's line items atomically inside the tenant
// transaction. Partial line-item state is never visible.
func replaceLineItems(ctx context.Context, tx *sql.Tx, orderExternalID string, items []orderLineItem) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM order_line_items WHERE order_external_id = $1`, orderExternalID); err != nil {
		return fmt.Errorf("clear line items for order %s: %w", orderExternalID, err)
	}
	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_line_items
				(order_external_id, external_id, title, sku, quantity, price_minor, discount_minor)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			orderExternalID, strconv.FormatInt(item.ID, 10), item.Title, item.SKU,
			item.Quantity, MustMoneyMinor(item.Price), MustMoneyMinor(item.TotalDiscount))
		if err != nil {
			return fmt.Errorf("insert line item %d: %w", item.ID, err)
		}
	}
	return nil
}

// refreshOrderStatus rewrites only the status columns of an already-synced
// order. When the order has never been seen (out-of-order delivery), it falls
// back to a full upsert so the status event is not lost.
func refreshOrderStatus(ctx context.Context, tx *sql.Tx, p *orderPayload) error {
	var cancelledAt any
	if p.CancelledAt != "" {
		if t, err := time.Parse(time.RFC3339, p.CancelledAt); err == nil {
			cancelledAt = t
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			financial_status = $2,
			fulfillment_status = $3,
			cancelled_at = COALESCE($4, cancelled_at),
			synced_at = now()
		WHERE external_id = $1`,
		p.externalID(), p.FinancialStatus, p.FulfillmentStatus, cancelledAt)
	if err != nil {
		return fmt.Errorf("refresh order %s: %w", p.externalID(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return upsertOrder(ctx, tx, p)
	}
	return nil
}

func spoolFollowups(ctx context.Context, tx *sql.Tx, topics []string, ref map[string]string) error {
	for _, topic := range topics {
		if err := jobs.Spool(ctx, tx, topic, ref); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deps) handleOrderCreate(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p orderPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode order payload: %w", err)
	}
	if err := upsertOrder(ctx, tx, &p); err != nil {
		return err
	}
	if err := replaceLineItems(ctx, tx, p.externalID(), p.LineItems); err != nil {
		return err
	}
	return spoolFollowups(ctx, tx, createdFollowupJobs,
		map[string]string{"order_external_id": p.externalID(), "shop_domain": ev.ShopDomain})
}

// handleOrderUpdated refreshes the status columns only. Line items are owned
// by orders/create; an update payload can carry a truncated line-item view, so
// replacing them here would corrupt the synced set.
func (d *Deps) handleOrderUpdated(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p orderPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode order payload: %w", err)
	}
	return refreshOrderStatus(ctx, tx, &p)
}

func (d *Deps) handleOrderPaid(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p orderPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode order payload: %w", err)
	}
	if err := refreshOrderStatus(ctx, tx, &p); err != nil {
		return err
	}
	// Commission becomes payable on payment, not on creation
	return spoolFollowups(ctx, tx, paidFollowupJobs,
		map[string]string{"order_external_id": p.externalID(), "trigger": "paid"})
}

func (d *Deps) handleOrderCancelled(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p orderPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode order payload: %w", err)
	}
	if err := refreshOrderStatus(ctx, tx, &p); err != nil {
		return err
	}
	return spoolFollowups(ctx, tx, cancelledFollowupJobs,
		map[string]string{"order_external_id": p.externalID(), "trigger": "cancelled"})
}

func (d *Deps) handleOrderFulfilled(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p orderPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode order payload: %w", err)
	}
	if err := refreshOrderStatus(ctx, tx, &p); err != nil {
		return err
	}
	for i := range p.Fulfillments {
		if err := upsertFulfillment(ctx, tx, p.externalID(), &p.Fulfillments[i]); err != nil {
			return err
		}
	}
	return spoolFollowups(ctx, tx, fulfilledFollowupJobs,
		map[string]string{"order_external_id": p.externalID(), "shop_domain": ev.ShopDomain})
}
