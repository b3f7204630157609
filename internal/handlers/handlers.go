// Package handlers holds the domain logic behind each event topic: order and
// customer sync, refund accounting, GDPR lifecycle, and the four inbound mail
// purposes. Every handler runs inside a tenant transaction and spools
// follow-up jobs through the transactional outbox, so side effects commit or
// roll back with the event.
package handlers

import (
	"log"

	"github.com/storelane/backend/internal/blob"
	"github.com/storelane/backend/internal/config"
	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/registry"
)

// Job topics spooled by handlers and consumed by the worker pool.
const (
	JobAttributionResolve  = "attribution.resolve"
	JobCommissionCalculate = "commission.calculate"
	JobOrderPostCreate     = "order.post_create"
	JobCustomerSync        = "customer.sync"
	JobProductSync         = "product.sync"
	JobRefundNotify        = "refund.notify"
	JobRefundCommission    = "refund.commission_reversal"
	JobRefundLedger        = "refund.ledger"
	JobGiftCardReward      = "giftcard.reward"
	JobPixelFire           = "pixel.fire"
	JobABExclusion         = "abtest.exclude"
	JobReviewRequest       = "review.request"
	JobPostFulfill         = "order.post_fulfill"
	JobShopCleanup         = "shop.cleanup"
	JobShopPurge           = "shop.purge"
	JobDataRequestExport   = "gdpr.data_request_export"
	JobTreasuryAdvance     = "treasury.advance"
	JobReceiptProcess      = "receipt.process"
	JobSupportNotify       = "support.notify"
)

// Deps carries what the handlers need beyond their tenant transaction.
type Deps struct {
	Registry  *registry.Registry
	Blob      blob.Store
	Overrides *config.Manager
	Logger    *log.Logger
}

// RegisterAll wires every topic handler into the dispatch registry.
func RegisterAll(reg *dispatch.Registry, deps *Deps) {
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[HANDLERS] ", log.LstdFlags)
	}

	reg.Register(dispatch.TopicOrdersCreate, "orders.create", deps.handleOrderCreate)
	reg.Register(dispatch.TopicOrdersUpdated, "orders.updated", deps.handleOrderUpdated)
	reg.Register(dispatch.TopicOrdersPaid, "orders.paid", deps.handleOrderPaid)
	reg.Register(dispatch.TopicOrdersCancelled, "orders.cancelled", deps.handleOrderCancelled)
	reg.Register(dispatch.TopicOrdersFulfilled, "orders.fulfilled", deps.handleOrderFulfilled)

	reg.Register(dispatch.TopicProductsCreate, "products.sync", deps.handleProductUpsert)
	reg.Register(dispatch.TopicProductsUpdate, "products.sync", deps.handleProductUpsert)
	reg.Register(dispatch.TopicProductsDelete, "products.archive", deps.handleProductDelete)

	reg.Register(dispatch.TopicCustomersCreate, "customers.sync", deps.handleCustomerUpsert)
	reg.Register(dispatch.TopicCustomersUpdate, "customers.sync", deps.handleCustomerUpsert)
	reg.Register(dispatch.TopicCustomersDelete, "customers.anonymize", deps.handleCustomerDelete)

	reg.Register(dispatch.TopicRefundsCreate, "refunds.create", deps.handleRefundCreate)
	reg.Register(dispatch.TopicFulfillCreate, "fulfillments.sync", deps.handleFulfillmentUpsert)
	reg.Register(dispatch.TopicFulfillUpdate, "fulfillments.sync", deps.handleFulfillmentUpsert)

	reg.Register(dispatch.TopicAppUninstalled, "lifecycle.uninstall", deps.handleAppUninstalled)
	reg.Register(dispatch.TopicCustomersRedact, "gdpr.customer_redact", deps.handleCustomersRedact)
	reg.Register(dispatch.TopicShopRedact, "gdpr.shop_redact", deps.handleShopRedact)
	reg.Register(dispatch.TopicCustomersDataReq, "gdpr.data_request", deps.handleCustomersDataRequest)

	reg.Register(dispatch.TopicMailTreasury, "mail.treasury", deps.handleMailTreasury)
	reg.Register(dispatch.TopicMailReceipts, "mail.receipts", deps.handleMailReceipts)
	reg.Register(dispatch.TopicMailSupport, "mail.support", deps.handleMailSupport)
	reg.Register(dispatch.TopicMailCreator, "mail.creator", deps.handleMailCreator)
}
