// Package dispatch is the topic→handler fabric. Registration happens at
// process start-up; dispatch fans an event out to every registered handler
// in parallel, each inside its own tenant scope, with per-handler failure
// isolation.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/storelane/backend/internal/database"
)

// ============================================================================
// TOPIC CONSTANTS
// ============================================================================

const (
	TopicOrdersCreate     = "orders/create"
	TopicOrdersUpdated    = "orders/updated"
	TopicOrdersPaid       = "orders/paid"
	TopicOrdersCancelled  = "orders/cancelled"
	TopicOrdersFulfilled  = "orders/fulfilled"
	TopicProductsCreate   = "products/create"
	TopicProductsUpdate   = "products/update"
	TopicProductsDelete   = "products/delete"
	TopicCustomersCreate  = "customers/create"
	TopicCustomersUpdate  = "customers/update"
	TopicCustomersDelete  = "customers/delete"
	TopicRefundsCreate    = "refunds/create"
	TopicFulfillCreate    = "fulfillments/create"
	TopicFulfillUpdate    = "fulfillments/update"
	TopicAppUninstalled   = "app/uninstalled"
	TopicCustomersRedact  = "customers/redact"
	TopicShopRedact       = "shop/redact"
	TopicCustomersDataReq = "customers/data_request"
	TopicMailTreasury     = "mail/treasury"
	TopicMailReceipts     = "mail/receipts"
	TopicMailSupport      = "mail/support"
	TopicMailCreator      = "mail/creator"
)

// Event is the unit handed to handlers.
type Event struct {
	EventID    int64
	TenantID   string
	TenantSlug string
	ShopDomain string
	Topic      string
	Payload    json.RawMessage
}

// HandlerFunc consumes one event inside an established tenant scope.
type HandlerFunc func(ctx context.Context, tx *sql.Tx, ev Event) error

type registration struct {
	name string
	fn   HandlerFunc
}

// Failure is one handler's captured error.
type Failure struct {
	Handler string
	Err     error
}

// Result is the outcome of dispatching one event.
type Result struct {
	Handlers int
	Failures []Failure // ordered by registration order
}

// OK reports whether every handler succeeded.
func (r *Result) OK() bool { return len(r.Failures) == 0 }

// FirstError returns the first failure in registration order, making the
// recorded error message deterministic under parallel execution.
func (r *Result) FirstError() error {
	if len(r.Failures) == 0 {
		return nil
	}
	f := r.Failures[0]
	return fmt.Errorf("%s: %w", f.Handler, f.Err)
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry is the process-wide topic→handler table. Safe for concurrent
// readers; intended usage is static registration at start-up.
type Registry struct {
	mu      sync.RWMutex
	byTopic map[string][]registration
	db      *database.DB
	logger  *log.Logger
}

// NewRegistry creates a handler registry dispatching scopes through db.
func NewRegistry(db *database.DB) *Registry {
	return &Registry{
		byTopic: make(map[string][]registration),
		db:      db,
		logger:  log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
}

// Register appends a named handler for a topic. Order of registration
// determines error precedence, not execution order.
func (r *Registry) Register(topic, name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTopic[topic] = append(r.byTopic[topic], registration{name: name, fn: fn})
	r.logger.Printf("Registered handler %s for %s", name, topic)
}

// Handlers returns the number of handlers registered for a topic.
func (r *Registry) Handlers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic[topic])
}

// Topics returns every topic with at least one handler.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		topics = append(topics, t)
	}
	return topics
}

// Dispatch fans the event out to every handler for its topic. Handlers run
// in parallel goroutines, each inside its own tenant scope; one failing
// handler does not abort its siblings. The caller marks the event completed
// iff the result is OK.
func (r *Registry) Dispatch(ctx context.Context, ev Event) *Result {
	r.mu.RLock()
	regs := r.byTopic[ev.Topic]
	r.mu.RUnlock()

	result := &Result{Handlers: len(regs)}
	if len(regs) == 0 {
		r.logger.Printf("No handlers for topic %s (event %d)", ev.Topic, ev.EventID)
		return result
	}

	errs := make([]error, len(regs))
	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					errs[i] = fmt.Errorf("handler panic: %v", rec)
				}
			}()
			errs[i] = r.db.WithTenant(ctx, ev.TenantSlug, func(ctx context.Context, tx *sql.Tx) error {
				return reg.fn(ctx, tx, ev)
			})
		}(i, reg)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			result.Failures = append(result.Failures, Failure{Handler: regs[i].name, Err: err})
		}
	}
	return result
}
