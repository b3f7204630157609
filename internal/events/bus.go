// Package events publishes ingest outcomes as CloudEvents. Downstream
// services (analytics, commission settlement, support tooling) consume them
// from Pub/Sub; the in-memory bus feeds the admin event stream.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ingest outcome event types.
const (
	TypeIngestCompleted = "ingest.completed"
	TypeIngestFailed    = "ingest.failed"
	TypeIngestIgnored   = "ingest.ignored"
)

// Emitter is the publishing surface the ingest pipeline depends on. Both the
// in-memory Bus and the PubSubBus satisfy it.
type Emitter interface {
	Emit(eventType, tenantID, subject string, data map[string]any)
}

// CloudEvent is the CloudEvents 1.0 envelope for all platform events.
type CloudEvent struct {
	SpecVersion string         `json:"specversion"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Subject     string         `json:"subject,omitempty"`
	TenantID    string         `json:"tenantid,omitempty"`
	Data        map[string]any `json:"data"`
}

const eventSource = "/ingest"

// NewCloudEvent builds a CloudEvents 1.0 compliant envelope.
func NewCloudEvent(eventType, tenantID, subject string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      eventSource,
		ID:          uuid.NewString(),
		Time:        time.Now(),
		Subject:     subject,
		TenantID:    tenantID,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat renders the event for the admin Server-Sent Events stream.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// Bus is the in-process pub/sub bus. Subscribers receive events in real time;
// a slow subscriber drops events rather than blocking ingest.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

var _ Emitter = (*Bus)(nil)

// Subscribe returns a channel receiving the named event types, or every
// event when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *CloudEvent, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := make([]chan *CloudEvent, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish delivers the event to all matching subscribers without blocking.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, tenantID, subject string, data map[string]any) {
	b.Publish(NewCloudEvent(eventType, tenantID, subject, data))
}

// SubscriberCount returns the number of active subscriber channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
