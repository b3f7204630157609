// Package jobs fans follow-up work out of the ingest hot path. Handlers
// consume work asynchronously via a bounded in-process pool, or durably via
// Cloud Tasks when the queue is configured.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Options qualifies one enqueued job.
type Options struct {
	TenantID   string
	TenantSlug string
	DedupeKey  string // optional; backends that support it suppress repeats
}

// Job is the enqueued unit as handlers receive it.
type Job struct {
	Topic      string          `json:"topic"`
	TenantID   string          `json:"tenant_id"`
	TenantSlug string          `json:"tenant_slug"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
}

// HandlerFunc processes one job. Errors trigger retry up to the pool limit.
type HandlerFunc func(ctx context.Context, job *Job) error

// Dispatcher is the enqueue surface the ingest pipeline depends on.
type Dispatcher interface {
	Enqueue(ctx context.Context, topic string, payload any, opts Options) error
	Shutdown()
}

// ============================================================================
// IN-PROCESS POOL
// ============================================================================

const (
	defaultWorkers  = 4
	defaultQueueLen = 1000
	maxAttempts     = 3
	jobTimeout      = 30 * time.Second
)

// Pool is the in-memory dispatcher for local dev and as a fallback when the
// durable queue is unreachable. Delivery is best effort; a full queue drops
// the job with a logged warning rather than blocking ingest.
type Pool struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	queue    chan *Job
	logger   *log.Logger
	wg       sync.WaitGroup
	closed   chan struct{}
}

var _ Dispatcher = (*Pool)(nil)

// NewPool starts workers consuming the job queue.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	p := &Pool{
		handlers: make(map[string]HandlerFunc),
		queue:    make(chan *Job, defaultQueueLen),
		logger:   log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
		closed:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Handle registers the handler for a job topic. Last registration wins.
func (p *Pool) Handle(topic string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = fn
}

// Enqueue queues the job without blocking. A full queue is an error so the
// caller can spool to the outbox instead.
func (p *Pool) Enqueue(_ context.Context, topic string, payload any, opts Options) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	job := &Job{
		Topic:      topic,
		TenantID:   opts.TenantID,
		TenantSlug: opts.TenantSlug,
		Payload:    raw,
		Attempt:    1,
	}
	select {
	case p.queue <- job:
		return nil
	default:
		p.logger.Printf("⚠️  Job queue full, rejecting %s for tenant %s", topic, opts.TenantSlug)
		return fmt.Errorf("job queue full")
	}
}

// Execute runs one job synchronously with no retry. The Cloud Tasks worker
// endpoint uses this; queue-level retry handles failures there.
func (p *Pool) Execute(ctx context.Context, job *Job) (err error) {
	p.mu.RLock()
	fn, ok := p.handlers[job.Topic]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for job topic %s", job.Topic)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panic: %v", rec)
		}
	}()
	return fn(ctx, job)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		p.run(job)
	}
}

func (p *Pool) run(job *Job) {
	p.mu.RLock()
	fn, ok := p.handlers[job.Topic]
	p.mu.RUnlock()
	if !ok {
		p.logger.Printf("⚠️  No handler for job topic %s", job.Topic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("job panic: %v", rec)
			}
		}()
		return fn(ctx, job)
	}()
	cancel()

	if err == nil {
		return
	}

	p.logger.Printf("❌ Job %s failed (attempt %d): %v", job.Topic, job.Attempt, err)
	if job.Attempt >= maxAttempts {
		p.logger.Printf("⚠️  Dropping job %s after %d attempts", job.Topic, job.Attempt)
		return
	}

	// Exponential-ish backoff before requeueing
	backoff := time.Duration(job.Attempt*job.Attempt) * time.Second
	job.Attempt++
	go func() {
		select {
		case <-time.After(backoff):
		case <-p.closed:
			return
		}
		select {
		case p.queue <- job:
		default:
			p.logger.Printf("⚠️  Queue full on retry, dropping job %s", job.Topic)
		}
	}()
}

// Shutdown drains the queue and stops the workers.
func (p *Pool) Shutdown() {
	close(p.closed)
	close(p.queue)
	p.wg.Wait()
}
