package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolDeliversJob(t *testing.T) {
	pool := NewPool(2)
	defer pool.Shutdown()

	var mu sync.Mutex
	var got *Job
	done := make(chan struct{})
	pool.Handle("commission.calculate", func(_ context.Context, job *Job) error {
		mu.Lock()
		got = job
		mu.Unlock()
		close(done)
		return nil
	})

	err := pool.Enqueue(context.Background(), "commission.calculate",
		map[string]any{"order_id": "100001"},
		Options{TenantID: "t-1", TenantSlug: "acme"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "commission.calculate", got.Topic)
	assert.Equal(t, "t-1", got.TenantID)
	assert.Equal(t, "acme", got.TenantSlug)
	assert.Equal(t, 1, got.Attempt)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "100001", payload["order_id"])
}

func TestPoolRetriesFailedJob(t *testing.T) {
	pool := NewPool(1)
	defer pool.Shutdown()

	var attempts int32
	done := make(chan struct{})
	pool.Handle("customer.sync", func(_ context.Context, job *Job) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	require.NoError(t, pool.Enqueue(context.Background(), "customer.sync", nil, Options{TenantSlug: "acme"}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not retried")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	pool := NewPool(1)
	defer pool.Shutdown()

	handled := make(chan struct{})
	pool.Handle("boom", func(_ context.Context, _ *Job) error {
		panic("handler bug")
	})
	pool.Handle("after", func(_ context.Context, _ *Job) error {
		close(handled)
		return nil
	})

	require.NoError(t, pool.Enqueue(context.Background(), "boom", nil, Options{}))
	require.NoError(t, pool.Enqueue(context.Background(), "after", nil, Options{}))

	// The worker survives the panic and keeps consuming
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestPoolRejectsUnmarshalablePayload(t *testing.T) {
	pool := NewPool(1)
	defer pool.Shutdown()

	err := pool.Enqueue(context.Background(), "x", make(chan int), Options{})
	assert.Error(t, err)
}
