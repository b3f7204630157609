package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushedJobsCarryTenantIdentity(t *testing.T) {
	// Workers emit bus events keyed by tenant id; a flushed job missing the
	// id would relay with an empty tenant.
	opts := Tenant{ID: "t-1", Slug: "acme"}.options()
	assert.Equal(t, "t-1", opts.TenantID)
	assert.Equal(t, "acme", opts.TenantSlug)

	pool := NewPool(1)
	defer pool.Shutdown()

	got := make(chan *Job, 1)
	pool.Handle("customer.sync", func(_ context.Context, job *Job) error {
		got <- job
		return nil
	})
	require.NoError(t, pool.Enqueue(context.Background(), "customer.sync", nil, opts))

	job := <-got
	assert.Equal(t, "t-1", job.TenantID)
	assert.Equal(t, "acme", job.TenantSlug)
}
