package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storelane/backend/internal/jobs"
)

type recordingEmitter struct {
	types    []string
	tenants  []string
	payloads []map[string]any
}

func (r *recordingEmitter) Emit(eventType, tenantID, subject string, data map[string]any) {
	r.types = append(r.types, eventType)
	r.tenants = append(r.tenants, tenantID)
	r.payloads = append(r.payloads, data)
}

func TestRelayForwardsToBus(t *testing.T) {
	rec := &recordingEmitter{}
	d := &JobDeps{Emitter: rec}

	fn := d.relay(JobCommissionCalculate)
	job := &jobs.Job{
		Topic:    JobCommissionCalculate,
		TenantID: "t-1",
		Payload:  json.RawMessage(`{"order_external_id":"900","trigger":"paid"}`),
	}
	require.NoError(t, fn(context.Background(), job))

	require.Len(t, rec.types, 1)
	assert.Equal(t, "job."+JobCommissionCalculate, rec.types[0])
	assert.Equal(t, "t-1", rec.tenants[0])
	assert.Equal(t, "paid", rec.payloads[0]["trigger"])
}

func TestRelayRejectsBadPayload(t *testing.T) {
	rec := &recordingEmitter{}
	d := &JobDeps{Emitter: rec}

	fn := d.relay(JobCustomerSync)
	err := fn(context.Background(), &jobs.Job{Payload: json.RawMessage(`not json`)})
	assert.Error(t, err)
	assert.Empty(t, rec.types)
}

func TestRegisterJobsCoversEverySpooledTopic(t *testing.T) {
	pool := jobs.NewPool(1)
	defer pool.Shutdown()
	RegisterJobs(pool, &JobDeps{Emitter: &recordingEmitter{}})

	spooled := append([]string{
		JobShopPurge, JobDataRequestExport, JobReceiptProcess, JobTreasuryAdvance,
	}, relayedTopics...)
	for _, topic := range spooled {
		// Execute reaches the registered handler; an unknown topic errors
		// before the handler ever runs.
		err := pool.Execute(context.Background(), &jobs.Job{
			Topic:   topic,
			Payload: json.RawMessage(`{}`),
		})
		if err != nil {
			assert.NotContains(t, err.Error(), "no handler", "topic %s unregistered", topic)
		}
	}
}
