package api

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storelane/backend/internal/config"
	"github.com/storelane/backend/internal/jobs"
)

func jobCallbackServer(t *testing.T, token string) (*Server, *jobs.Pool) {
	t.Helper()
	pool := jobs.NewPool(1)
	t.Cleanup(pool.Shutdown)
	return &Server{
		cfg:    &config.Config{InternalJobsToken: token},
		pool:   pool,
		logger: log.New(log.Writer(), "[TEST] ", 0),
	}, pool
}

func TestJobCallbackRejectsMissingToken(t *testing.T) {
	s, _ := jobCallbackServer(t, "queue-token")

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/customer.sync",
		strings.NewReader(`{"topic":"customer.sync","payload":{}}`))
	rec := httptest.NewRecorder()
	s.handleJobCallback(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJobCallbackRejectsWrongToken(t *testing.T) {
	s, _ := jobCallbackServer(t, "queue-token")

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/customer.sync",
		strings.NewReader(`{"topic":"customer.sync","payload":{}}`))
	req.Header.Set(jobsTokenHeader, "guessed-token")
	rec := httptest.NewRecorder()
	s.handleJobCallback(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJobCallbackExecutesWithToken(t *testing.T) {
	s, pool := jobCallbackServer(t, "queue-token")

	ran := false
	pool.Handle("customer.sync", func(context.Context, *jobs.Job) error {
		ran = true
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/customer.sync",
		strings.NewReader(`{"topic":"customer.sync","payload":{}}`))
	req.Header.Set(jobsTokenHeader, "queue-token")
	rec := httptest.NewRecorder()
	s.handleJobCallback(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ran)
}
