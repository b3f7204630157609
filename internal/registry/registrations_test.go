package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordFailureCountsBeforeFirstSuccess(t *testing.T) {
	// The failure path must be an insert-upsert: a topic that never
	// registered still gets a row on its first failure, and repeat failures
	// converge on 'failed' past the threshold.
	assert.True(t, strings.HasPrefix(strings.TrimSpace(recordFailureQuery), "INSERT"))
	assert.Contains(t, recordFailureQuery, "ON CONFLICT (shop_domain, topic) DO UPDATE")
	assert.Contains(t, recordFailureQuery, "failure_count = webhook_registrations.failure_count + 1")
	assert.Contains(t, recordFailureQuery, "'failed'")

	assert.Equal(t, 5, maxRegistrationFailures)
}
