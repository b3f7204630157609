package handlers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactedOrderEmailIsSentinelNotNull(t *testing.T) {
	// Redacted orders keep a non-null, per-customer sentinel so revenue
	// aggregates still group; a NULL would merge every redacted customer
	sentinel := AnonymizedEmail("207119551")
	assert.True(t, strings.HasPrefix(sentinel, "redacted+"))
	assert.True(t, strings.HasSuffix(sentinel, "@anonymized.invalid"))
	assert.NotEqual(t, sentinel, AnonymizedEmail("207119552"))
}

func TestOrderTransitionFollowups(t *testing.T) {
	// Payment unlocks the reward and tracking side effects on top of the
	// commission recalculation
	assert.Contains(t, paidFollowupJobs, JobCommissionCalculate)
	assert.Contains(t, paidFollowupJobs, JobGiftCardReward)
	assert.Contains(t, paidFollowupJobs, JobPixelFire)

	// Cancellation claws back commission and pulls the order out of
	// running experiments
	assert.Contains(t, cancelledFollowupJobs, JobRefundCommission)
	assert.Contains(t, cancelledFollowupJobs, JobABExclusion)

	// Fulfillment kicks off the post-purchase sequence
	assert.Contains(t, fulfilledFollowupJobs, JobReviewRequest)
	assert.Contains(t, fulfilledFollowupJobs, JobPostFulfill)

	assert.Contains(t, createdFollowupJobs, JobAttributionResolve)
	assert.Contains(t, createdFollowupJobs, JobOrderPostCreate)
}

func TestOrderFollowupsAreDeliverable(t *testing.T) {
	// Every follow-up an order handler can spool must have a worker, or the
	// flushed job dies with "no handler"
	all := map[string]bool{
		JobShopPurge: true, JobDataRequestExport: true,
		JobReceiptProcess: true, JobTreasuryAdvance: true,
	}
	for _, topic := range relayedTopics {
		all[topic] = true
	}
	for _, list := range [][]string{
		createdFollowupJobs, paidFollowupJobs, cancelledFollowupJobs, fulfilledFollowupJobs,
	} {
		for _, topic := range list {
			assert.True(t, all[topic], "topic %s has no registered worker", topic)
		}
	}
	assert.True(t, all[JobShopCleanup], "uninstall cleanup has no registered worker")
}

func TestAttachmentAllowed(t *testing.T) {
	assert.True(t, attachmentAllowed("application/pdf", 1024))
	assert.True(t, attachmentAllowed("image/jpeg", 5<<20))
	assert.True(t, attachmentAllowed("text/plain; charset=utf-8", 10))
	assert.True(t, attachmentAllowed("Image/PNG", 10))

	// Executables and markup never reach blob storage
	assert.False(t, attachmentAllowed("application/octet-stream", 10))
	assert.False(t, attachmentAllowed("text/html", 10))
	assert.False(t, attachmentAllowed("application/x-msdownload", 10))
	assert.False(t, attachmentAllowed("", 10))

	// Size gate sits at 10 MiB regardless of type
	assert.True(t, attachmentAllowed("application/pdf", 10<<20))
	assert.False(t, attachmentAllowed("application/pdf", 10<<20+1))
}
