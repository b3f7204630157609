package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// AUTO-REPLY DETECTION
// ============================================================================

func TestIsAutoReplyHeaders(t *testing.T) {
	auto, reason := IsAutoReply("alice@example.com", "Re: invoice", "see attached",
		map[string]string{"Auto-Submitted": "auto-replied"})
	assert.True(t, auto)
	assert.Equal(t, "auto-submitted header", reason)

	// Auto-Submitted: no is explicitly NOT an auto-reply
	auto, _ = IsAutoReply("alice@example.com", "Re: invoice", "see attached",
		map[string]string{"Auto-Submitted": "no"})
	assert.False(t, auto)

	auto, _ = IsAutoReply("alice@example.com", "hi", "hello",
		map[string]string{"Precedence": "bulk"})
	assert.True(t, auto)

	auto, _ = IsAutoReply("alice@example.com", "hi", "hello",
		map[string]string{"X-Auto-Response-Suppress": "All"})
	assert.True(t, auto)
}

func TestIsAutoReplySenderAndSubject(t *testing.T) {
	auto, reason := IsAutoReply("noreply@shop.example", "Your order shipped", "tracking inside", nil)
	assert.True(t, auto)
	assert.Equal(t, "no-reply sender", reason)

	auto, _ = IsAutoReply("Mailer Daemon <mailer-daemon@mx.example>", "x", "y", nil)
	assert.True(t, auto)

	auto, reason = IsAutoReply("bob@example.com", "Out of Office: back Monday", "", nil)
	assert.True(t, auto)
	assert.Equal(t, "auto-reply subject", reason)

	auto, _ = IsAutoReply("bob@example.com", "Quick question", "I am out of office until the 3rd", nil)
	assert.True(t, auto)
}

func TestIsAutoReplyNegative(t *testing.T) {
	auto, reason := IsAutoReply("carol@vendor.example", "Invoice #42 attached",
		"Hi, the March invoice is attached. Thanks!", map[string]string{"Message-Id": "<m@x>"})
	assert.False(t, auto)
	assert.Empty(t, reason)
}

// ============================================================================
// SPAM SCORING
// ============================================================================

func TestSpamScoreDeterministic(t *testing.T) {
	from := "promo-blast@deals.example"
	subject := "YOU HAVE WON!!!! CLAIM YOUR PRIZE NOW"
	body := "FREE MONEY GUARANTEED RETURNS!!!! Act now, limited time offer. Click here to collect."

	first := SpamScore(from, subject, body)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, SpamScore(from, subject, body), "same input, same score")
	}
	assert.GreaterOrEqual(t, first, 0.5, "blatant spam scores above the default threshold")
	assert.LessOrEqual(t, first, 1.0)
}

func TestSpamScoreLegitimateMail(t *testing.T) {
	score := SpamScore("finance@vendor.example", "March services invoice",
		"Hello, please find our invoice for March attached. Total: $1,250.00. Regards, Finance.")
	assert.Less(t, score, 0.5)
}

func TestSpamScoreBounds(t *testing.T) {
	// Every rule firing at once still clamps to [0,1]
	loud := strings.Repeat("WINNER ", 10) + "!!!!!!"
	body := "viagra free money you have won claim your prize act now limited time offer " +
		"click here to collect guaranteed returns crypto investment dear friend " +
		"nigerian prince wire transfer urgent work from home and earn"
	score := SpamScore("no-reply@x.example", loud, body)
	assert.LessOrEqual(t, score, 1.0)
	assert.Greater(t, score, 0.9)
}

// ============================================================================
// APPROVAL VERDICT
// ============================================================================

func TestParseApprovalClearApprove(t *testing.T) {
	a := ParseApproval("Re: [#SBA-202601-014] Wire to Acme", "Approved. Please proceed with the transfer.")
	require.NotNil(t, a)
	assert.Equal(t, VerdictApproved, a.Verdict)
	assert.Equal(t, ConfidenceHigh, a.Confidence)
	assert.Contains(t, a.MatchedKeywords, "approved")
	assert.Contains(t, a.MatchedKeywords, "proceed")
}

func TestParseApprovalClearReject(t *testing.T) {
	a := ParseApproval("Re: funding request", "This is rejected. Do not proceed.")
	assert.Equal(t, VerdictRejected, a.Verdict)
	assert.Equal(t, ConfidenceHigh, a.Confidence)
	assert.Contains(t, a.MatchedKeywords, "rejected")
}

func TestParseApprovalMediumOnly(t *testing.T) {
	a := ParseApproval("Re: request", "Looks good, go ahead.")
	assert.Equal(t, VerdictApproved, a.Verdict)
	assert.Equal(t, ConfidenceMedium, a.Confidence)
}

func TestParseApprovalMixedSignals(t *testing.T) {
	// Both sides present: larger score wins at low confidence
	a := ParseApproval("Re: request", "Approved and confirmed, though I still have concerns.")
	assert.Equal(t, VerdictApproved, a.Verdict)
	assert.Equal(t, ConfidenceLow, a.Confidence)
}

func TestParseApprovalUnclear(t *testing.T) {
	a := ParseApproval("Re: request", "Can you send the supporting documents first?")
	assert.Equal(t, VerdictUnclear, a.Verdict)
	assert.Equal(t, ConfidenceLow, a.Confidence)
	assert.Empty(t, a.MatchedKeywords)
}

func TestParseApprovalWholeWordsOnly(t *testing.T) {
	// "disapproved" must not count as "approved"
	a := ParseApproval("Re: request", "The board disapproved of the venue.")
	assert.NotEqual(t, VerdictApproved, a.Verdict)
}

// ============================================================================
// RECEIPT EXTRACTION
// ============================================================================

func TestExtractReceiptFull(t *testing.T) {
	r := ExtractReceipt("Receipt from Office Supply Co\nDate: 2026-03-15\nTotal: $142.50\nThank you")
	require.NotNil(t, r.AmountMinor)
	assert.Equal(t, int64(14250), *r.AmountMinor)
	assert.Equal(t, "2026-03-15", r.DateISO)
	assert.Equal(t, "Office Supply Co", r.Vendor)
}

func TestExtractReceiptUSDate(t *testing.T) {
	r := ExtractReceipt("Amount paid: $9.99 on 3/5/2026, sold by Cloudware")
	require.NotNil(t, r.AmountMinor)
	assert.Equal(t, int64(999), *r.AmountMinor)
	assert.Equal(t, "2026-03-05", r.DateISO)
	assert.Equal(t, "Cloudware", r.Vendor)
}

func TestExtractReceiptPartial(t *testing.T) {
	r := ExtractReceipt("thanks for the chat yesterday")
	assert.Nil(t, r.AmountMinor)
	assert.Empty(t, r.DateISO)
	assert.Empty(t, r.Vendor)
}

func TestExtractReceiptNoFloat(t *testing.T) {
	// Large value stays exact in minor units
	r := ExtractReceipt("Grand total: $1048576.01")
	require.NotNil(t, r.AmountMinor)
	assert.Equal(t, int64(104857601), *r.AmountMinor)
}

// ============================================================================
// TREASURY REQUEST ID
// ============================================================================

func TestExtractRequestID(t *testing.T) {
	assert.Equal(t, "SBA-202601-014", ExtractRequestID("Re: [#SBA-202601-014] Wire approval"))
	assert.Equal(t, "SBA-202601-014", ExtractRequestID("Re: #SBA-202601-014 wire"))
	assert.Equal(t, "SBA-202601-014", ExtractRequestID("payment sba-202601-014 follow-up"))
	assert.Empty(t, ExtractRequestID("Re: wire approval"))
	assert.Empty(t, ExtractRequestID("SBA-2026-01"))
}
