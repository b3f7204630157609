// Package classifier grades inbound email with a deterministic rule cascade:
// auto-reply detection, spam scoring, approval-verdict parsing, best-effort
// receipt extraction, and treasury request-id extraction. Identical inputs
// always produce identical outputs; there is no model and no randomness.
package classifier

import (
	"regexp"
	"strconv"
	"strings"
)

// ============================================================================
// AUTO-REPLY DETECTION
// ============================================================================

var autoReplyLocalParts = []string{
	"noreply", "no-reply", "donotreply", "mailer-daemon", "postmaster",
	"mail-delivery", "bounce",
}

var autoReplySubjectPrefixes = []string{
	"auto:", "automatic reply:", "ooo:", "out of office:", "away:",
	"vacation:", "undeliverable:", "delivery status notification",
	"failure notice:", "returned mail:", "mail delivery failed:",
}

var autoReplyBodyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bout of (?:the )?office\b`),
	regexp.MustCompile(`(?i)\bcurrently (?:away|on vacation|on leave|unavailable)\b`),
	regexp.MustCompile(`(?i)\bwill (?:respond|reply|be back|return)\b.{0,40}\b(?:when i return|on my return|after)\b`),
	regexp.MustCompile(`(?i)\blimited access to (?:my )?email\b`),
	regexp.MustCompile(`(?i)\bthis is an automat(?:ed|ic) (?:reply|response|message)\b`),
	regexp.MustCompile(`(?i)\bdelivery (?:to the following recipient )?failed\b`),
	regexp.MustCompile(`(?i)\bmessage could not be delivered\b`),
	regexp.MustCompile(`(?i)\bundelivered mail returned to sender\b`),
	regexp.MustCompile(`(?i)\bauto-?reply\b`),
}

// IsAutoReply reports whether the message is an automatic response or a
// delivery notification, with the rule that fired.
func IsAutoReply(from, subject, body string, headers map[string]string) (bool, string) {
	for name, value := range headers {
		switch strings.ToLower(name) {
		case "auto-submitted":
			if !strings.EqualFold(strings.TrimSpace(value), "no") {
				return true, "auto-submitted header"
			}
		case "x-auto-response-suppress", "x-autoreply":
			return true, "auto-response header"
		case "precedence":
			switch strings.ToLower(strings.TrimSpace(value)) {
			case "bulk", "junk", "auto_reply", "list":
				return true, "precedence header"
			}
		}
	}

	if local := senderLocalPart(from); local != "" {
		for _, prefix := range autoReplyLocalParts {
			if strings.HasPrefix(local, prefix) {
				return true, "no-reply sender"
			}
		}
	}

	trimmed := strings.ToLower(strings.TrimSpace(subject))
	for _, prefix := range autoReplySubjectPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true, "auto-reply subject"
		}
	}

	for _, re := range autoReplyBodyPatterns {
		if re.MatchString(body) {
			return true, "auto-reply body phrasing"
		}
	}

	return false, ""
}

func senderLocalPart(from string) string {
	addr := from
	if start := strings.LastIndex(addr, "<"); start >= 0 {
		if end := strings.Index(addr[start:], ">"); end > 0 {
			addr = addr[start+1 : start+end]
		}
	}
	at := strings.Index(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[:at]))
}

// ============================================================================
// SPAM SCORING
// ============================================================================

const spamMaxPoints = 10.0

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bviagra\b`),
	regexp.MustCompile(`(?i)\bfree money\b`),
	regexp.MustCompile(`(?i)\byou(?:'ve| have) won\b`),
	regexp.MustCompile(`(?i)\bclaim your (?:prize|reward)\b`),
	regexp.MustCompile(`(?i)\bwork from home\b.{0,30}\bearn\b`),
	regexp.MustCompile(`(?i)\bcrypto(?:currency)? investment\b`),
	regexp.MustCompile(`(?i)\bguaranteed (?:returns?|income|profit)\b`),
	regexp.MustCompile(`(?i)\bact now\b`),
	regexp.MustCompile(`(?i)\blimited time offer\b`),
	regexp.MustCompile(`(?i)\bclick (?:here|below) to\b`),
	regexp.MustCompile(`(?i)\bunsecured (?:loan|credit)\b`),
	regexp.MustCompile(`(?i)\bwire transfer\b.{0,40}\burgent\b`),
	regexp.MustCompile(`(?i)\bnigerian? prince\b`),
	regexp.MustCompile(`(?i)\bdear (?:friend|beneficiary|winner)\b`),
}

var noReplySenderPattern = regexp.MustCompile(`(?i)^(?:no-?reply|donotreply|notifications?|marketing|promo)`)

var allCapsToken = regexp.MustCompile(`\b[A-Z]{4,}\b`)

// SpamScore grades (from, subject, body) into [0,1]. Scoring is additive
// points out of 10: one per matched pattern, one for >3 exclamation marks,
// one for >3 ALL-CAPS tokens, half a point for a no-reply-looking sender.
func SpamScore(from, subject, body string) float64 {
	text := subject + "\n" + body
	points := 0.0

	for _, re := range spamPatterns {
		if re.MatchString(text) {
			points++
		}
	}
	if strings.Count(text, "!") > 3 {
		points++
	}
	if len(allCapsToken.FindAllString(text, 4)) > 3 {
		points++
	}
	if noReplySenderPattern.MatchString(senderLocalPart(from)) {
		points += 0.5
	}

	score := points / spamMaxPoints
	if score > 1 {
		score = 1
	}
	return score
}

// ============================================================================
// APPROVAL VERDICT
// ============================================================================

// Verdict values.
const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
	VerdictUnclear  = "unclear"
)

// Confidence values.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

var (
	approveHighPhrases = []string{
		"approved", "approve", "authorized", "authorize", "confirmed",
		"accepted", "green light", "sign off", "signed off",
	}
	approveMediumPhrases = []string{
		"proceed", "go ahead", "looks good", "sounds good", "works for me",
		"yes", "ok to proceed", "lgtm",
	}
	rejectHighPhrases = []string{
		"rejected", "reject", "denied", "deny", "declined", "decline",
		"not approved", "do not proceed", "cancel this",
	}
	rejectMediumPhrases = []string{
		"hold off", "on hold", "not yet", "wait", "pause", "revise",
		"needs changes", "have concerns",
	}
)

// Approval is the parsed verdict over an inbound treasury message.
type Approval struct {
	Verdict         string
	Confidence      string
	MatchedKeywords []string
}

// ParseApproval counts whole-word phrase matches over subject+body in four
// buckets and scores each side as 2·|high| + |medium|. A single positive
// side wins with high/medium confidence; both positive follow the larger
// score at low confidence; ties and no matches are unclear/low. Matched
// tokens are always returned for audit.
func ParseApproval(subject, body string) *Approval {
	text := strings.ToLower(subject + "\n" + body)

	approveHigh := matchPhrases(text, approveHighPhrases)
	approveMed := matchPhrases(text, approveMediumPhrases)
	rejectHigh := matchPhrases(text, rejectHighPhrases)
	rejectMed := matchPhrases(text, rejectMediumPhrases)

	matched := make([]string, 0, 4)
	matched = append(matched, approveHigh...)
	matched = append(matched, approveMed...)
	matched = append(matched, rejectHigh...)
	matched = append(matched, rejectMed...)

	approveScore := 2*len(approveHigh) + len(approveMed)
	rejectScore := 2*len(rejectHigh) + len(rejectMed)

	result := &Approval{Verdict: VerdictUnclear, Confidence: ConfidenceLow, MatchedKeywords: matched}
	switch {
	case approveScore > 0 && rejectScore == 0:
		result.Verdict = VerdictApproved
		result.Confidence = ConfidenceMedium
		if len(approveHigh) > 0 {
			result.Confidence = ConfidenceHigh
		}
	case rejectScore > 0 && approveScore == 0:
		result.Verdict = VerdictRejected
		result.Confidence = ConfidenceMedium
		if len(rejectHigh) > 0 {
			result.Confidence = ConfidenceHigh
		}
	case approveScore > rejectScore:
		result.Verdict = VerdictApproved
	case rejectScore > approveScore:
		result.Verdict = VerdictRejected
	}
	return result
}

func matchPhrases(text string, phrases []string) []string {
	var matched []string
	for _, phrase := range phrases {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(phrase) + `\b`)
		if re.MatchString(text) {
			matched = append(matched, phrase)
		}
	}
	return matched
}

// ============================================================================
// RECEIPT EXTRACTION (best effort)
// ============================================================================

// Receipt carries whatever fields the extractor recovered. Missing fields
// stay at their zero values.
type Receipt struct {
	AmountMinor *int64
	DateISO     string
	Vendor      string
}

var amountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:grand\s+)?total(?:\s+amount)?[:\s]*\$?\s*(\d{1,7})[.,](\d{2})\b`),
	regexp.MustCompile(`(?i)amount(?:\s+(?:paid|due|charged))?[:\s]*\$?\s*(\d{1,7})[.,](\d{2})\b`),
	regexp.MustCompile(`\$\s*(\d{1,7})\.(\d{2})\b`),
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`),
	regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`),
}

var vendorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:vendor|merchant|sold by|billed by)[:\s]+([A-Za-z0-9][A-Za-z0-9 .&'-]{1,60})`),
	regexp.MustCompile(`(?i)receipt from\s+([A-Za-z0-9][A-Za-z0-9 .&'-]{1,60})`),
	regexp.MustCompile(`(?i)thank you for (?:shopping|your (?:order|purchase)) (?:at|with|from)\s+([A-Za-z0-9][A-Za-z0-9 .&'-]{1,60})`),
}

// ExtractReceipt pulls amount (minor units), date (ISO), and vendor out of
// free text. Each field uses the first matching pattern in order; amounts
// never pass through floating point.
func ExtractReceipt(text string) *Receipt {
	out := &Receipt{}

	for _, re := range amountPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			whole, err1 := strconv.ParseInt(m[1], 10, 64)
			cents, err2 := strconv.ParseInt(m[2], 10, 64)
			if err1 == nil && err2 == nil {
				minor := whole*100 + cents
				out.AmountMinor = &minor
				break
			}
		}
	}

	for _, re := range datePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if len(m[1]) == 4 {
				out.DateISO = m[1] + "-" + m[2] + "-" + m[3]
			} else {
				// US-style m/d/yyyy
				out.DateISO = m[3] + "-" + pad2(m[1]) + "-" + pad2(m[2])
			}
			break
		}
	}

	for _, re := range vendorPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			out.Vendor = strings.TrimSpace(m[1])
			break
		}
	}

	return out
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// ============================================================================
// TREASURY REQUEST-ID EXTRACTION
// ============================================================================

var requestIDPattern = regexp.MustCompile(`(?i)\[?#?\s*(SBA-\d{6}-\d{3})\s*\]?`)

// ExtractRequestID finds a treasury request id of the form SBA-YYYYMM-NNN,
// tolerating optional '#' or '[#...]' decoration. Returns it uppercased,
// or "" when absent.
func ExtractRequestID(subject string) string {
	m := requestIDPattern.FindStringSubmatch(subject)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}
