package eventlog

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// HEALTH QUERIES — status counters, topic breakdown, retryable events
// ============================================================================

// StatusCounts is the last-24-hour rollup by processing status.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Ignored   int `json:"ignored"`
}

// CountsByStatus returns event counts by status over the trailing window.
func CountsByStatus(ctx context.Context, q Querier, window time.Duration) (*StatusCounts, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM webhook_events
		WHERE received_at > now() - $1::interval
		GROUP BY status`,
		fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("counts by status: %w", err)
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case StatusPending:
			counts.Pending = n
		case StatusCompleted:
			counts.Completed = n
		case StatusFailed:
			counts.Failed = n
		case StatusIgnored:
			counts.Ignored = n
		}
	}
	return &counts, rows.Err()
}

// TopicCount is one row of the per-topic breakdown.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// CountsByTopic returns event counts per topic over the last N days.
func CountsByTopic(ctx context.Context, q Querier, days int) ([]TopicCount, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := q.QueryContext(ctx, `
		SELECT topic, COUNT(*)
		FROM webhook_events
		WHERE received_at > now() - ($1 * interval '1 day')
		GROUP BY topic
		ORDER BY COUNT(*) DESC`, days)
	if err != nil {
		return nil, fmt.Errorf("counts by topic: %w", err)
	}
	defer rows.Close()

	var out []TopicCount
	for rows.Next() {
		var tc TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// FailedRetryable returns failed events still eligible for retry:
// retry_count below max and received within the cutoff window.
func FailedRetryable(ctx context.Context, q Querier, maxRetries int, cutoff time.Duration) ([]Event, error) {
	rows, err := q.QueryContext(ctx, selectEvent+`
		WHERE status = 'failed' AND retry_count < $1
		  AND received_at > now() - $2::interval
		ORDER BY received_at`,
		maxRetries, fmt.Sprintf("%d seconds", int(cutoff.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed retryable: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload, headers []byte
		if err := rows.Scan(&ev.ID, &ev.ShopDomain, &ev.Topic, &ev.ExternalEventID,
			&payload, &ev.Verified, &ev.Status, &ev.ProcessedAt, &ev.ErrorMessage,
			&ev.RetryCount, &ev.IdempotencyKey, &ev.ReceivedAt, &headers); err != nil {
			return nil, err
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}
