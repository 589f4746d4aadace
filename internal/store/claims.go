package store

import (
	"context"
	"sort"
	"time"
)

// ClaimDue atomically claims up to limit due messages: pending rows whose
// scheduled time has passed (or was never set), plus processing rows whose
// claim lease expired, which is how work orphaned by a crashed worker gets
// picked back up. Claimed rows move to processing with a fresh lease and
// come back with the conversation snapshot taken in the same statement.
// SKIP LOCKED keeps concurrent claimers on disjoint rows without waiting.
func (s *Store) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]Claim, error) {
	rows, err := s.db.Query(ctx, `
WITH due AS (
    SELECT id
    FROM message_log_entries
    WHERE (status='pending' AND coalesce(scheduled_send_at, now()) <= now())
       OR (status='processing' AND claim_expires_at IS NOT NULL AND claim_expires_at <= now())
    ORDER BY coalesce(scheduled_send_at, actual_sent_at, created_at) ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE message_log_entries m
SET status='processing', claim_expires_at = now() + ($2 * interval '1 second'), updated_at=now()
FROM due, conversations c
WHERE m.id=due.id AND c.id=m.conversation_id
RETURNING m.id, m.conversation_id, m.tenant_id, m.booking_id, m.originator, m.status, m.body,
          m.scheduled_send_at, m.actual_sent_at, m.claim_expires_at, m.metadata, m.error_message,
          m.created_at, m.updated_at, c.status, c.external_thread_id`,
		limit, int64(lease.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var c Claim
		e := &c.Entry
		if err := rows.Scan(
			&e.ID, &e.ConversationID, &e.TenantID, &e.BookingID, &e.Originator, &e.Status, &e.Body,
			&e.ScheduledSendAt, &e.ActualSentAt, &e.ClaimExpiresAt, &e.Metadata, &e.ErrorMessage,
			&e.CreatedAt, &e.UpdatedAt, &c.ConversationStatus, &c.ExternalThreadID,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE order
	sort.Slice(out, func(i, j int) bool {
		return claimOrder(out[i].Entry).Before(claimOrder(out[j].Entry))
	})
	return out, nil
}

func claimOrder(e MessageLogEntry) time.Time {
	if e.ScheduledSendAt != nil {
		return *e.ScheduledSendAt
	}
	if e.ActualSentAt != nil {
		return *e.ActualSentAt
	}
	return e.CreatedAt
}
