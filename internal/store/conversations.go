package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/example/guest-scheduler/internal/db"
)

// GetOrCreateConversation returns the conversation for (tenant, booking),
// creating it on first contact. The upsert makes concurrent callers converge
// on the same row.
func (s *Store) GetOrCreateConversation(ctx context.Context, tenantID, bookingID string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx, `
INSERT INTO conversations(id, tenant_id, booking_id)
VALUES ($1,$2,$3)
ON CONFLICT (tenant_id, booking_id) DO UPDATE SET updated_at=now()
RETURNING id, tenant_id, booking_id, external_thread_id, status, created_at, updated_at`,
		uuid.NewString(), tenantID, bookingID,
	).Scan(&c.ID, &c.TenantID, &c.BookingID, &c.ExternalThreadID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, db.WrapNotFound(err)
}

func (s *Store) GetConversation(ctx context.Context, tenantID, conversationID string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx, `
SELECT id, tenant_id, booking_id, external_thread_id, status, created_at, updated_at
FROM conversations
WHERE id=$1 AND tenant_id=$2`, conversationID, tenantID,
	).Scan(&c.ID, &c.TenantID, &c.BookingID, &c.ExternalThreadID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, db.WrapNotFound(err)
}

func (s *Store) GetConversationByBooking(ctx context.Context, tenantID, bookingID string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx, `
SELECT id, tenant_id, booking_id, external_thread_id, status, created_at, updated_at
FROM conversations
WHERE tenant_id=$1 AND booking_id=$2`, tenantID, bookingID,
	).Scan(&c.ID, &c.TenantID, &c.BookingID, &c.ExternalThreadID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, db.WrapNotFound(err)
}

// SetConversationStatus flips a conversation between automated and
// paused_by_human. Pausing is what a human operator does before taking over
// a thread; already-claimed messages see the pause at execution time.
func (s *Store) SetConversationStatus(ctx context.Context, tenantID, conversationID string, status ConversationStatus) error {
	n, err := s.db.Exec(ctx, `
UPDATE conversations SET status=$3, updated_at=now()
WHERE id=$1 AND tenant_id=$2`, conversationID, tenantID, status)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// SetConversationThread records the provider conversation thread id once it
// becomes known. A thread id never changes, so an existing value is kept.
func (s *Store) SetConversationThread(ctx context.Context, tenantID, conversationID, threadID string) error {
	_, err := s.db.Exec(ctx, `
UPDATE conversations SET external_thread_id=$3, updated_at=now()
WHERE id=$1 AND tenant_id=$2 AND external_thread_id IS NULL`, conversationID, tenantID, threadID)
	return err
}

// ListConversationMessages returns the full history for a conversation in
// timeline order: scheduled time when set, otherwise actual send time,
// otherwise creation time.
func (s *Store) ListConversationMessages(ctx context.Context, tenantID, conversationID string) ([]MessageLogEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+entryColumns+`
FROM message_log_entries
WHERE tenant_id=$1 AND conversation_id=$2
ORDER BY coalesce(scheduled_send_at, actual_sent_at, created_at) ASC, created_at ASC`,
		tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
