package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/guest-scheduler/internal/db"
)

const entryColumns = `id, conversation_id, tenant_id, booking_id, originator, status, body, scheduled_send_at, actual_sent_at, claim_expires_at, metadata, error_message, created_at, updated_at`

func scanEntry(r db.Row) (MessageLogEntry, error) {
	var e MessageLogEntry
	err := r.Scan(
		&e.ID, &e.ConversationID, &e.TenantID, &e.BookingID, &e.Originator, &e.Status, &e.Body,
		&e.ScheduledSendAt, &e.ActualSentAt, &e.ClaimExpiresAt, &e.Metadata, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

type OutboundMessageParams struct {
	ConversationID  string
	TenantID        string
	BookingID       string
	MessageType     MessageType
	ReservationID   string
	Body            string
	ScheduledSendAt time.Time
	Metadata        Metadata
}

// CreatePendingOutboundMessage inserts a pending scheduled send. The dedup
// key is (conversation, messageType, reservation) across any status: a
// reservation change that re-plans an already-sent message must not produce
// a second row. Losing an insert race resolves to the winner's row.
func (s *Store) CreatePendingOutboundMessage(ctx context.Context, p OutboundMessageParams) (MessageLogEntry, bool, error) {
	existing, err := s.findOutbound(ctx, p.ConversationID, p.MessageType, p.ReservationID)
	if err == nil {
		return existing, false, nil
	}
	if !db.IsNotFound(err) {
		return MessageLogEntry{}, false, err
	}

	md := Metadata{}
	for k, v := range p.Metadata {
		md[k] = v
	}
	md[MetaMessageType] = string(p.MessageType)
	md[MetaReservationID] = p.ReservationID

	var e MessageLogEntry
	row := s.db.QueryRow(ctx, `
INSERT INTO message_log_entries(id, conversation_id, tenant_id, booking_id, originator, status, body, scheduled_send_at, metadata)
VALUES ($1,$2,$3,$4,'system','pending',$5,$6,$7)
RETURNING `+entryColumns,
		uuid.NewString(), p.ConversationID, p.TenantID, p.BookingID, p.Body, p.ScheduledSendAt, md)
	e, err = scanEntry(row)
	if db.IsUniqueViolation(err) {
		existing, err := s.findOutbound(ctx, p.ConversationID, p.MessageType, p.ReservationID)
		return existing, false, err
	}
	if err != nil {
		return MessageLogEntry{}, false, db.WrapNotFound(err)
	}
	return e, true, nil
}

func (s *Store) findOutbound(ctx context.Context, conversationID string, mt MessageType, reservationID string) (MessageLogEntry, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+entryColumns+`
FROM message_log_entries
WHERE conversation_id=$1 AND originator='system'
  AND metadata->>'messageType'=$2 AND metadata->>'hostawayReservationId'=$3`,
		conversationID, string(mt), reservationID)
	e, err := scanEntry(row)
	return e, db.WrapNotFound(err)
}

type InboundMessageParams struct {
	ConversationID    string
	TenantID          string
	BookingID         string
	Originator        Originator
	Body              string
	SentAt            time.Time
	ProviderMessageID string
	MessageHash       string
	Metadata          Metadata
}

// LogInboundMessage records a guest message or human reply as a sent entry.
// Dedup prefers the provider message id and falls back to the content hash
// for channels that do not carry one.
func (s *Store) LogInboundMessage(ctx context.Context, p InboundMessageParams) (MessageLogEntry, bool, error) {
	existing, err := s.findInbound(ctx, p.ConversationID, p.ProviderMessageID, p.MessageHash)
	if err == nil {
		return existing, false, nil
	}
	if !db.IsNotFound(err) {
		return MessageLogEntry{}, false, err
	}

	md := Metadata{}
	for k, v := range p.Metadata {
		md[k] = v
	}
	if p.ProviderMessageID != "" {
		md[MetaMessageID] = p.ProviderMessageID
	}
	if p.MessageHash != "" {
		md[MetaMessageHash] = p.MessageHash
	}

	sentAt := p.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	var e MessageLogEntry
	row := s.db.QueryRow(ctx, `
INSERT INTO message_log_entries(id, conversation_id, tenant_id, booking_id, originator, status, body, actual_sent_at, metadata)
VALUES ($1,$2,$3,$4,$5,'sent',$6,$7,$8)
RETURNING `+entryColumns,
		uuid.NewString(), p.ConversationID, p.TenantID, p.BookingID, p.Originator, p.Body, sentAt, md)
	e, err = scanEntry(row)
	if db.IsUniqueViolation(err) {
		existing, err := s.findInbound(ctx, p.ConversationID, p.ProviderMessageID, p.MessageHash)
		return existing, false, err
	}
	if err != nil {
		return MessageLogEntry{}, false, db.WrapNotFound(err)
	}
	return e, true, nil
}

func (s *Store) findInbound(ctx context.Context, conversationID, providerMessageID, messageHash string) (MessageLogEntry, error) {
	if providerMessageID != "" {
		row := s.db.QueryRow(ctx, `
SELECT `+entryColumns+`
FROM message_log_entries
WHERE conversation_id=$1 AND metadata->>'hostawayMessageId'=$2`,
			conversationID, providerMessageID)
		e, err := scanEntry(row)
		return e, db.WrapNotFound(err)
	}
	if messageHash != "" {
		row := s.db.QueryRow(ctx, `
SELECT `+entryColumns+`
FROM message_log_entries
WHERE conversation_id=$1 AND metadata->>'messageHash'=$2 AND NOT metadata ? 'hostawayMessageId'`,
			conversationID, messageHash)
		e, err := scanEntry(row)
		return e, db.WrapNotFound(err)
	}
	return MessageLogEntry{}, db.ErrNotFound
}

type AiReplyParams struct {
	ConversationID    string
	TenantID          string
	BookingID         string
	Body              string
	GuestMessageLogID string
	ReservationID     string
}

// CreatePendingAiReply enqueues a generated reply for immediate delivery
// through the normal claim path. One reply per triggering guest message.
func (s *Store) CreatePendingAiReply(ctx context.Context, p AiReplyParams) (MessageLogEntry, bool, error) {
	existing, err := s.findAiReply(ctx, p.ConversationID, p.GuestMessageLogID)
	if err == nil {
		return existing, false, nil
	}
	if !db.IsNotFound(err) {
		return MessageLogEntry{}, false, err
	}

	md := Metadata{
		MetaMessageType:       string(TypeAiReply),
		MetaGuestMessageLogID: p.GuestMessageLogID,
		MetaReservationID:     p.ReservationID,
	}

	var e MessageLogEntry
	row := s.db.QueryRow(ctx, `
INSERT INTO message_log_entries(id, conversation_id, tenant_id, booking_id, originator, status, body, scheduled_send_at, metadata)
VALUES ($1,$2,$3,$4,'ai','pending',$5,now(),$6)
RETURNING `+entryColumns,
		uuid.NewString(), p.ConversationID, p.TenantID, p.BookingID, p.Body, md)
	e, err = scanEntry(row)
	if db.IsUniqueViolation(err) {
		existing, err := s.findAiReply(ctx, p.ConversationID, p.GuestMessageLogID)
		return existing, false, err
	}
	if err != nil {
		return MessageLogEntry{}, false, db.WrapNotFound(err)
	}
	return e, true, nil
}

func (s *Store) findAiReply(ctx context.Context, conversationID, guestMessageLogID string) (MessageLogEntry, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+entryColumns+`
FROM message_log_entries
WHERE conversation_id=$1 AND originator='ai' AND metadata->>'guestMessageLogId'=$2`,
		conversationID, guestMessageLogID)
	e, err := scanEntry(row)
	return e, db.WrapNotFound(err)
}

func (s *Store) GetMessage(ctx context.Context, tenantID, messageID string) (MessageLogEntry, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+entryColumns+`
FROM message_log_entries
WHERE id=$1 AND tenant_id=$2`, messageID, tenantID)
	e, err := scanEntry(row)
	return e, db.WrapNotFound(err)
}

// MarkSent settles a processing message as delivered, recording the body
// that actually went out and the channel it went through. A row no longer
// in processing was cancelled underneath us; callers treat that as a race,
// not a failure.
func (s *Store) MarkSent(ctx context.Context, messageID, body, channel string) error {
	n, err := s.db.Exec(ctx, `
UPDATE message_log_entries
SET status='sent', body=$2, actual_sent_at=now(), claim_expires_at=NULL, error_message=NULL,
    metadata = metadata || jsonb_build_object('deliveryChannel', $3::text),
    updated_at=now()
WHERE id=$1 AND status='processing'`, messageID, body, channel)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// MarkFailed settles a message as failed with a reason. Applies to pending
// rows too so cancellation can reuse it.
func (s *Store) MarkFailed(ctx context.Context, messageID, reason string) error {
	n, err := s.db.Exec(ctx, `
UPDATE message_log_entries
SET status='failed', error_message=$2, claim_expires_at=NULL, updated_at=now()
WHERE id=$1 AND status IN ('pending','processing')`, messageID, reason)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// CancelPendingMessage force-fails one not-yet-settled message. Rows already
// sent or failed are left alone and reported as not found.
func (s *Store) CancelPendingMessage(ctx context.Context, tenantID, messageID, reason string) error {
	n, err := s.db.Exec(ctx, `
UPDATE message_log_entries
SET status='failed', error_message=$3, claim_expires_at=NULL, updated_at=now()
WHERE id=$1 AND tenant_id=$2 AND status IN ('pending','processing')`, messageID, tenantID, reason)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// CancelAllPendingMessages force-fails every not-yet-settled message in one
// conversation and reports how many rows it touched.
func (s *Store) CancelAllPendingMessages(ctx context.Context, tenantID, conversationID, reason string) (int64, error) {
	return s.db.Exec(ctx, `
UPDATE message_log_entries
SET status='failed', error_message=$3, claim_expires_at=NULL, updated_at=now()
WHERE conversation_id=$1 AND tenant_id=$2 AND status IN ('pending','processing')`, conversationID, tenantID, reason)
}

// CancelPendingForBooking is the reservation-cancelled cleanup. Keyed by
// booking so it works even before a conversation lookup.
func (s *Store) CancelPendingForBooking(ctx context.Context, tenantID, bookingID, reason string) (int64, error) {
	return s.db.Exec(ctx, `
UPDATE message_log_entries
SET status='failed', error_message=$3, claim_expires_at=NULL, updated_at=now()
WHERE booking_id=$1 AND tenant_id=$2 AND status IN ('pending','processing')`, bookingID, tenantID, reason)
}
