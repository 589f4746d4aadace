// Package store persists conversations and message log entries, the two
// tables every other component reads and writes through.
package store

import (
	"time"

	"github.com/example/guest-scheduler/internal/db"
)

// Originator is the single origin axis for a message log entry. The legacy
// direction/senderType pair still expected by API consumers is derived from
// it at the serialization boundary, never stored.
type Originator string

const (
	OriginatorGuest  Originator = "guest"
	OriginatorHuman  Originator = "human"
	OriginatorAi     Originator = "ai"
	OriginatorSystem Originator = "system"
)

// Direction maps to the legacy direction enum {guest, ai, staff}.
func (o Originator) Direction() string {
	switch o {
	case OriginatorGuest:
		return "guest"
	case OriginatorHuman:
		return "staff"
	default:
		return "ai"
	}
}

// SenderType maps to the legacy senderType enum {guest, human, ai, system}.
func (o Originator) SenderType() string {
	return string(o)
}

type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusSent       MessageStatus = "sent"
	StatusFailed     MessageStatus = "failed"
)

func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Fixed settlement reasons written to error_message. Policy outcomes use
// these exact strings so they stay distinguishable from provider errors.
const (
	ReasonPaused               = "Conversation paused by human agent"
	ReasonReservationCancelled = "Reservation was cancelled"
	ReasonMissingType          = "Missing message type in metadata"
	ReasonEmptyBody            = "Empty message body"
)

type ConversationStatus string

const (
	ConversationAutomated     ConversationStatus = "automated"
	ConversationPausedByHuman ConversationStatus = "paused_by_human"
)

type MessageType string

const (
	TypePreArrival24h       MessageType = "pre_arrival_24h"
	TypeDoorCode3h          MessageType = "door_code_3h"
	TypeSameDayCheckin      MessageType = "same_day_checkin"
	TypeCheckoutMorning     MessageType = "checkout_morning"
	TypePreCheckoutEvening  MessageType = "pre_checkout_evening"
	TypeThankYouImmediate   MessageType = "thank_you_immediate"
	TypePostBookingFollowup MessageType = "post_booking_followup"
	TypeAiReply             MessageType = "ai_reply"
)

// Metadata keys. The camelCase spelling is shared with the provider webhooks
// and must stay stable: the dedup indexes match on these exact keys.
const (
	MetaMessageType        = "messageType"
	MetaReservationID      = "hostawayReservationId"
	MetaMessageID          = "hostawayMessageId"
	MetaMessageHash        = "messageHash"
	MetaGuestMessageLogID  = "guestMessageLogId"
	MetaScheduledLocalTime = "scheduledLocalTime"
	MetaTimezone           = "timezone"
	MetaSyncOrigin         = "syncOrigin"
	MetaDeliveryChannel    = "deliveryChannel"
)

type Metadata map[string]string

type Conversation struct {
	ID               string
	TenantID         string
	BookingID        string
	ExternalThreadID *string
	Status           ConversationStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type MessageLogEntry struct {
	ID              string
	ConversationID  string
	TenantID        string
	BookingID       string
	Originator      Originator
	Status          MessageStatus
	Body            string
	ScheduledSendAt *time.Time
	ActualSentAt    *time.Time
	ClaimExpiresAt  *time.Time
	Metadata        Metadata
	ErrorMessage    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Claim is a processing message plus the conversation snapshot taken in the
// same statement that claimed it.
type Claim struct {
	Entry              MessageLogEntry
	ConversationStatus ConversationStatus
	ExternalThreadID   *string
}

type Store struct{ db *db.DB }

func New(d *db.DB) *Store { return &Store{db: d} }
