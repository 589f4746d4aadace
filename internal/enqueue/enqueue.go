// Package enqueue turns reservation events and inbound messages into durable
// message log rows. Everything here is synchronous and idempotent; delivery
// happens later through the claim loop.
package enqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/example/guest-scheduler/internal/hostaway"
	"github.com/example/guest-scheduler/internal/schedule"
	"github.com/example/guest-scheduler/internal/store"
	"github.com/example/guest-scheduler/internal/tenant"
)

// ErrAiRepliesDisabled rejects generated replies for tenants that have not
// opted in.
var ErrAiRepliesDisabled = errors.New("ai replies are disabled for this tenant")

type Store interface {
	GetOrCreateConversation(ctx context.Context, tenantID, bookingID string) (store.Conversation, error)
	CreatePendingOutboundMessage(ctx context.Context, p store.OutboundMessageParams) (store.MessageLogEntry, bool, error)
	LogInboundMessage(ctx context.Context, p store.InboundMessageParams) (store.MessageLogEntry, bool, error)
	CreatePendingAiReply(ctx context.Context, p store.AiReplyParams) (store.MessageLogEntry, bool, error)
	SetConversationThread(ctx context.Context, tenantID, conversationID, threadID string) error
	SetConversationStatus(ctx context.Context, tenantID, conversationID string, status store.ConversationStatus) error
	CancelPendingMessage(ctx context.Context, tenantID, messageID, reason string) error
	CancelAllPendingMessages(ctx context.Context, tenantID, conversationID, reason string) (int64, error)
	CancelPendingForBooking(ctx context.Context, tenantID, bookingID, reason string) (int64, error)
}

type Service struct {
	Store   Store
	Planner schedule.Planner
}

func NewService(st Store, planner schedule.Planner) *Service {
	return &Service{Store: st, Planner: planner}
}

// Schedule plans and persists the automated messages for a reservation.
// Safe to repeat: rows already holding the same (conversation, type,
// reservation) key are kept, never duplicated. A cancelled reservation
// triggers cleanup instead of scheduling.
func (s *Service) Schedule(ctx context.Context, tn tenant.Tenant, res hostaway.Reservation, mode schedule.Mode) (int, error) {
	bookingID := strconv.FormatInt(res.ID, 10)

	if res.Cancelled() {
		n, err := s.Store.CancelPendingForBooking(ctx, tn.ID, bookingID, store.ReasonReservationCancelled)
		if err != nil {
			return 0, err
		}
		log.Info().
			Str("tenant", tn.ID).
			Str("booking", bookingID).
			Int64("cancelled", n).
			Msg("reservation cancelled, cleaned up pending messages")
		return 0, nil
	}

	conv, err := s.Store.GetOrCreateConversation(ctx, tn.ID, bookingID)
	if err != nil {
		return 0, err
	}

	plans := s.Planner.Plan(planReservation(res), mode, time.Now().UTC())
	created := 0
	for _, p := range plans {
		_, added, err := s.Store.CreatePendingOutboundMessage(ctx, store.OutboundMessageParams{
			ConversationID:  conv.ID,
			TenantID:        tn.ID,
			BookingID:       bookingID,
			MessageType:     p.Type,
			ReservationID:   bookingID,
			Body:            p.Label,
			ScheduledSendAt: p.SendAt,
			Metadata: store.Metadata{
				store.MetaScheduledLocalTime: p.LocalTime,
				store.MetaTimezone:           p.Timezone,
				store.MetaSyncOrigin:         string(mode),
			},
		})
		if err != nil {
			return created, err
		}
		if !added {
			log.Debug().
				Str("conversation", conv.ID).
				Str("type", string(p.Type)).
				Msg("message already scheduled")
			continue
		}
		created++
	}
	if created > 0 {
		log.Info().
			Str("tenant", tn.ID).
			Str("booking", bookingID).
			Int("scheduled", created).
			Str("mode", string(mode)).
			Msg("reservation scheduled")
	}
	return created, nil
}

// InboundMessage is a guest message or human reply reported by the provider.
type InboundMessage struct {
	BookingID         string
	Body              string
	SentAt            time.Time
	ProviderMessageID string
	ThreadID          string
}

// LogGuestMessage records an inbound guest message exactly once. The provider
// thread id is linked to the conversation when first seen.
func (s *Service) LogGuestMessage(ctx context.Context, tn tenant.Tenant, m InboundMessage) (store.MessageLogEntry, bool, error) {
	return s.logInbound(ctx, tn, store.OriginatorGuest, m)
}

// LogHumanReply records a reply a human operator sent through the provider
// dashboard. Logging it does not pause the conversation; pause is an explicit
// action.
func (s *Service) LogHumanReply(ctx context.Context, tn tenant.Tenant, m InboundMessage) (store.MessageLogEntry, bool, error) {
	return s.logInbound(ctx, tn, store.OriginatorHuman, m)
}

func (s *Service) logInbound(ctx context.Context, tn tenant.Tenant, origin store.Originator, m InboundMessage) (store.MessageLogEntry, bool, error) {
	conv, err := s.Store.GetOrCreateConversation(ctx, tn.ID, m.BookingID)
	if err != nil {
		return store.MessageLogEntry{}, false, err
	}

	if m.ThreadID != "" && conv.ExternalThreadID == nil {
		if err := s.Store.SetConversationThread(ctx, tn.ID, conv.ID, m.ThreadID); err != nil {
			log.Debug().Err(err).Str("conversation", conv.ID).Msg("could not link conversation thread")
		}
	}

	hash := ""
	if m.ProviderMessageID == "" {
		hash = MessageHash(m.Body, m.SentAt)
	}

	entry, created, err := s.Store.LogInboundMessage(ctx, store.InboundMessageParams{
		ConversationID:    conv.ID,
		TenantID:          tn.ID,
		BookingID:         m.BookingID,
		Originator:        origin,
		Body:              m.Body,
		SentAt:            m.SentAt,
		ProviderMessageID: m.ProviderMessageID,
		MessageHash:       hash,
	})
	if err != nil {
		return store.MessageLogEntry{}, false, err
	}
	if !created {
		log.Debug().
			Str("conversation", conv.ID).
			Str("message", entry.ID).
			Msg("inbound message already logged")
	}
	return entry, created, nil
}

// AiReply is a generated answer to a logged guest message, produced by an
// external responder.
type AiReply struct {
	BookingID         string
	Body              string
	GuestMessageLogID string
}

// QueueAiReply persists a generated reply as a pending message due now, one
// per triggering guest message. Delivery goes through the normal claim path,
// so a conversation paused after generation still blocks the send.
func (s *Service) QueueAiReply(ctx context.Context, tn tenant.Tenant, r AiReply) (store.MessageLogEntry, bool, error) {
	if !tn.Flag(tenant.FlagAiReplies) {
		return store.MessageLogEntry{}, false, ErrAiRepliesDisabled
	}

	conv, err := s.Store.GetOrCreateConversation(ctx, tn.ID, r.BookingID)
	if err != nil {
		return store.MessageLogEntry{}, false, err
	}

	entry, created, err := s.Store.CreatePendingAiReply(ctx, store.AiReplyParams{
		ConversationID:    conv.ID,
		TenantID:          tn.ID,
		BookingID:         r.BookingID,
		Body:              r.Body,
		GuestMessageLogID: r.GuestMessageLogID,
		ReservationID:     r.BookingID,
	})
	if err != nil {
		return store.MessageLogEntry{}, false, err
	}
	if !created {
		log.Debug().
			Str("conversation", conv.ID).
			Str("guestMessage", r.GuestMessageLogID).
			Msg("ai reply already queued")
	}
	return entry, created, nil
}

// SetConversationStatus flips automation on or off for a conversation.
func (s *Service) SetConversationStatus(ctx context.Context, tn tenant.Tenant, conversationID string, status store.ConversationStatus) error {
	if err := s.Store.SetConversationStatus(ctx, tn.ID, conversationID, status); err != nil {
		return err
	}
	log.Info().
		Str("tenant", tn.ID).
		Str("conversation", conversationID).
		Str("status", string(status)).
		Msg("conversation status changed")
	return nil
}

// CancelMessage fails one pending or processing message. A message that has
// already settled surfaces as not found; callers treat that as a normal
// outcome of the cancel/claim race.
func (s *Service) CancelMessage(ctx context.Context, tn tenant.Tenant, messageID, reason string) error {
	return s.Store.CancelPendingMessage(ctx, tn.ID, messageID, reason)
}

// CancelConversation fails every pending or processing message in a
// conversation and reports how many were affected.
func (s *Service) CancelConversation(ctx context.Context, tn tenant.Tenant, conversationID, reason string) (int64, error) {
	n, err := s.Store.CancelAllPendingMessages(ctx, tn.ID, conversationID, reason)
	if err != nil {
		return 0, err
	}
	log.Info().
		Str("tenant", tn.ID).
		Str("conversation", conversationID).
		Int64("cancelled", n).
		Msg("pending messages cancelled")
	return n, nil
}

// ReservationLister pages reservations out of the PMS for bulk sync.
type ReservationLister interface {
	ListReservations(ctx context.Context, limit, offset int) ([]hostaway.Reservation, error)
}

const syncPageSize = 100

// SyncAll pages through every reservation of the tenant and schedules each in
// initial-sync mode. One reservation failing does not stop the sweep.
func (s *Service) SyncAll(ctx context.Context, tn tenant.Tenant, pms ReservationLister) (int, error) {
	processed := 0
	for offset := 0; ; offset += syncPageSize {
		page, err := pms.ListReservations(ctx, syncPageSize, offset)
		if err != nil {
			return processed, err
		}
		for _, res := range page {
			if _, err := s.Schedule(ctx, tn, res, schedule.ModeInitialSync); err != nil {
				log.Warn().
					Err(err).
					Int64("reservation", res.ID).
					Msg("sync could not schedule reservation")
				continue
			}
			processed++
		}
		if len(page) < syncPageSize {
			return processed, nil
		}
	}
}

// MessageHash derives the dedup key for inbound messages that carry no
// provider message id. The send timestamp keeps two identical texts sent at
// different times distinct.
func MessageHash(body string, sentAt time.Time) string {
	h := sha256.Sum256([]byte(body + "|" + strconv.FormatInt(sentAt.UTC().Unix(), 10)))
	return hex.EncodeToString(h[:])
}

func planReservation(res hostaway.Reservation) schedule.Reservation {
	name := res.GuestFirstName
	if name == "" {
		name = res.GuestName
	}
	return schedule.Reservation{
		ID:           strconv.FormatInt(res.ID, 10),
		GuestName:    name,
		Timezone:     res.TimeZoneName,
		CheckInDate:  res.ArrivalDate,
		CheckInHour:  res.CheckInTime,
		CheckOutDate: res.DepartureDate,
		CheckOutHour: res.CheckOutTime,
		BookedAt:     parseBookedAt(res.ReservationDate),
	}
}

func parseBookedAt(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
