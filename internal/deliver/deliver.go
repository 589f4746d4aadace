// Package deliver executes claimed messages: resolves the body and channel,
// sends, and always settles the row to sent or failed. A failed message is
// terminal; nothing here retries.
package deliver

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/guest-scheduler/internal/db"
	"github.com/example/guest-scheduler/internal/hostaway"
	"github.com/example/guest-scheduler/internal/store"
	"github.com/example/guest-scheduler/internal/tenant"
)

// Delivery channel names recorded in metadata.
const (
	ChannelSMS         = "sms"
	ChannelThread      = "hostaway_conversation"
	ChannelReservation = "hostaway_reservation"
)

// defaultChannelKind is the provider communication type used when the thread
// was linked earlier and its own type is no longer in hand.
const defaultChannelKind = "channel"

type PMS interface {
	GetReservation(ctx context.Context, id string) (hostaway.Reservation, error)
	GetListing(ctx context.Context, id int64) (hostaway.Listing, error)
	GetReservationConversations(ctx context.Context, reservationID string) ([]hostaway.Conversation, error)
	SendConversationMessage(ctx context.Context, conversationID int64, body, channelKind string) error
	SendMessageToGuest(ctx context.Context, reservationID string, body string) error
}

type DirectSender interface {
	SendDirectMessage(ctx context.Context, apiKey, from, to, body string) error
}

type Templates interface {
	Get(ctx context.Context, tenantID string, mt store.MessageType) (string, error)
}

type Settler interface {
	MarkSent(ctx context.Context, messageID, body, channel string) error
	MarkFailed(ctx context.Context, messageID, reason string) error
	SetConversationThread(ctx context.Context, tenantID, conversationID, threadID string) error
}

type TenantSource interface {
	GetByID(ctx context.Context, id string) (tenant.Tenant, error)
}

type Executor struct {
	Store        Settler
	Tenants      TenantSource
	Templates    Templates
	PMSForTenant func(t tenant.Tenant) PMS
	Direct       DirectSender
	Listings     *ListingCache
}

// Execute settles the claim no matter what: sent on success, failed with the
// error text on anything else. Only a settle race (the row was cancelled
// underneath us) leaves the row as the other writer put it.
func (e *Executor) Execute(ctx context.Context, c store.Claim) {
	entry := c.Entry
	logger := log.With().
		Str("message", entry.ID).
		Str("conversation", entry.ConversationID).
		Str("tenant", entry.TenantID).
		Logger()

	if c.ConversationStatus == store.ConversationPausedByHuman {
		e.settleFailed(ctx, logger, entry.ID, store.ReasonPaused)
		return
	}

	mt := store.MessageType(entry.Metadata[store.MetaMessageType])
	if mt == "" {
		e.settleFailed(ctx, logger, entry.ID, store.ReasonMissingType)
		return
	}

	tn, err := e.Tenants.GetByID(ctx, entry.TenantID)
	if err != nil {
		e.settleFailed(ctx, logger, entry.ID, fmt.Sprintf("tenant lookup failed: %v", err))
		return
	}
	pms := e.PMSForTenant(tn)

	reservationID := entry.Metadata[store.MetaReservationID]
	if reservationID == "" {
		reservationID = entry.BookingID
	}

	res, err := pms.GetReservation(ctx, reservationID)
	if err != nil {
		e.settleFailed(ctx, logger, entry.ID, err.Error())
		return
	}
	if res.Cancelled() {
		e.settleFailed(ctx, logger, entry.ID, store.ReasonReservationCancelled)
		return
	}

	body, err := e.resolveBody(ctx, pms, entry, mt, res)
	if err != nil {
		e.settleFailed(ctx, logger, entry.ID, err.Error())
		return
	}
	if body == "" {
		e.settleFailed(ctx, logger, entry.ID, store.ReasonEmptyBody)
		return
	}

	channel, err := e.send(ctx, logger, pms, tn, c, res, reservationID, body)
	if err != nil {
		e.settleFailed(ctx, logger, entry.ID, err.Error())
		return
	}

	if err := e.Store.MarkSent(ctx, entry.ID, body, channel); err != nil {
		if db.IsNotFound(err) {
			logger.Warn().Str("channel", channel).Msg("message sent but settled elsewhere, keeping the other outcome")
			return
		}
		logger.Error().Err(err).Msg("could not settle sent message")
		return
	}
	logger.Info().Str("type", string(mt)).Str("channel", channel).Msg("message sent")
}

// resolveBody renders the template for scheduled messages. AI replies carry
// their final body already; template edits are picked up here because the
// pending row only stores a placeholder.
func (e *Executor) resolveBody(ctx context.Context, pms PMS, entry store.MessageLogEntry, mt store.MessageType, res hostaway.Reservation) (string, error) {
	if mt == store.TypeAiReply {
		return entry.Body, nil
	}

	tmpl, err := e.Templates.Get(ctx, entry.TenantID, mt)
	if err != nil {
		return "", err
	}

	// Door codes can be generated just before check-in: never serve them
	// from cache.
	listing, err := e.listing(ctx, pms, entry.TenantID, res.ListingMapID, mt == store.TypeDoorCode3h)
	if err != nil {
		return "", err
	}

	return templateSubstitute(tmpl, res, listing), nil
}

func (e *Executor) listing(ctx context.Context, pms PMS, tenantID string, listingID int64, bypassCache bool) (hostaway.Listing, error) {
	if listingID == 0 {
		return hostaway.Listing{}, nil
	}
	if !bypassCache {
		if l, ok := e.Listings.Get(tenantID, listingID); ok {
			return l, nil
		}
	}
	l, err := pms.GetListing(ctx, listingID)
	if err != nil {
		return hostaway.Listing{}, err
	}
	e.Listings.Set(tenantID, listingID, l)
	return l, nil
}

// send picks the channel: direct phone first, then the provider thread
// (looked up and linked best-effort when unknown), then the generic
// per-reservation send.
func (e *Executor) send(ctx context.Context, logger zerolog.Logger, pms PMS, tn tenant.Tenant, c store.Claim, res hostaway.Reservation, reservationID, body string) (string, error) {
	if res.Phone != "" && tn.SMSAPIKey != "" {
		if err := e.Direct.SendDirectMessage(ctx, tn.SMSAPIKey, tn.SMSFromNumber, res.Phone, body); err != nil {
			return "", err
		}
		return ChannelSMS, nil
	}

	threadID := c.ExternalThreadID
	channelKind := defaultChannelKind
	if threadID == nil {
		convs, err := pms.GetReservationConversations(ctx, reservationID)
		if err != nil {
			logger.Debug().Err(err).Msg("thread lookup failed, falling back to reservation send")
		} else if len(convs) > 0 {
			tid := strconv.FormatInt(convs[0].ID, 10)
			threadID = &tid
			if convs[0].Type != "" {
				channelKind = convs[0].Type
			}
			if err := e.Store.SetConversationThread(ctx, c.Entry.TenantID, c.Entry.ConversationID, tid); err != nil {
				logger.Debug().Err(err).Msg("could not link conversation thread")
			}
		}
	}

	if threadID != nil {
		id, err := strconv.ParseInt(*threadID, 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad thread id %q: %w", *threadID, err)
		}
		if err := pms.SendConversationMessage(ctx, id, body, channelKind); err != nil {
			return "", err
		}
		return ChannelThread, nil
	}

	if err := pms.SendMessageToGuest(ctx, reservationID, body); err != nil {
		return "", err
	}
	return ChannelReservation, nil
}

func (e *Executor) settleFailed(ctx context.Context, logger zerolog.Logger, messageID, reason string) {
	if err := e.Store.MarkFailed(ctx, messageID, reason); err != nil {
		if db.IsNotFound(err) {
			logger.Debug().Str("reason", reason).Msg("message already settled")
			return
		}
		logger.Error().Err(err).Str("reason", reason).Msg("could not settle failed message")
		return
	}
	logger.Info().Str("reason", reason).Msg("message failed")
}
