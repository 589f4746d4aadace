// Package intake consumes reservation and message events from RabbitMQ as an
// alternative to the webhook endpoint. Both feeds carry the same envelope and
// land in the same pipeline.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/example/guest-scheduler/internal/db"
	"github.com/example/guest-scheduler/internal/enqueue"
	"github.com/example/guest-scheduler/internal/hostaway"
	"github.com/example/guest-scheduler/internal/schedule"
	"github.com/example/guest-scheduler/internal/store"
	"github.com/example/guest-scheduler/internal/tenant"
)

// Event is the queue envelope. Unlike the webhook, which authenticates the
// tenant by token, queued events name the tenant explicitly.
type Event struct {
	TenantID string          `json:"tenantId"`
	Object   string          `json:"object"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

type Pipeline interface {
	Schedule(ctx context.Context, tn tenant.Tenant, res hostaway.Reservation, mode schedule.Mode) (int, error)
	LogGuestMessage(ctx context.Context, tn tenant.Tenant, m enqueue.InboundMessage) (store.MessageLogEntry, bool, error)
	LogHumanReply(ctx context.Context, tn tenant.Tenant, m enqueue.InboundMessage) (store.MessageLogEntry, bool, error)
	QueueAiReply(ctx context.Context, tn tenant.Tenant, r enqueue.AiReply) (store.MessageLogEntry, bool, error)
}

type TenantSource interface {
	GetByID(ctx context.Context, id string) (tenant.Tenant, error)
}

type Consumer struct {
	URL      string
	Queue    string
	Tenants  TenantSource
	Pipeline Pipeline
}

// Run consumes until ctx is cancelled. Messages are acked only after the
// pipeline accepted them; transient failures requeue, malformed or
// unprocessable events are dropped with a log line.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp091.Dial(c.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		c.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("rabbitmq queue declare: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("rabbitmq consume: %w", err)
	}

	log.Info().Str("queue", q.Name).Msg("consuming events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	var ev Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		log.Warn().Err(err).Msg("dropping malformed event")
		_ = d.Nack(false, false)
		return
	}

	requeue, err := c.process(ctx, ev)
	if err != nil {
		log.Error().
			Err(err).
			Str("tenant", ev.TenantID).
			Str("object", ev.Object).
			Bool("requeue", requeue).
			Msg("event processing failed")
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

// process applies one event. The returned bool says whether a failure is
// worth retrying: provider or database trouble is, a payload that can never
// parse is not.
func (c *Consumer) process(ctx context.Context, ev Event) (bool, error) {
	if ev.TenantID == "" {
		return false, errors.New("event without tenant id")
	}
	tn, err := c.Tenants.GetByID(ctx, ev.TenantID)
	if err != nil {
		if db.IsNotFound(err) {
			return false, fmt.Errorf("unknown tenant %q", ev.TenantID)
		}
		return true, err
	}

	switch ev.Object {
	case "reservation":
		var res hostaway.Reservation
		if err := json.Unmarshal(ev.Data, &res); err != nil {
			return false, fmt.Errorf("invalid reservation payload: %w", err)
		}
		if res.ID == 0 {
			return false, errors.New("reservation id is required")
		}
		if _, err := c.Pipeline.Schedule(ctx, tn, res, schedule.ModeEvent); err != nil {
			return true, err
		}
		return false, nil

	case "conversationMessage":
		var m struct {
			ID             int64  `json:"id"`
			ReservationID  int64  `json:"reservationId"`
			ConversationID int64  `json:"conversationId"`
			Body           string `json:"body"`
			IsIncoming     int    `json:"isIncoming"`
			Date           string `json:"date"`
		}
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			return false, fmt.Errorf("invalid message payload: %w", err)
		}
		if m.ReservationID == 0 {
			return false, errors.New("reservation id is required")
		}
		in := enqueue.InboundMessage{
			BookingID: strconv.FormatInt(m.ReservationID, 10),
			Body:      m.Body,
			SentAt:    parseEventDate(m.Date),
		}
		if m.ID != 0 {
			in.ProviderMessageID = strconv.FormatInt(m.ID, 10)
		}
		if m.ConversationID != 0 {
			in.ThreadID = strconv.FormatInt(m.ConversationID, 10)
		}
		if m.IsIncoming == 1 {
			_, _, err = c.Pipeline.LogGuestMessage(ctx, tn, in)
		} else {
			_, _, err = c.Pipeline.LogHumanReply(ctx, tn, in)
		}
		if err != nil {
			return true, err
		}
		return false, nil

	case "aiReply":
		var a struct {
			ReservationID     int64  `json:"reservationId"`
			Body              string `json:"body"`
			GuestMessageLogID string `json:"guestMessageLogId"`
		}
		if err := json.Unmarshal(ev.Data, &a); err != nil {
			return false, fmt.Errorf("invalid reply payload: %w", err)
		}
		if a.ReservationID == 0 || a.GuestMessageLogID == "" {
			return false, errors.New("reservation id and guestMessageLogId are required")
		}
		_, _, err := c.Pipeline.QueueAiReply(ctx, tn, enqueue.AiReply{
			BookingID:         strconv.FormatInt(a.ReservationID, 10),
			Body:              a.Body,
			GuestMessageLogID: a.GuestMessageLogID,
		})
		if errors.Is(err, enqueue.ErrAiRepliesDisabled) {
			return false, err
		}
		if err != nil {
			return true, err
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown object %q", ev.Object)
	}
}

// parseEventDate accepts the provider's "2006-01-02 15:04:05" form as well
// as RFC 3339. A zero time means the sender did not say.
func parseEventDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
