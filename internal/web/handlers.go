package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/guest-scheduler/internal/db"
	"github.com/example/guest-scheduler/internal/enqueue"
	"github.com/example/guest-scheduler/internal/hostaway"
	"github.com/example/guest-scheduler/internal/schedule"
	"github.com/example/guest-scheduler/internal/store"
	"github.com/example/guest-scheduler/internal/template"
)

// eventRequest is the unified intake envelope, mirroring the provider's
// webhook shape: an object kind, an event name, and the object payload.
type eventRequest struct {
	Object string          `json:"object"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

type messageEvent struct {
	ID             int64  `json:"id"`
	ReservationID  int64  `json:"reservationId"`
	ConversationID int64  `json:"conversationId"`
	Body           string `json:"body"`
	IsIncoming     int    `json:"isIncoming"`
	Date           string `json:"date"`
}

type aiReplyEvent struct {
	ReservationID     int64  `json:"reservationId"`
	Body              string `json:"body"`
	GuestMessageLogID string `json:"guestMessageLogId"`
}

// Events takes reservation events, provider conversation messages, and
// generated replies through one endpoint.
func (s *Server) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())

		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
			return
		}

		switch req.Object {
		case "reservation":
			var res hostaway.Reservation
			if err := json.Unmarshal(req.Data, &res); err != nil {
				s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid reservation payload: %w", err))
				return
			}
			if res.ID == 0 {
				s.Respond(w, r, http.StatusBadRequest, errors.New("reservation id is required"))
				return
			}
			n, err := s.pipeline.Schedule(r.Context(), tn, res, schedule.ModeEvent)
			if err != nil {
				s.Respond(w, r, http.StatusInternalServerError, err)
				return
			}
			s.Respond(w, r, http.StatusOK, map[string]interface{}{"scheduled": n})

		case "conversationMessage":
			var m messageEvent
			if err := json.Unmarshal(req.Data, &m); err != nil {
				s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid message payload: %w", err))
				return
			}
			if m.ReservationID == 0 {
				s.Respond(w, r, http.StatusBadRequest, errors.New("reservation id is required"))
				return
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

			var (
				entry   store.MessageLogEntry
				created bool
				err     error
			)
			if m.IsIncoming == 1 {
				entry, created, err = s.pipeline.LogGuestMessage(r.Context(), tn, in)
			} else {
				entry, created, err = s.pipeline.LogHumanReply(r.Context(), tn, in)
			}
			if err != nil {
				s.Respond(w, r, http.StatusInternalServerError, err)
				return
			}
			s.Respond(w, r, http.StatusOK, map[string]interface{}{"messageId": entry.ID, "created": created})

		case "aiReply":
			var a aiReplyEvent
			if err := json.Unmarshal(req.Data, &a); err != nil {
				s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid reply payload: %w", err))
				return
			}
			if a.ReservationID == 0 || a.GuestMessageLogID == "" {
				s.Respond(w, r, http.StatusBadRequest, errors.New("reservation id and guestMessageLogId are required"))
				return
			}
			entry, created, err := s.pipeline.QueueAiReply(r.Context(), tn, enqueue.AiReply{
				BookingID:         strconv.FormatInt(a.ReservationID, 10),
				Body:              a.Body,
				GuestMessageLogID: a.GuestMessageLogID,
			})
			if errors.Is(err, enqueue.ErrAiRepliesDisabled) {
				s.Respond(w, r, http.StatusForbidden, err)
				return
			}
			if err != nil {
				s.Respond(w, r, http.StatusInternalServerError, err)
				return
			}
			s.Respond(w, r, http.StatusOK, map[string]interface{}{"messageId": entry.ID, "created": created})

		default:
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("unknown object %q", req.Object))
		}
	}
}

// Sync walks every reservation of the tenant through initial-sync scheduling.
func (s *Server) Sync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())
		n, err := s.pipeline.SyncAll(r.Context(), tn, s.lister(tn))
		if err != nil {
			s.Respond(w, r, http.StatusBadGateway, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"reservations": n})
	}
}

type apiConversation struct {
	ID               string    `json:"id"`
	BookingID        string    `json:"bookingId"`
	Status           string    `json:"status"`
	ExternalThreadID *string   `json:"externalThreadId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// apiMessage carries the originator plus the legacy direction/senderType pair
// older consumers still read. Both legacy fields derive from the originator.
type apiMessage struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversationId"`
	BookingID       string         `json:"bookingId"`
	Originator      string         `json:"originator"`
	Direction       string         `json:"direction"`
	SenderType      string         `json:"senderType"`
	Status          string         `json:"status"`
	Body            string         `json:"body"`
	ScheduledSendAt *time.Time     `json:"scheduledSendAt,omitempty"`
	ActualSentAt    *time.Time     `json:"actualSentAt,omitempty"`
	Metadata        store.Metadata `json:"metadata,omitempty"`
	ErrorMessage    *string        `json:"errorMessage,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

func toAPIMessage(e store.MessageLogEntry) apiMessage {
	return apiMessage{
		ID:              e.ID,
		ConversationID:  e.ConversationID,
		BookingID:       e.BookingID,
		Originator:      string(e.Originator),
		Direction:       e.Originator.Direction(),
		SenderType:      e.Originator.SenderType(),
		Status:          string(e.Status),
		Body:            e.Body,
		ScheduledSendAt: e.ScheduledSendAt,
		ActualSentAt:    e.ActualSentAt,
		Metadata:        e.Metadata,
		ErrorMessage:    e.ErrorMessage,
		CreatedAt:       e.CreatedAt,
	}
}

func toAPIConversation(c store.Conversation) apiConversation {
	return apiConversation{
		ID:               c.ID,
		BookingID:        c.BookingID,
		Status:           string(c.Status),
		ExternalThreadID: c.ExternalThreadID,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func (s *Server) GetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())
		c, err := s.reader.GetConversation(r.Context(), tn.ID, mux.Vars(r)["id"])
		if err != nil {
			if db.IsNotFound(err) {
				s.Respond(w, r, http.StatusNotFound, errors.New("conversation not found"))
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, toAPIConversation(c))
	}
}

// BookingConversation looks a conversation up by the booking id, which is
// what webhook consumers and operators actually hold.
func (s *Server) BookingConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())
		c, err := s.reader.GetConversationByBooking(r.Context(), tn.ID, mux.Vars(r)["bookingId"])
		if err != nil {
			if db.IsNotFound(err) {
				s.Respond(w, r, http.StatusNotFound, errors.New("no conversation for booking"))
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, toAPIConversation(c))
	}
}

func (s *Server) ConversationMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())
		id := mux.Vars(r)["id"]

		if _, err := s.reader.GetConversation(r.Context(), tn.ID, id); err != nil {
			if db.IsNotFound(err) {
				s.Respond(w, r, http.StatusNotFound, errors.New("conversation not found"))
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}

		entries, err := s.reader.ListConversationMessages(r.Context(), tn.ID, id)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		out := make([]apiMessage, 0, len(entries))
		for _, e := range entries {
			out = append(out, toAPIMessage(e))
		}
		s.Respond(w, r, http.StatusOK, out)
	}
}

func (s *Server) SetConversationStatus() http.HandlerFunc {
	type request struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
			return
		}
		status := store.ConversationStatus(req.Status)
		if status != store.ConversationAutomated && status != store.ConversationPausedByHuman {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("unknown status %q", req.Status))
			return
		}

		if err := s.pipeline.SetConversationStatus(r.Context(), tn, mux.Vars(r)["id"], status); err != nil {
			if db.IsNotFound(err) {
				s.Respond(w, r, http.StatusNotFound, errors.New("conversation not found"))
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"status": req.Status})
	}
}

func (s *Server) CancelConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())
		n, err := s.pipeline.CancelConversation(r.Context(), tn, mux.Vars(r)["id"], cancelReason(r))
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"cancelled": n})
	}
}

func (s *Server) GetMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())
		e, err := s.reader.GetMessage(r.Context(), tn.ID, mux.Vars(r)["id"])
		if err != nil {
			if db.IsNotFound(err) {
				s.Respond(w, r, http.StatusNotFound, errors.New("message not found"))
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, toAPIMessage(e))
	}
}

func (s *Server) CancelMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())
		err := s.pipeline.CancelMessage(r.Context(), tn, mux.Vars(r)["id"], cancelReason(r))
		if err != nil {
			// A message that already settled cannot be cancelled; the
			// cancel/claim race makes this a normal outcome.
			if db.IsNotFound(err) {
				s.Respond(w, r, http.StatusNotFound, errors.New("message not found or already settled"))
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"cancelled": true})
	}
}

func (s *Server) ListTemplates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())
		ts, err := s.templates.List(r.Context(), tn.ID)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, ts)
	}
}

func (s *Server) SetTemplate() http.HandlerFunc {
	type request struct {
		Body string `json:"body"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tn := tenantFrom(r.Context())

		mt := store.MessageType(mux.Vars(r)["type"])
		if _, ok := template.DefaultBody(mt); !ok {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("unknown message type %q", mt))
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
			return
		}
		if req.Body == "" {
			s.Respond(w, r, http.StatusBadRequest, errors.New("template body is required"))
			return
		}

		if err := s.templates.Set(r.Context(), tn.ID, mt, req.Body); err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"messageType": string(mt)})
	}
}

func cancelReason(r *http.Request) string {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Reason != "" {
		return req.Reason
	}
	return "Cancelled by operator"
}

func parseEventDate(s string) time.Time {
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
