// Package web exposes the synchronous operator API: event intake, bulk sync,
// conversation control, and message history.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/example/guest-scheduler/internal/db"
	"github.com/example/guest-scheduler/internal/enqueue"
	"github.com/example/guest-scheduler/internal/hostaway"
	"github.com/example/guest-scheduler/internal/schedule"
	"github.com/example/guest-scheduler/internal/store"
	"github.com/example/guest-scheduler/internal/tenant"
)

// Pipeline is the write side of the API, implemented by enqueue.Service.
type Pipeline interface {
	Schedule(ctx context.Context, tn tenant.Tenant, res hostaway.Reservation, mode schedule.Mode) (int, error)
	LogGuestMessage(ctx context.Context, tn tenant.Tenant, m enqueue.InboundMessage) (store.MessageLogEntry, bool, error)
	LogHumanReply(ctx context.Context, tn tenant.Tenant, m enqueue.InboundMessage) (store.MessageLogEntry, bool, error)
	QueueAiReply(ctx context.Context, tn tenant.Tenant, r enqueue.AiReply) (store.MessageLogEntry, bool, error)
	SetConversationStatus(ctx context.Context, tn tenant.Tenant, conversationID string, status store.ConversationStatus) error
	CancelMessage(ctx context.Context, tn tenant.Tenant, messageID, reason string) error
	CancelConversation(ctx context.Context, tn tenant.Tenant, conversationID, reason string) (int64, error)
	SyncAll(ctx context.Context, tn tenant.Tenant, pms enqueue.ReservationLister) (int, error)
}

// Reader is the read side, implemented by store.Store.
type Reader interface {
	GetConversation(ctx context.Context, tenantID, conversationID string) (store.Conversation, error)
	GetConversationByBooking(ctx context.Context, tenantID, bookingID string) (store.Conversation, error)
	ListConversationMessages(ctx context.Context, tenantID, conversationID string) ([]store.MessageLogEntry, error)
	GetMessage(ctx context.Context, tenantID, messageID string) (store.MessageLogEntry, error)
}

// TemplateStore manages per-tenant message templates.
type TemplateStore interface {
	Set(ctx context.Context, tenantID string, mt store.MessageType, body string) error
	List(ctx context.Context, tenantID string) (map[store.MessageType]string, error)
}

type Server struct {
	router    *mux.Router
	tenants   tenant.Provider
	pipeline  Pipeline
	reader    Reader
	templates TemplateStore

	// Lister yields the tenant-scoped PMS client used by bulk sync.
	lister func(tenant.Tenant) enqueue.ReservationLister
}

func NewServer(tenants tenant.Provider, pipeline Pipeline, reader Reader, templates TemplateStore, lister func(tenant.Tenant) enqueue.ReservationLister) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		tenants:   tenants,
		pipeline:  pipeline,
		reader:    reader,
		templates: templates,
		lister:    lister,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	c := alice.New()
	c = c.Append(hlog.NewHandler(log.Logger))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	c = c.Append(hlog.RequestIDHandler("reqId", "Request-Id"))
	authed := c.Append(s.requireTenant)

	s.router.Handle("/healthz", c.Then(s.Healthz())).Methods("GET")

	s.router.Handle("/api/v1/events", authed.Then(s.Events())).Methods("POST")
	s.router.Handle("/api/v1/sync", authed.Then(s.Sync())).Methods("POST")
	s.router.Handle("/api/v1/bookings/{bookingId}/conversation", authed.Then(s.BookingConversation())).Methods("GET")
	s.router.Handle("/api/v1/conversations/{id}", authed.Then(s.GetConversation())).Methods("GET")
	s.router.Handle("/api/v1/conversations/{id}/messages", authed.Then(s.ConversationMessages())).Methods("GET")
	s.router.Handle("/api/v1/conversations/{id}/status", authed.Then(s.SetConversationStatus())).Methods("PUT")
	s.router.Handle("/api/v1/conversations/{id}/cancel", authed.Then(s.CancelConversation())).Methods("POST")
	s.router.Handle("/api/v1/messages/{id}", authed.Then(s.GetMessage())).Methods("GET")
	s.router.Handle("/api/v1/messages/{id}/cancel", authed.Then(s.CancelMessage())).Methods("POST")
	s.router.Handle("/api/v1/templates", authed.Then(s.ListTemplates())).Methods("GET")
	s.router.Handle("/api/v1/templates/{type}", authed.Then(s.SetTemplate())).Methods("PUT")
}

type ctxKey int

const tenantKey ctxKey = iota

func tenantFrom(ctx context.Context) tenant.Tenant {
	tn, _ := ctx.Value(tenantKey).(tenant.Tenant)
	return tn
}

func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			s.Respond(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		tn, err := s.tenants.GetByToken(r.Context(), token)
		if err != nil {
			if db.IsNotFound(err) {
				s.Respond(w, r, http.StatusUnauthorized, errors.New("invalid token"))
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("tenant", tn.ID)
		})
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tn)))
	})
}

// Respond writes the uniform JSON envelope. Errors render as {code, error},
// everything else as {code, data}.
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	envelope := map[string]interface{}{"code": status}
	if err, ok := data.(error); ok {
		envelope["success"] = false
		envelope["error"] = err.Error()
	} else {
		envelope["success"] = true
		envelope["data"] = data
	}

	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("could not encode response")
	}
}

func (s *Server) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}
}

// Start serves h on addr until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
