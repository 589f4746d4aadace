package deliver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/guest-scheduler/internal/db"
	"github.com/example/guest-scheduler/internal/hostaway"
	"github.com/example/guest-scheduler/internal/store"
	"github.com/example/guest-scheduler/internal/tenant"
)

type fakeSettler struct {
	sentID      string
	sentBody    string
	sentChannel string
	sentErr     error

	failedID     string
	failedReason string

	threadConv string
	threadID   string
}

func (f *fakeSettler) MarkSent(ctx context.Context, id, body, channel string) error {
	f.sentID, f.sentBody, f.sentChannel = id, body, channel
	return f.sentErr
}

func (f *fakeSettler) MarkFailed(ctx context.Context, id, reason string) error {
	f.failedID, f.failedReason = id, reason
	return nil
}

func (f *fakeSettler) SetConversationThread(ctx context.Context, tenantID, conversationID, threadID string) error {
	f.threadConv, f.threadID = conversationID, threadID
	return nil
}

type fakePMS struct {
	res    hostaway.Reservation
	resErr error

	listing      hostaway.Listing
	listingErr   error
	listingCalls int

	convs    []hostaway.Conversation
	convsErr error

	threadID   int64
	threadBody string
	threadKind string
	threadErr  error

	guestResID string
	guestBody  string
	guestErr   error
}

func (f *fakePMS) GetReservation(ctx context.Context, id string) (hostaway.Reservation, error) {
	return f.res, f.resErr
}

func (f *fakePMS) GetListing(ctx context.Context, id int64) (hostaway.Listing, error) {
	f.listingCalls++
	return f.listing, f.listingErr
}

func (f *fakePMS) GetReservationConversations(ctx context.Context, reservationID string) ([]hostaway.Conversation, error) {
	return f.convs, f.convsErr
}

func (f *fakePMS) SendConversationMessage(ctx context.Context, conversationID int64, body, channelKind string) error {
	f.threadID, f.threadBody, f.threadKind = conversationID, body, channelKind
	return f.threadErr
}

func (f *fakePMS) SendMessageToGuest(ctx context.Context, reservationID string, body string) error {
	f.guestResID, f.guestBody = reservationID, body
	return f.guestErr
}

type fakeDirect struct {
	apiKey string
	from   string
	to     string
	body   string
	calls  int
	err    error
}

func (f *fakeDirect) SendDirectMessage(ctx context.Context, apiKey, from, to, body string) error {
	f.calls++
	f.apiKey, f.from, f.to, f.body = apiKey, from, to, body
	return f.err
}

type fakeTemplates struct {
	body  string
	err   error
	calls int
}

func (f *fakeTemplates) Get(ctx context.Context, tenantID string, mt store.MessageType) (string, error) {
	f.calls++
	return f.body, f.err
}

type fakeTenants struct {
	t   tenant.Tenant
	err error
}

func (f *fakeTenants) GetByID(ctx context.Context, id string) (tenant.Tenant, error) {
	return f.t, f.err
}

type harness struct {
	exec    *Executor
	settler *fakeSettler
	pms     *fakePMS
	direct  *fakeDirect
	tmpl    *fakeTemplates
}

func newHarness(tn tenant.Tenant) *harness {
	h := &harness{
		settler: &fakeSettler{},
		pms:     &fakePMS{},
		direct:  &fakeDirect{},
		tmpl:    &fakeTemplates{body: "Hi {{guestName}}"},
	}
	h.pms.res = hostaway.Reservation{ID: 9001, Status: "confirmed", GuestFirstName: "Ada"}
	h.exec = &Executor{
		Store:        h.settler,
		Tenants:      &fakeTenants{t: tn},
		Templates:    h.tmpl,
		PMSForTenant: func(tenant.Tenant) PMS { return h.pms },
		Direct:       h.direct,
		Listings:     NewListingCache(time.Minute),
	}
	return h
}

func testClaim(mt store.MessageType) store.Claim {
	md := store.Metadata{}
	if mt != "" {
		md[store.MetaMessageType] = string(mt)
		md[store.MetaReservationID] = "9001"
	}
	return store.Claim{
		Entry: store.MessageLogEntry{
			ID:             "msg-1",
			ConversationID: "conv-1",
			TenantID:       "tn-1",
			BookingID:      "9001",
			Originator:     store.OriginatorSystem,
			Status:         store.StatusProcessing,
			Metadata:       md,
		},
		ConversationStatus: store.ConversationAutomated,
	}
}

func TestExecutePausedConversationFailsWithoutSending(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1", SMSAPIKey: "key", SMSFromNumber: "+10"})
	c := testClaim(store.TypePreArrival24h)
	c.ConversationStatus = store.ConversationPausedByHuman

	h.exec.Execute(context.Background(), c)

	assert.Equal(t, "msg-1", h.settler.failedID)
	assert.Equal(t, store.ReasonPaused, h.settler.failedReason)
	assert.Zero(t, h.direct.calls)
	assert.Empty(t, h.pms.guestResID)
	assert.Empty(t, h.settler.sentID)
}

func TestExecuteMissingTypeFails(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})

	h.exec.Execute(context.Background(), testClaim(""))

	assert.Equal(t, store.ReasonMissingType, h.settler.failedReason)
	assert.Zero(t, h.direct.calls)
}

func TestExecuteCancelledReservationFails(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1", SMSAPIKey: "key"})
	h.pms.res.Status = "cancelled"
	h.pms.res.Phone = "+441234"

	h.exec.Execute(context.Background(), testClaim(store.TypePreArrival24h))

	assert.Equal(t, store.ReasonReservationCancelled, h.settler.failedReason)
	assert.Zero(t, h.direct.calls)
	assert.Empty(t, h.settler.sentID)
}

func TestExecuteSendsSMSFirst(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1", SMSAPIKey: "sk-1", SMSFromNumber: "+1999"})
	h.pms.res.Phone = "+441234"
	tid := "55"
	c := testClaim(store.TypePreArrival24h)
	c.ExternalThreadID = &tid

	h.exec.Execute(context.Background(), c)

	require.Equal(t, 1, h.direct.calls)
	assert.Equal(t, "sk-1", h.direct.apiKey)
	assert.Equal(t, "+1999", h.direct.from)
	assert.Equal(t, "+441234", h.direct.to)
	assert.Equal(t, "Hi Ada", h.direct.body)
	assert.Equal(t, ChannelSMS, h.settler.sentChannel)
	assert.Equal(t, "Hi Ada", h.settler.sentBody)
	assert.Zero(t, h.pms.threadID)
}

func TestExecuteUsesThreadWhenNoPhone(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1", SMSAPIKey: "sk-1"})
	tid := "55"
	c := testClaim(store.TypePreArrival24h)
	c.ExternalThreadID = &tid

	h.exec.Execute(context.Background(), c)

	assert.Zero(t, h.direct.calls)
	assert.Equal(t, int64(55), h.pms.threadID)
	assert.Equal(t, "Hi Ada", h.pms.threadBody)
	assert.Equal(t, "channel", h.pms.threadKind)
	assert.Equal(t, ChannelThread, h.settler.sentChannel)
}

func TestExecuteLooksUpAndLinksThread(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	h.pms.convs = []hostaway.Conversation{{ID: 42, ReservationID: 9001, Type: "email"}}

	h.exec.Execute(context.Background(), testClaim(store.TypeSameDayCheckin))

	assert.Equal(t, int64(42), h.pms.threadID)
	assert.Equal(t, "email", h.pms.threadKind, "a freshly looked-up thread keeps its own kind")
	assert.Equal(t, "conv-1", h.settler.threadConv)
	assert.Equal(t, "42", h.settler.threadID)
	assert.Equal(t, ChannelThread, h.settler.sentChannel)
}

func TestExecuteFallsBackToReservationSend(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})

	h.exec.Execute(context.Background(), testClaim(store.TypeSameDayCheckin))

	assert.Equal(t, "9001", h.pms.guestResID)
	assert.Equal(t, "Hi Ada", h.pms.guestBody)
	assert.Equal(t, ChannelReservation, h.settler.sentChannel)
}

func TestExecuteThreadLookupErrorFallsBack(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	h.pms.convsErr = errors.New("upstream 500")

	h.exec.Execute(context.Background(), testClaim(store.TypeSameDayCheckin))

	assert.Equal(t, "9001", h.pms.guestResID)
	assert.Equal(t, ChannelReservation, h.settler.sentChannel)
	assert.Empty(t, h.settler.failedID)
}

func TestExecuteDoorCodeBypassesListingCache(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	h.tmpl.body = "Code: {{doorCode}}"
	h.pms.res.ListingMapID = 7
	h.pms.listing = hostaway.Listing{ID: 7, DoorSecurityCode: "3141"}
	h.exec.Listings.Set("tn-1", 7, hostaway.Listing{ID: 7, DoorSecurityCode: "0000"})

	h.exec.Execute(context.Background(), testClaim(store.TypeDoorCode3h))

	assert.Equal(t, 1, h.pms.listingCalls)
	assert.Equal(t, "Code: 3141", h.settler.sentBody)

	fresh, ok := h.exec.Listings.Get("tn-1", 7)
	require.True(t, ok)
	assert.Equal(t, "3141", fresh.DoorSecurityCode)
}

func TestExecuteServesListingFromCache(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	h.tmpl.body = "Welcome to {{propertyName}}"
	h.pms.res.ListingMapID = 7
	h.exec.Listings.Set("tn-1", 7, hostaway.Listing{ID: 7, Name: "Sea View"})

	h.exec.Execute(context.Background(), testClaim(store.TypePreArrival24h))

	assert.Zero(t, h.pms.listingCalls)
	assert.Equal(t, "Welcome to Sea View", h.settler.sentBody)
}

func TestExecuteAiReplyUsesStoredBody(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	c := testClaim(store.TypeAiReply)
	c.Entry.Originator = store.OriginatorAi
	c.Entry.Body = "The pool opens at 8am."

	h.exec.Execute(context.Background(), c)

	assert.Zero(t, h.tmpl.calls)
	assert.Equal(t, "The pool opens at 8am.", h.settler.sentBody)
}

func TestExecuteEmptyBodyFails(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	c := testClaim(store.TypeAiReply)
	c.Entry.Originator = store.OriginatorAi
	c.Entry.Body = ""

	h.exec.Execute(context.Background(), c)

	assert.Equal(t, store.ReasonEmptyBody, h.settler.failedReason)
	assert.Empty(t, h.pms.guestResID)
}

func TestExecuteSendErrorSettlesFailed(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1", SMSAPIKey: "sk-1"})
	h.pms.res.Phone = "+441234"
	h.direct.err = errors.New("gateway rejected recipient")

	h.exec.Execute(context.Background(), testClaim(store.TypePreArrival24h))

	assert.Equal(t, "msg-1", h.settler.failedID)
	assert.Equal(t, "gateway rejected recipient", h.settler.failedReason)
	assert.Empty(t, h.settler.sentID)
}

func TestExecuteReservationFetchErrorSettlesFailed(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	h.pms.resErr = errors.New("hostaway GET /v1/reservations/9001: 502 Bad Gateway")

	h.exec.Execute(context.Background(), testClaim(store.TypePreArrival24h))

	assert.Equal(t, "hostaway GET /v1/reservations/9001: 502 Bad Gateway", h.settler.failedReason)
}

func TestExecuteTemplateErrorSettlesFailed(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	h.tmpl.err = errors.New(`no template for message type "pre_arrival_24h"`)

	h.exec.Execute(context.Background(), testClaim(store.TypePreArrival24h))

	assert.Equal(t, `no template for message type "pre_arrival_24h"`, h.settler.failedReason)
}

func TestExecuteMarkSentRaceKeepsOtherOutcome(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	h.settler.sentErr = db.ErrNotFound

	h.exec.Execute(context.Background(), testClaim(store.TypeSameDayCheckin))

	// The send happened but the row was settled elsewhere. No failure write.
	assert.Equal(t, "9001", h.pms.guestResID)
	assert.Empty(t, h.settler.failedID)
}

func TestExecuteBadThreadIDFails(t *testing.T) {
	h := newHarness(tenant.Tenant{ID: "tn-1"})
	tid := "not-a-number"
	c := testClaim(store.TypeSameDayCheckin)
	c.ExternalThreadID = &tid

	h.exec.Execute(context.Background(), c)

	assert.Contains(t, h.settler.failedReason, "bad thread id")
}

func TestBuildVars(t *testing.T) {
	checkIn := 16
	res := hostaway.Reservation{
		GuestName:     "Ada Lovelace",
		Phone:         "+441234",
		ArrivalDate:   "2025-06-10",
		DepartureDate: "2025-06-14",
		CheckInTime:   &checkIn,
	}
	listing := hostaway.Listing{
		Name:             "Sea View",
		WifiUsername:     "seaview-guest",
		WifiPassword:     "waves",
		DoorSecurityCode: "3141",
	}

	vars := buildVars(res, listing)

	assert.Equal(t, "Ada Lovelace", vars["guestName"])
	assert.Equal(t, "Sea View", vars["propertyName"])
	assert.Equal(t, "3141", vars["doorCode"])
	assert.Equal(t, "seaview-guest", vars["wifiName"])
	assert.Equal(t, "waves", vars["wifiPassword"])
	assert.Equal(t, "16:00", vars["checkInTime"])
	assert.Equal(t, "10:00", vars["checkOutTime"])
	assert.Equal(t, "2025-06-10", vars["checkInDate"])
}

func TestBuildVarsPrefersFirstNameAndFallsBackOnListingInternalName(t *testing.T) {
	res := hostaway.Reservation{GuestName: "Ada Lovelace", GuestFirstName: "Ada"}
	listing := hostaway.Listing{InternalName: "flat-12b"}

	vars := buildVars(res, listing)

	assert.Equal(t, "Ada", vars["guestName"])
	assert.Equal(t, "flat-12b", vars["propertyName"])
}

func TestHourString(t *testing.T) {
	nine := 9
	bad := 25
	assert.Equal(t, "15:00", hourString(nil, 15))
	assert.Equal(t, "09:00", hourString(&nine, 15))
	assert.Equal(t, "10:00", hourString(&bad, 10))
}
