package hostaway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, tokenCalls *int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accessTokens", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "acc-1", r.Form.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-abc", "expires_in": 3600})
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetReservationDecodesEnvelope(t *testing.T) {
	var tokenCalls int32
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/reservations/42", r.URL.Path)
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"result": map[string]any{
				"id":           42,
				"listingMapId": 7,
				"status":       "new",
				"guestName":    "Ada Lovelace",
				"arrivalDate":  "2025-06-10",
				"checkInTime":  15,
			},
		})
	})

	c := NewClient(srv.URL, "acc-1", "secret")
	res, err := c.GetReservation(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, int64(42), res.ID)
	assert.Equal(t, int64(7), res.ListingMapID)
	assert.Equal(t, "Ada Lovelace", res.GuestName)
	require.NotNil(t, res.CheckInTime)
	assert.Equal(t, 15, *res.CheckInTime)
	assert.False(t, res.Cancelled())
}

func TestTokenFetchedOnceAcrossCalls(t *testing.T) {
	var tokenCalls int32
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "result": map[string]any{"id": 1}})
	})

	c := NewClient(srv.URL, "acc-1", "secret")
	ctx := context.Background()
	_, err := c.GetReservation(ctx, "1")
	require.NoError(t, err)
	_, err = c.GetListing(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}

func TestSendConversationMessagePostsBody(t *testing.T) {
	var tokenCalls int32
	var gotBody map[string]string
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/conversations/99/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})

	c := NewClient(srv.URL, "acc-1", "secret")
	err := c.SendConversationMessage(context.Background(), 99, "hello there", "email")
	require.NoError(t, err)
	assert.Equal(t, "hello there", gotBody["body"])
	assert.Equal(t, "email", gotBody["communicationType"])
}

func TestErrorStatusSurfaces(t *testing.T) {
	var tokenCalls int32
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"fail","message":"reservation not found"}`, http.StatusNotFound)
	})

	c := NewClient(srv.URL, "acc-1", "secret")
	_, err := c.GetReservation(context.Background(), "404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCancelledStatus(t *testing.T) {
	assert.True(t, Reservation{Status: "cancelled"}.Cancelled())
	assert.True(t, Reservation{Status: "Cancelled"}.Cancelled())
	assert.False(t, Reservation{Status: "modified"}.Cancelled())
}

func TestForTenantReusesClient(t *testing.T) {
	api := NewAPI("http://localhost:0")
	a := api.ForTenant("acc-1", "s1")
	b := api.ForTenant("acc-1", "s1")
	other := api.ForTenant("acc-2", "s2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
}
