// Package hostaway is a narrow client for the PMS API: reservations,
// listings, conversation threads and the per-reservation send fallback.
package hostaway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// API hands out per-tenant clients. Clients are cached so their access
// tokens survive across jobs instead of being re-fetched per send.
type API struct {
	baseURL string
	clients *cache.Cache
}

func NewAPI(baseURL string) *API {
	return &API{
		baseURL: baseURL,
		clients: cache.New(time.Hour, 2*time.Hour),
	}
}

func (a *API) ForTenant(accountID, apiSecret string) *Client {
	if v, found := a.clients.Get(accountID); found {
		return v.(*Client)
	}
	c := NewClient(a.baseURL, accountID, apiSecret)
	a.clients.Set(accountID, c, cache.DefaultExpiration)
	return c
}

type Client struct {
	http      *resty.Client
	accountID string
	apiSecret string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewClient(baseURL, accountID, apiSecret string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(15 * time.Second),
		accountID: accountID,
		apiSecret: apiSecret,
	}
}

type Reservation struct {
	ID              int64  `json:"id"`
	ListingMapID    int64  `json:"listingMapId"`
	ChannelID       int64  `json:"channelId"`
	Status          string `json:"status"`
	GuestName       string `json:"guestName"`
	GuestFirstName  string `json:"guestFirstName"`
	Phone           string `json:"phone"`
	ArrivalDate     string `json:"arrivalDate"`
	DepartureDate   string `json:"departureDate"`
	CheckInTime     *int   `json:"checkInTime"`
	CheckOutTime    *int   `json:"checkOutTime"`
	TimeZoneName    string `json:"timeZoneName"`
	ReservationDate string `json:"reservationDate"`
}

func (r Reservation) Cancelled() bool {
	return strings.EqualFold(r.Status, "cancelled")
}

type Listing struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	InternalName     string `json:"internalListingName"`
	TimeZoneName     string `json:"timeZoneName"`
	WifiUsername     string `json:"wifiUsername"`
	WifiPassword     string `json:"wifiPassword"`
	DoorSecurityCode string `json:"doorSecurityCode"`
	CheckInTimeStart *int   `json:"checkInTimeStart"`
	CheckOutTime     *int   `json:"checkOutTime"`
}

type Conversation struct {
	ID            int64  `json:"id"`
	ReservationID int64  `json:"reservationId"`
	Type          string `json:"type"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp.Add(-time.Minute)) {
		return c.token, nil
	}

	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.accountID,
			"client_secret": c.apiSecret,
			"scope":         "general",
		}).
		SetResult(&tok).
		Post("/v1/accessTokens")
	if err != nil {
		return "", fmt.Errorf("hostaway token request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("hostaway token request: status %s: %s", resp.Status(), resp.String())
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("hostaway token request: empty access_token")
	}

	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	log.Debug().Str("accountId", c.accountID).Time("expires", c.tokenExp).Msg("refreshed hostaway access token")
	return c.token, nil
}

type reservationResult struct {
	Status string      `json:"status"`
	Result Reservation `json:"result"`
}

func (c *Client) GetReservation(ctx context.Context, id string) (Reservation, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return Reservation{}, err
	}

	var out reservationResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get("/v1/reservations/" + id)
	if err != nil {
		return Reservation{}, fmt.Errorf("hostaway GetReservation %s: %w", id, err)
	}
	if resp.IsError() {
		return Reservation{}, fmt.Errorf("hostaway GetReservation %s: status %s: %s", id, resp.Status(), resp.String())
	}
	return out.Result, nil
}

type reservationListResult struct {
	Status string        `json:"status"`
	Result []Reservation `json:"result"`
}

// ListReservations pages through the account's reservations; it powers the
// bulk initial sync.
func (c *Client) ListReservations(ctx context.Context, limit, offset int) ([]Reservation, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var out reservationListResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetQueryParam("offset", fmt.Sprintf("%d", offset)).
		SetResult(&out).
		Get("/v1/reservations")
	if err != nil {
		return nil, fmt.Errorf("hostaway ListReservations: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hostaway ListReservations: status %s: %s", resp.Status(), resp.String())
	}
	return out.Result, nil
}

type listingResult struct {
	Status string  `json:"status"`
	Result Listing `json:"result"`
}

func (c *Client) GetListing(ctx context.Context, id int64) (Listing, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return Listing{}, err
	}

	var out listingResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/listings/%d", id))
	if err != nil {
		return Listing{}, fmt.Errorf("hostaway GetListing %d: %w", id, err)
	}
	if resp.IsError() {
		return Listing{}, fmt.Errorf("hostaway GetListing %d: status %s: %s", id, resp.Status(), resp.String())
	}
	return out.Result, nil
}

type conversationListResult struct {
	Status string         `json:"status"`
	Result []Conversation `json:"result"`
}

// GetReservationConversations returns the provider threads attached to a
// reservation, used to link a conversation before sending through one.
func (c *Client) GetReservationConversations(ctx context.Context, reservationID string) ([]Conversation, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var out conversationListResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("reservationId", reservationID).
		SetResult(&out).
		Get("/v1/conversations")
	if err != nil {
		return nil, fmt.Errorf("hostaway GetReservationConversations %s: %w", reservationID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hostaway GetReservationConversations %s: status %s: %s", reservationID, resp.Status(), resp.String())
	}
	return out.Result, nil
}

// SendConversationMessage posts into a provider thread. channelKind is the
// provider's communication type for the thread ("channel", "email", "sms").
func (c *Client) SendConversationMessage(ctx context.Context, conversationID int64, body, channelKind string) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"body": body, "communicationType": channelKind}).
		Post(fmt.Sprintf("/v1/conversations/%d/messages", conversationID))
	if err != nil {
		return fmt.Errorf("hostaway SendConversationMessage %d: %w", conversationID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("hostaway SendConversationMessage %d: status %s: %s", conversationID, resp.Status(), resp.String())
	}
	return nil
}

// SendMessageToGuest is the generic per-reservation send used when no
// thread is known and none can be linked.
func (c *Client) SendMessageToGuest(ctx context.Context, reservationID string, body string) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"body": body}).
		Post("/v1/reservations/" + reservationID + "/messages")
	if err != nil {
		return fmt.Errorf("hostaway SendMessageToGuest %s: %w", reservationID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("hostaway SendMessageToGuest %s: status %s: %s", reservationID, resp.Status(), resp.String())
	}
	return nil
}
