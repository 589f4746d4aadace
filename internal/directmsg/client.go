// Package directmsg sends SMS through the direct-message gateway. It is the
// preferred channel whenever a reservation carries a phone number.
package directmsg

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type Client struct {
	http *resty.Client
}

func New(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(10 * time.Second),
	}
}

type sendRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendDirectMessage delivers one SMS. Credentials are per tenant, so they
// travel with the call rather than the client.
func (c *Client) SendDirectMessage(ctx context.Context, apiKey, from, to, body string) error {
	if apiKey == "" {
		return fmt.Errorf("directmsg: tenant has no api key")
	}
	if to == "" {
		return fmt.Errorf("directmsg: empty destination number")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetBody(sendRequest{From: from, To: to, Body: body}).
		Post("/v1/messages")
	if err != nil {
		return fmt.Errorf("directmsg send to %s: %w", to, err)
	}
	if resp.IsError() {
		return fmt.Errorf("directmsg send to %s: status %s: %s", to, resp.Status(), resp.String())
	}
	return nil
}
