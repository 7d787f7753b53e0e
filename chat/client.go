// Package chat is the Chat Adapter: a thin typed REST client over
// *http.Client wearing a bearer token, plus the two inbound variants
// (webhook ingress, SQS long-poll) that turn raw wire messages into
// InboundMessage values.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog/log"
)

const defaultEndpoint = "https://api.ciscospark.com/v1"

// Client is the outbound half of the Chat Adapter: a bearer-token
// authenticated REST client wrapping *http.Client, grounded on the
// Pipeline/buildkite.Client shape of a typed wrapper with a BaseURL.
type Client struct {
	BaseURL    *url.URL
	BotToken   string
	BotID      string
	HTTPClient *http.Client
}

// PersonDetails is the "people/me" response used to resolve the bot's
// own identity at startup, so inbound messages authored by the bot can
// be filtered at ingress.
type PersonDetails struct {
	ID     string   `json:"id"`
	Emails []string `json:"emails"`
}

// Message is a chat message as returned by GET messages/{id}.
type Message struct {
	ID          string `json:"id"`
	PersonID    string `json:"personId"`
	PersonEmail string `json:"personEmail"`
	RoomID      string `json:"roomId"`
	Text        string `json:"text"`
	Markdown    string `json:"markdown,omitempty"`
}

// webhookRegistration is the POST body for registering a new webhook.
type webhookRegistration struct {
	Name      string `json:"name"`
	TargetURL string `json:"targetUrl"`
	Resource  string `json:"resource"`
	Event     string `json:"event"`
}

// Webhook is one entry of the GET webhooks listing.
type Webhook struct {
	ID        string `json:"id"`
	TargetURL string `json:"targetUrl"`
	Resource  string `json:"resource"`
	Event     string `json:"event"`
}

type webhooksResponse struct {
	Items []Webhook `json:"items"`
}

// listWebhooksQuery is encoded via go-querystring, the same role it
// played for the teacher's Buildkite REST client's list endpoints.
type listWebhooksQuery struct {
	Max int `url:"max,omitempty"`
}

// NewClient builds a Client against endpoint (or the default chat API
// base URL if empty) and resolves the bot's own identity.
func NewClient(ctx context.Context, endpoint, botToken string) (*Client, error) {
	base := defaultEndpoint
	if endpoint != "" {
		base = endpoint
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse chat endpoint %q: %w", base, err)
	}
	c := &Client{BaseURL: u, BotToken: botToken, HTTPClient: http.DefaultClient}

	details, err := c.getBotID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve bot identity: %w", err)
	}
	c.BotID = details.ID
	return c, nil
}

func (c *Client) resource(path string) string {
	return c.BaseURL.JoinPath(path).String()
}

func (c *Client) do(ctx context.Context, method, path string, q any, body, out any) error {
	u := c.resource(path)
	if q != nil {
		values, err := query.Values(q)
		if err != nil {
			return fmt.Errorf("encode query: %w", err)
		}
		if encoded := values.Encode(); encoded != "" {
			u += "?" + encoded
		}
	}

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.BotToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return &StatusError{Code: res.StatusCode}
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError carries an HTTP status code so callers can distinguish
// permanent (4xx non-429) from retryable failures.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("chat api returned status %d", e.Code) }

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func (c *Client) getBotID(ctx context.Context) (*PersonDetails, error) {
	var details PersonDetails
	if err := c.do(ctx, http.MethodGet, "people/me", nil, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// ListWebhooks returns every webhook currently registered for this bot.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var resp webhooksResponse
	if err := c.do(ctx, http.MethodGet, "webhooks", listWebhooksQuery{Max: 100}, nil, &resp); err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return resp.Items, nil
}

// DeleteWebhook removes one registered webhook by id. A 404 is treated
// as success, matching delete-then-recreate idempotency.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "webhooks/"+id, nil, nil, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) addWebhook(ctx context.Context, targetURL string) error {
	reg := webhookRegistration{
		Name:      "gerritbot",
		TargetURL: targetURL,
		Resource:  "messages",
		Event:     "created",
	}
	return c.do(ctx, http.MethodPost, "webhooks", nil, reg, nil)
}

// RegisterWebhook deletes every previously registered "messages/created"
// webhook for this bot, then registers targetURL as the sole one, per
// the startup contract in §4.4.
func (c *Client) RegisterWebhook(ctx context.Context, targetURL string) error {
	existing, err := c.ListWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	for _, wh := range existing {
		if wh.Resource != "messages" || wh.Event != "created" {
			continue
		}
		log.Debug().Str("webhook_id", wh.ID).Str("target_url", wh.TargetURL).Msg("removing stale webhook")
		if err := c.DeleteWebhook(ctx, wh.ID); err != nil {
			return fmt.Errorf("register webhook: delete stale %s: %w", wh.ID, err)
		}
	}
	return c.addWebhook(ctx, targetURL)
}

// GetMessage resolves a message id to its content, used by both inbound
// variants since a webhook/queue delivery carries only a pointer.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodGet, "messages/"+messageID, nil, nil, &msg); err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return &msg, nil
}

type createMessageBody struct {
	ToPersonID string `json:"toPersonId,omitempty"`
	Markdown   string `json:"markdown"`
}

// Send posts markdownText to toUserID, retrying transient failures with
// exponential backoff up to a bounded number of attempts; a permanent
// failure (4xx other than 429) is returned immediately so the caller can
// drop and log it without further retries.
func (c *Client) Send(ctx context.Context, toUserID, markdownText string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		err := c.do(ctx, http.MethodPost, "messages", nil, createMessageBody{
			ToPersonID: toUserID,
			Markdown:   markdownText,
		}, nil)
		if err == nil {
			return nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.retryable() {
			return err
		}

		wait := policy.NextBackOff()
		log.Warn().Err(err).Str("to", toUserID).Dur("retry_in", wait).Msg("outbound chat send failed, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("send to %s: giving up after retries: %w", toUserID, lastErr)
}
