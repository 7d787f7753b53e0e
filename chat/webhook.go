package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// InboundMessage is what both ingress variants (webhook, SQS) produce
// after resolving a pointer envelope to its message content and
// dropping anything authored by the bot itself.
type InboundMessage struct {
	PersonID    string
	PersonEmail string
	Text        string
}

// webhookEnvelope is the POST body a chat webhook delivers: a pointer to
// a message, not the message itself.
type webhookEnvelope struct {
	Resource string `json:"resource"`
	Event    string `json:"event"`
	Data     struct {
		ID       string `json:"id"`
		PersonID string `json:"personId"`
	} `json:"data"`
}

// WebhookHandler is an http.Handler that accepts chat webhook POSTs,
// resolves each pointer to its message content via client, and emits
// InboundMessage values on Messages. It rejects non-POST, non-root,
// non-JSON requests, matching the reject_webhook_request contract.
type WebhookHandler struct {
	Client   *Client
	Messages chan<- InboundMessage
}

func NewWebhookHandler(client *Client, messages chan<- InboundMessage) *WebhookHandler {
	return &WebhookHandler{Client: client, Messages: messages}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	var envelope webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		log.Warn().Err(err).Msg("failed to decode webhook body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	if envelope.Data.PersonID == h.Client.BotID {
		return
	}

	msg, err := h.Client.GetMessage(r.Context(), envelope.Data.ID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", envelope.Data.ID).Msg("failed to resolve webhook message pointer")
		return
	}
	h.deliver(*msg)
}

func (h *WebhookHandler) deliver(msg Message) {
	select {
	case h.Messages <- InboundMessage{PersonID: msg.PersonID, PersonEmail: msg.PersonEmail, Text: msg.Text}:
	default:
		log.Warn().Str("person_id", msg.PersonID).Msg("inbound chat message queue full, dropping")
	}
}

// fetchMessage is used by the queue variant: resolve a pointer envelope
// to a message, filtering the bot's own messages at ingress.
// WebhookHandler.ServeHTTP applies the same filter and lookup inline.
func fetchMessage(ctx context.Context, client *Client, personID, messageID string) (*InboundMessage, error) {
	if personID == client.BotID {
		return nil, nil
	}
	msg, err := client.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &InboundMessage{PersonID: msg.PersonID, PersonEmail: msg.PersonEmail, Text: msg.Text}, nil
}
