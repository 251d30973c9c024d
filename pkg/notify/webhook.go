package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/otherjamesbrown/penf-triage/pkg/logging"
)

// WebhookConfig configures the webhook dispatcher.
type WebhookConfig struct {
	// URL is the delivery-bot webhook endpoint.
	URL string `yaml:"url"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	// Timeout bounds each delivery call.
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookDispatcher implements Dispatcher by posting JSON to a delivery-bot
// webhook. The bot owns channel specifics (chat, push); this side only
// honors the send/edit contract.
type WebhookDispatcher struct {
	config     WebhookConfig
	httpClient *http.Client
	logger     logging.Logger
}

// NewWebhookDispatcher creates a webhook-backed dispatcher.
func NewWebhookDispatcher(cfg WebhookConfig, logger logging.Logger) *WebhookDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WebhookDispatcher{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(logging.F("component", "webhook_dispatcher")),
	}
}

// webhookRequest is the JSON body posted to the delivery bot.
type webhookRequest struct {
	Op         string   `json:"op"` // "send" or "edit"
	OwnerID    string   `json:"owner_id"`
	Text       string   `json:"text"`
	Choices    []Choice `json:"choices,omitempty"`
	MessageRef string   `json:"message_ref,omitempty"`
}

// webhookResponse is the delivery bot's reply.
type webhookResponse struct {
	MessageRef string `json:"message_ref"`
}

// SendWithChoices posts a send operation and returns the bot's message ref.
func (d *WebhookDispatcher) SendWithChoices(ctx context.Context, ownerID, text string, choices []Choice) (MessageRef, error) {
	resp, err := d.post(ctx, webhookRequest{
		Op:      "send",
		OwnerID: ownerID,
		Text:    text,
		Choices: choices,
	})
	if err != nil {
		return "", err
	}
	if resp.MessageRef == "" {
		return "", fmt.Errorf("delivery bot returned no message_ref")
	}
	return MessageRef(resp.MessageRef), nil
}

// EditMessage posts an edit operation for a previously sent message.
func (d *WebhookDispatcher) EditMessage(ctx context.Context, ownerID string, ref MessageRef, newText string) error {
	_, err := d.post(ctx, webhookRequest{
		Op:         "edit",
		OwnerID:    ownerID,
		Text:       newText,
		MessageRef: string(ref),
	})
	return err
}

func (d *WebhookDispatcher) post(ctx context.Context, payload webhookRequest) (*webhookResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.config.Token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(data))
	}

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode webhook response: %w", err)
	}

	d.logger.Debug("Webhook delivery completed",
		logging.F("op", payload.Op),
		logging.F("owner_id", payload.OwnerID))

	return &out, nil
}

// Verify interface compliance
var _ Dispatcher = (*WebhookDispatcher)(nil)
