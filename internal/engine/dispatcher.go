package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

// Dispatcher delivers a rendered message to a client. The engine does not
// know or care whether delivery is push, SMS or in-app chat.
type Dispatcher interface {
	SendMessage(ctx context.Context, clientID, renderedText, locale string) (string, error)
}

// LogDispatcher logs messages instead of delivering them. Development default.
type LogDispatcher struct {
	logger internal.Logger
}

func NewLogDispatcher(logger internal.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) SendMessage(ctx context.Context, clientID, renderedText, locale string) (string, error) {
	id := uuid.NewString()
	d.logger.Infof("dispatch [%s] to client %s (%s): %s", id, clientID, locale, renderedText)
	return id, nil
}

// WebhookDispatcher posts messages to a delivery service over HTTP.
type WebhookDispatcher struct {
	URL        string
	HTTPClient *http.Client
	logger     internal.Logger
}

func NewWebhookDispatcher(url string, timeout time.Duration, logger internal.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		URL:        url,
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type webhookPayload struct {
	ClientID string `json:"client_id"`
	Text     string `json:"text"`
	Locale   string `json:"locale"`
}

type webhookResponse struct {
	DispatchID string `json:"dispatch_id"`
}

func (d *WebhookDispatcher) SendMessage(ctx context.Context, clientID, renderedText, locale string) (string, error) {
	body, err := json.Marshal(webhookPayload{ClientID: clientID, Text: renderedText, Locale: locale})
	if err != nil {
		return "", &internal.DispatchError{ClientID: clientID, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return "", &internal.DispatchError{ClientID: clientID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		d.logger.Errorf("webhook dispatch failed for client %s: %v", clientID, err)
		return "", &internal.DispatchError{ClientID: clientID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Errorf("webhook dispatch for client %s returned %d", clientID, resp.StatusCode)
		return "", &internal.DispatchError{
			ClientID: clientID,
			Err:      fmt.Errorf("delivery service returned status %d", resp.StatusCode),
		}
	}

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.DispatchID == "" {
		// Delivery succeeded; the id is only for the audit trail.
		return uuid.NewString(), nil
	}
	return out.DispatchID, nil
}
