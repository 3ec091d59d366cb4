package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/g960059/glasscloud/internal/wire"
)

const webhookResponseLimit = 64 * 1024

// WebhookError is a non-2xx answer from a TPA server's webhook.
type WebhookError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *WebhookError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("webhook %s: http %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("webhook %s: http %d", e.URL, e.StatusCode)
}

// HTTPWebhookSender posts session_request bodies to TPA servers.
type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender(client *http.Client) *HTTPWebhookSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPWebhookSender{client: client}
}

func (w *HTTPWebhookSender) SendSessionRequest(ctx context.Context, url string, req wire.SessionRequest) error {
	if req.Type == "" {
		req.Type = wire.TypeSessionRequest
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return fmt.Errorf("encode session request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post session webhook: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, webhookResponseLimit))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &WebhookError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	return nil
}
