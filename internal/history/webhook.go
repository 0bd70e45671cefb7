package history

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Relay-Signature"

// WebhookSink posts every record to an external API as
// {"event_type": ..., "payload": ...}, signed with a shared secret.
type WebhookSink struct {
	endpoint string
	secret   string
	client   *http.Client
}

func NewWebhookSink(endpoint, secret string, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{endpoint: endpoint, secret: secret, client: client}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSink) WriteConnectionEvent(ctx context.Context, e ConnectionEvent) error {
	return s.post(ctx, "connection_event", e)
}

func (s *WebhookSink) WriteMessage(ctx context.Context, m Message) error {
	return s.post(ctx, "message", m)
}

func (s *WebhookSink) WriteLog(ctx context.Context, l Log) error {
	return s.post(ctx, "log", l)
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *WebhookSink) post(ctx context.Context, eventType string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"event_type": eventType,
		"payload":    payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s rejected with status %d: %s", eventType, resp.StatusCode, string(data))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
