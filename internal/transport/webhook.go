package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reminders/internal/domain"
	"reminders/internal/serialization"
)

// Webhook POSTs the serialized message to http and https recipients.
type Webhook struct {
	client  *http.Client
	encoder Encoder
	method  string
	headers map[string]string
}

type WebhookOption func(*Webhook)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

func WithMethod(method string) WebhookOption {
	return func(w *Webhook) { w.method = method }
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) WebhookOption {
	return func(w *Webhook) { w.headers[key] = value }
}

func NewWebhook(enc Encoder, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		client:  &http.Client{Timeout: 30 * time.Second},
		encoder: enc,
		method:  http.MethodPost,
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Resolve(_ context.Context, addr domain.Address) (Recipient, error) {
	if addr.Scheme != "http" && addr.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s is not an http address", ErrUnreachable, addr)
	}
	if addr.Host == "" {
		return nil, fmt.Errorf("%w: %s has no host", ErrUnreachable, addr)
	}
	return addressRecipient{addr: addr}, nil
}

func (w *Webhook) Send(ctx context.Context, to Recipient, msg any) error {
	env, err := w.encoder.Serialize(msg)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, to.Address().String(), bytes.NewReader(env.Body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType(env))
	req.Header.Set(HeaderSerializer, strconv.Itoa(int(env.SerializerID)))
	if env.Manifest != "" {
		req.Header.Set(HeaderManifest, env.Manifest)
	}
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// Check for HTTP errors (4xx, 5xx)
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func contentType(env serialization.Envelope) string {
	switch env.SerializerID {
	case serialization.StringSerializerID:
		return "text/plain; charset=utf-8"
	case serialization.RawJSONSerializerID, serialization.JSONSerializerID:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
