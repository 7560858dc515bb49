// Package webhook delivers webhook automation actions as signed HTTP calls.
package webhook

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
	"strconv"
	"strings"
	"time"

	"pipeline_engine_backend/platform/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	SignatureHeader = "X-Pipeline-Signature"
	TimestampHeader = "X-Pipeline-Timestamp"
	DeliveryHeader  = "X-Pipeline-Delivery"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

// StatusError is returned when the receiver answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the call cannot succeed. Client errors
// other than 408 and 429 are permanent.
func (e *StatusError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Call is one outbound delivery.
type Call struct {
	DeliveryID string
	URL        string
	Method     string
	Body       any
}

type Client struct {
	http   *http.Client
	secret []byte
	now    func() time.Time
}

// NewClient builds a client from config. Requests are traced through the
// global OpenTelemetry provider.
func NewClient(cfg config.WebhookConfig) *Client {
	timeout := cfg.GetWebhookTimeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		secret: []byte(cfg.GetWebhookSigningSecret()),
		now:    time.Now,
	}
}

func (c *Client) Send(ctx context.Context, call Call) error {
	if strings.TrimSpace(call.URL) == "" {
		return fmt.Errorf("webhook url is required")
	}
	method := strings.ToUpper(call.Method)
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(call.Body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, call.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, timestamp)
	if call.DeliveryID != "" {
		req.Header.Set(DeliveryHeader, call.DeliveryID)
	}
	if len(c.secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(c.secret, timestamp, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign computes the hex HMAC-SHA256 of "timestamp.body".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value produced by Send.
func Verify(secret []byte, timestamp string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, timestamp, body))
	return hmac.Equal(got, want)
}
