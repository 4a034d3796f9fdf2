package alert

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
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Audit-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// WebhookDispatcher posts each alert as JSON to a single receiver, signed
// with a shared secret.
type WebhookDispatcher struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewWebhookDispatcher creates a WebhookDispatcher posting to url.
func NewWebhookDispatcher(url, secret string, logger *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Delay before each attempt.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *WebhookDispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// SetRetryDelays replaces the per-attempt delays. The number of delays is
// the number of attempts.
func (d *WebhookDispatcher) SetRetryDelays(delays ...time.Duration) {
	d.delays = delays
}

// Dispatch implements Dispatcher. Delivery runs in the background.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, eventType string, fields map[string]string) {
	a := Alert{
		Type:      eventType,
		Severity:  Severity(eventType),
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(context.WithoutCancel(ctx), a)
	}()
}

// Wait blocks until every pending delivery has finished.
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

// deliver sends the alert with retries.
func (d *WebhookDispatcher) deliver(ctx context.Context, a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		d.logger.Error("alert: marshal", zap.Error(err))
		return
	}
	signature := signPayload(body, d.secret)

	for attempt, delay := range d.delays {
		if delay > 0 {
			time.Sleep(delay)
		}

		success, errMsg := d.doDelivery(ctx, body, signature)
		if d.onMetrics != nil {
			d.onMetrics(success)
		}
		if success {
			return
		}
		d.logger.Warn("alert: delivery failed",
			zap.String("url", d.url),
			zap.String("alert", a.Type),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
	d.logger.Error("alert: giving up", zap.String("alert", a.Type), zap.Any("fields", a.Fields))
}

// doDelivery performs a single HTTP POST delivery.
func (d *WebhookDispatcher) doDelivery(ctx context.Context, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}
