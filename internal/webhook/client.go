package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/freakifranky/image-creator/internal/id"
)

const (
	HeaderSignature = "X-Image-Creator-Signature"
	HeaderTimestamp = "X-Image-Creator-Timestamp"
	HeaderEvent     = "X-Image-Creator-Event"
	HeaderDelivery  = "X-Image-Creator-Delivery"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// ErrRejected marks a delivery the receiver refused with a 4xx status other
// than 408 and 429. Those are not retried.
var ErrRejected = errors.New("webhook rejected")

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	return &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(1, cfg.MaxAttempts),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     max(cfg.MaxBackoff, cfg.InitialBackoff),
	}
}

// Send posts payload as JSON to endpoint. Every attempt carries the same
// delivery id and signature so receivers can deduplicate. An empty endpoint is
// a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	d := delivery{
		endpoint:  endpoint,
		event:     event,
		id:        id.New(),
		timestamp: strconv.FormatInt(time.Now().UTC().Unix(), 10),
		body:      body,
	}
	d.signature = Sign(c.signingSecret, d.timestamp, body)

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		wait, err := c.attempt(ctx, d)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrRejected) || ctx.Err() != nil || attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(max(backoff, wait)):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return fmt.Errorf("deliver %s to %s: %w", event, endpoint, lastErr)
}

type delivery struct {
	endpoint  string
	event     string
	id        string
	timestamp string
	signature string
	body      []byte
}

// attempt performs one POST. The returned duration is the receiver's
// Retry-After hint, if any.
func (c *Client) attempt(ctx context.Context, d delivery) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(d.body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w: %w", err, ErrRejected)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderDelivery, d.id)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return 0, nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook returned status=%d", code)
	case code >= 400 && code < 500:
		return 0, fmt.Errorf("%w: status=%d", ErrRejected, code)
	default:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook returned status=%d", code)
	}
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Sign computes the signature header value over "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time and rejects timestamps
// older than tolerance. A zero tolerance skips the age check.
func Verify(secret, timestamp, signature string, body []byte, tolerance time.Duration, now time.Time) bool {
	if tolerance > 0 {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return false
		}
		if age := now.Sub(time.Unix(ts, 0)); age > tolerance || age < -tolerance {
			return false
		}
	}
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
