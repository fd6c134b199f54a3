package notify

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
	"time"

	"github.com/prateushsharma/amlbot/internal/idgen"
)

// Webhook headers. The signature is hex HMAC-SHA256 of the raw body keyed
// with the shared secret.
const (
	HeaderEvent     = "X-Amlbot-Event"
	HeaderTimestamp = "X-Amlbot-Timestamp"
	HeaderSignature = "X-Amlbot-Signature"
)

// Webhook POSTs each notification as a JSON Message to a fixed URL.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhook creates a sink for url. An empty secret sends unsigned requests.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (w *Webhook) Notify(ctx context.Context, subscriberExternalID, message string) error {
	sentAt := w.now().UTC()
	payload, err := json.Marshal(Message{
		ID:           idgen.WithPrefix("ntf_"),
		SubscriberID: subscriberExternalID,
		Message:      message,
		SentAt:       sentAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, "alert")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(sentAt.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature a receiver should compare against HeaderSignature.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
