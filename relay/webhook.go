package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/posttroll/addressreceiver"
)

// WebhookNotifier dispatches an HMAC-SHA256-signed HTTP POST to configured
// webhook URLs whenever a publisher's address set changes.
type WebhookNotifier struct {
	urls   []string
	secret string
	logger *zap.Logger
	client *http.Client
}

// NewWebhookNotifier constructs a WebhookNotifier posting to urls, signed
// with secret, with a default 10s per-request timeout.
func NewWebhookNotifier(urls []string, secret string, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		urls:   urls,
		secret: secret,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Attach wires w as the OnChange hook of receiver.
func (w *WebhookNotifier) Attach(receiver *addressreceiver.Receiver) {
	receiver.OnChange = w.handle
}

func (w *WebhookNotifier) handle(ev addressreceiver.ChangeEvent) {
	kind := "register"
	if ev.Type == addressreceiver.EventEvict {
		kind = "evict"
	}
	payload := addressEvent{
		Event:     kind,
		Address:   ev.Advertisement.Address,
		Name:      ev.Advertisement.Name,
		Aliases:   ev.Advertisement.Aliases,
		Timestamp: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	for _, url := range w.urls {
		if err := w.dispatch(ctx, url, payload); err != nil {
			w.logger.Warn("relay: webhook delivery failed", zap.String("url", url), zap.Error(err))
		}
	}
}

func (w *WebhookNotifier) dispatch(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	sig := computeHMAC(w.secret, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Posttroll-Signature", sig)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	w.logger.Info("relay: webhook delivered", zap.String("url", url), zap.Int("status", resp.StatusCode))
	return nil
}

func computeHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
