package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// AttemptRecord captures one delivery attempt for audit.
type AttemptRecord struct {
	Kind           string
	TransactionID  uuid.UUID
	AttemptNumber  int
	URL            string
	Payload        []byte
	StatusCode     int
	ResponseBody   string
	ResponseTimeMs int64
	Success        bool
}

// AttemptRecorder persists delivery attempts. A nil recorder disables
// attempt auditing.
type AttemptRecorder interface {
	RecordAlertAttempt(ctx context.Context, rec AttemptRecord) error
}

// Notifier posts signed alert payloads to an ops webhook URL with bounded
// retries. Each attempt is recorded for audit.
type Notifier struct {
	url      string
	secret   string
	client   *http.Client
	attempts AttemptRecorder
}

// NewNotifier creates an ops webhook notifier
func NewNotifier(url, secret string, attempts AttemptRecorder) *Notifier {
	return &Notifier{
		url:      url,
		secret:   secret,
		attempts: attempts,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// Alert delivers the alert, retrying with short backoff. Failures are logged
// but never propagated; the ops channel is best-effort by design.
func (n *Notifier) Alert(ctx context.Context, a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		log.Printf("Failed to marshal alert %s for %s: %v", a.Kind, a.TransactionID, err)
		return
	}

	signature := generateSignature(payload, []byte(n.secret))

	backoff := []time.Duration{0, 5 * time.Second, 15 * time.Second}
	for attempt := 1; attempt <= len(backoff); attempt++ {
		if attempt > 1 {
			log.Printf("Alert retry %d/%d for %s", attempt, len(backoff), a.TransactionID)
			time.Sleep(backoff[attempt-1])
		}

		success, statusCode, responseBody, responseTime := n.deliver(ctx, payload, signature)

		if n.attempts != nil {
			rec := AttemptRecord{
				Kind:           a.Kind,
				TransactionID:  a.TransactionID,
				AttemptNumber:  attempt,
				URL:            n.url,
				Payload:        payload,
				StatusCode:     statusCode,
				ResponseBody:   responseBody,
				ResponseTimeMs: responseTime,
				Success:        success,
			}
			if err := n.attempts.RecordAlertAttempt(ctx, rec); err != nil {
				log.Printf("Failed to record alert attempt: %v", err)
			}
		}

		if success {
			return
		}
	}

	log.Printf("Alert delivery failed after %d attempts [%s] transaction=%s: %s",
		3, a.Kind, a.TransactionID, a.Message)
}

// deliver performs the actual HTTP POST
func (n *Notifier) deliver(ctx context.Context, payload []byte, signature string) (bool, int, string, int64) {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return false, 0, err.Error(), 0
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)

	resp, err := n.client.Do(req)
	responseTime := time.Since(startTime).Milliseconds()

	if err != nil {
		return false, 0, err.Error(), responseTime
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	success := resp.StatusCode >= 200 && resp.StatusCode < 300

	return success, resp.StatusCode, string(body), responseTime
}

// generateSignature creates HMAC-SHA256 signature
func generateSignature(payload, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
