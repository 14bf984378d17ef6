package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/momentable/keepsake/internal/models"
)

// ---------------------------------------------------------------------------
// Notification Service
// Customer SMS via Solapi and operator alerts via Slack webhook. Both are
// best-effort: a notification failure is logged, never propagated — it must
// not fail an order.
// ---------------------------------------------------------------------------

const solapiSendURL = "https://api.solapi.com/messages/v4/send"

// NotifyService sends customer SMS and operator Slack alerts.
// Any unconfigured channel is skipped with a log line.
type NotifyService struct {
	smsAPIKey    string
	smsAPISecret string
	smsSender    string
	slackWebhook string
	httpClient   *http.Client
}

// NewNotifyService creates the notification service. Empty credentials
// disable the corresponding channel.
func NewNotifyService(smsAPIKey, smsAPISecret, smsSender, slackWebhook string) *NotifyService {
	return &NotifyService{
		smsAPIKey:    smsAPIKey,
		smsAPISecret: smsAPISecret,
		smsSender:    smsSender,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// SendOrderConfirmation tells the customer their order was received and where
// to upload photos.
func (s *NotifyService) SendOrderConfirmation(ctx context.Context, order *models.Order) {
	msg := fmt.Sprintf("[Keepsake] %s님, 주문이 접수되었습니다. 사진을 업로드해 주시면 영상 제작이 시작됩니다.", order.CustomerName)
	s.sendSMS(ctx, order.CustomerPhone, msg)
}

// SendUploadReminder nudges a paid customer who hasn't uploaded photos yet.
func (s *NotifyService) SendUploadReminder(ctx context.Context, order *models.Order) {
	msg := fmt.Sprintf("[Keepsake] %s님, 아직 사진이 업로드되지 않았어요. 사진을 올려주시면 바로 영상 제작을 시작할게요!", order.CustomerName)
	s.sendSMS(ctx, order.CustomerPhone, msg)
}

// SendCompletionNotice delivers the download link to the customer and posts a
// completion note to the operator channel.
func (s *NotifyService) SendCompletionNotice(ctx context.Context, order *models.Order, downloadURL string) {
	msg := fmt.Sprintf("[Keepsake] %s님의 기념 영상이 완성되었습니다! %d시간 동안 다운로드하실 수 있어요.\n%s",
		order.CustomerName, models.DownloadExpireHours, downloadURL)
	s.sendSMS(ctx, order.CustomerPhone, msg)
	s.postSlack(ctx, fmt.Sprintf(":white_check_mark: Order %s completed (%d photos)", order.ID, order.PhotoCount))
}

// SendFailureAlert notifies operators that an order needs attention.
func (s *NotifyService) SendFailureAlert(ctx context.Context, order *models.Order, reason string) {
	s.postSlack(ctx, fmt.Sprintf(":rotating_light: Order %s FAILED (retries=%d): %s", order.ID, order.RetryCount, reason))
}

// sendSMS fires the message in a goroutine so callers never block on the
// SMS provider. Failures are logged and dropped.
func (s *NotifyService) sendSMS(ctx context.Context, phone, text string) {
	if s.smsAPIKey == "" || s.smsAPISecret == "" || s.smsSender == "" {
		log.Printf("[Notify] SMS not configured, skipping message to %s", phone)
		return
	}

	go func() {
		// Detach from the caller's context — the order pipeline finishing
		// must not cancel an in-flight notification.
		sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.doSendSMS(sendCtx, phone, text); err != nil {
			log.Printf("[Notify] Failed to send SMS to %s: %v", phone, err)
		} else {
			log.Printf("[Notify] SMS sent to %s", phone)
		}
	}()
}

func (s *NotifyService) doSendSMS(ctx context.Context, phone, text string) error {
	payload := map[string]interface{}{
		"message": map[string]string{
			"to":   phone,
			"from": s.smsSender,
			"text": text,
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SMS payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", solapiSendURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", s.solapiAuthHeader())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("solapi returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// solapiAuthHeader builds the HMAC-SHA256 authorization header Solapi
// requires: the signature covers the ISO-8601 date concatenated with a
// random salt, keyed by the API secret.
func (s *NotifyService) solapiAuthHeader() string {
	date := time.Now().UTC().Format(time.RFC3339)
	salt := randomHex(16)

	mac := hmac.New(sha256.New, []byte(s.smsAPISecret))
	mac.Write([]byte(date + salt))
	signature := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("HMAC-SHA256 apiKey=%s, date=%s, salt=%s, signature=%s",
		s.smsAPIKey, date, salt, signature)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// a fixed salt only weakens replay protection for this one call.
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}

// postSlack fires a message to the operator webhook in a goroutine.
func (s *NotifyService) postSlack(ctx context.Context, text string) {
	if s.slackWebhook == "" {
		log.Printf("[Notify] Slack not configured, skipping alert: %s", text)
		return
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		payload, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			log.Printf("[Notify] Failed to marshal Slack payload: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(sendCtx, "POST", s.slackWebhook, bytes.NewReader(payload))
		if err != nil {
			log.Printf("[Notify] Failed to create Slack request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			log.Printf("[Notify] Failed to post Slack alert: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			log.Printf("[Notify] Slack returned status %d: %s", resp.StatusCode, string(body))
		}
	}()
}
