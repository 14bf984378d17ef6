package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ---------------------------------------------------------------------------
// PortOne Payment Verification
// The frontend completes the payment and sends us the payment id; we verify
// server-side against PortOne before touching order state. Never trust the
// client's claim that a payment happened.
// ---------------------------------------------------------------------------

const portOneBaseURL = "https://api.portone.io"

// PaymentService verifies payments against the PortOne API.
type PaymentService struct {
	apiSecret  string
	httpClient *http.Client
}

// NewPaymentService creates a PortOne payment verification service.
func NewPaymentService(apiSecret string) *PaymentService {
	return &PaymentService{
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// portOnePayment is the subset of GET /payments/{paymentId} we care about.
type portOnePayment struct {
	Status string `json:"status"`
	Amount struct {
		Total int `json:"total"`
	} `json:"amount"`
}

// VerifyPayment confirms with PortOne that the payment identified by
// paymentKey is completed and matches the expected amount. Returns an error
// describing the mismatch otherwise.
func (s *PaymentService) VerifyPayment(ctx context.Context, paymentKey string, expectedAmount int) error {
	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/payments/%s", portOneBaseURL, url.PathEscape(paymentKey)), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "PortOne "+s.apiSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment lookup failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portone returned status %d: %s", resp.StatusCode, string(body))
	}

	var payment portOnePayment
	if err := json.Unmarshal(body, &payment); err != nil {
		return fmt.Errorf("failed to parse payment: %w (body: %s)", err, string(body))
	}

	if payment.Status != "PAID" {
		return fmt.Errorf("payment %s is not completed (status=%s)", paymentKey, payment.Status)
	}

	if payment.Amount.Total != expectedAmount {
		return fmt.Errorf("payment %s amount mismatch: paid %d, expected %d", paymentKey, payment.Amount.Total, expectedAmount)
	}

	return nil
}
