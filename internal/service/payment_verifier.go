package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPaymentVerifier confirms payment references against the external
// payments service
type HTTPPaymentVerifier struct {
	verifyURL  string
	httpClient *http.Client
}

// NewHTTPPaymentVerifier creates a new HTTPPaymentVerifier
func NewHTTPPaymentVerifier(verifyURL string) *HTTPPaymentVerifier {
	return &HTTPPaymentVerifier{
		verifyURL:  verifyURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// VerifyPayment implements PaymentVerifier
func (v *HTTPPaymentVerifier) VerifyPayment(ctx context.Context, userID uint, reference string) error {
	body, err := json.Marshal(map[string]interface{}{
		"user_id":   userID,
		"reference": reference,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payment verification returned %d", resp.StatusCode)
	}

	return nil
}
