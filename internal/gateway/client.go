// Package gateway is the REST adapter for the external payment gateway. It
// never decides whether money should move; it only carries requests the
// escrow manager has already recorded and classifies failures as transient
// or permanent.
package gateway

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
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/pkg/models"
)

type ChargeRequest struct {
	Reference string          `json:"reference"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Kind      string          `json:"kind"`
}

type ChargeResult struct {
	ChargeID    string `json:"charge_id"`
	CheckoutURL string `json:"checkout_url"`
	Status      string `json:"status"`
}

type PayoutRequest struct {
	Reference string          `json:"reference"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type PayoutResult struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
}

type RefundRequest struct {
	Reference string          `json:"reference"`
	ChargeID  string          `json:"charge_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type RefundResult struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

// Client talks to the payment gateway's REST API.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func New(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateCharge asks the gateway to collect money from a user. The reference
// is the idempotency key: the gateway deduplicates on it, so retrying a
// transient failure with the same reference cannot double-charge.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	out := &ChargeResult{}
	if err := c.post(ctx, "create charge", "/charges", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePayout asks the gateway to pay money out to a user.
func (c *Client) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	out := &PayoutResult{}
	if err := c.post(ctx, "create payout", "/payouts", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Refund asks the gateway to return a collected charge to the payer.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	out := &RefundResult{}
	if err := c.post(ctx, "refund", "/refunds", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.GatewayError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &models.GatewayError{Op: op, Transient: true,
			Err: fmt.Errorf("gateway returned %s", resp.Status)}
	}
	if resp.StatusCode >= 400 {
		return &models.GatewayError{Op: op, Transient: false,
			Err: fmt.Errorf("gateway returned %s: %s", resp.Status, readError(resp.Body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.GatewayError{Op: op, Transient: true,
			Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func readError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no error body"
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(data)
}

// Sign computes the hex HMAC-SHA256 tag the gateway attaches to callback
// bodies.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback body against its signature header in
// constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
