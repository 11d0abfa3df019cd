package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to the hosted-page payment provider: checkout creation
// (push side) and status lookup (pull side).
type Client struct {
	tokens *TokenService
	cfg    Config
	client *http.Client
}

// Config holds provider endpoint configuration
type Config struct {
	CheckoutURL string
	StatusURL   string
}

// NewClient creates a new provider API client
func NewClient(tokens *TokenService, cfg Config) *Client {
	return &Client{
		tokens: tokens,
		cfg:    cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// CheckoutRequest describes one hosted payment page to create
type CheckoutRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	Reference   string
	CallbackURL string
	ReturnURL   string
}

// CheckoutResult is the provider's answer to a checkout creation call
type CheckoutResult struct {
	PageRef    string
	PaymentURL string
	Raw        []byte
}

// StatusResult is the provider's answer to a status lookup call
type StatusResult struct {
	Status       string
	ProviderTxID string
	Description  string
	Raw          []byte
}

type checkoutAPIRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url"`
	ReturnURL   string `json:"return_url"`
}

type checkoutAPIResponse struct {
	ResponseCode string `json:"response_code"`
	Description  string `json:"description"`
	PageRef      string `json:"page_ref"`
	PaymentURL   string `json:"payment_url"`
}

type statusAPIRequest struct {
	PageRef string `json:"page_ref"`
}

type statusAPIResponse struct {
	ResponseCode  string `json:"response_code"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Description   string `json:"description"`
}

// CreateCheckout asks the provider for a hosted payment page and returns the
// page reference later used to correlate webhooks and status lookups.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	apiReq := checkoutAPIRequest{
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		Description: req.Description,
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		ReturnURL:   req.ReturnURL,
	}

	raw, err := c.post(ctx, c.cfg.CheckoutURL, apiReq)
	if err != nil {
		return nil, err
	}

	var apiResp checkoutAPIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout response: %w", err)
	}

	if apiResp.ResponseCode != "0" {
		return nil, fmt.Errorf("checkout creation error: %s", apiResp.Description)
	}
	if apiResp.PageRef == "" || apiResp.PaymentURL == "" {
		return nil, fmt.Errorf("checkout response missing page reference or payment URL")
	}

	return &CheckoutResult{
		PageRef:    apiResp.PageRef,
		PaymentURL: apiResp.PaymentURL,
		Raw:        raw,
	}, nil
}

// LookupStatus queries the provider's status API for a page reference
func (c *Client) LookupStatus(ctx context.Context, pageRef string) (*StatusResult, error) {
	raw, err := c.post(ctx, c.cfg.StatusURL, statusAPIRequest{PageRef: pageRef})
	if err != nil {
		return nil, err
	}

	var apiResp statusAPIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status response: %w", err)
	}

	if apiResp.ResponseCode != "0" {
		return nil, fmt.Errorf("status lookup error: %s", apiResp.Description)
	}

	return &StatusResult{
		Status:       apiResp.Status,
		ProviderTxID: apiResp.TransactionID,
		Description:  apiResp.Description,
		Raw:          raw,
	}, nil
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider call failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
