package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/acmeshop/checkout/internal/checkout"
)

// Client talks to the external payment-session provider. It implements
// checkout.PaymentGateway. No timeout on the http.Client itself; every
// request is bounded by its context.
type Client struct {
	BaseURL    string
	APIKey     string
	SuccessURL string
	CancelURL  string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey, siteURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		SuccessURL: siteURL + "/checkout/success?session_id={SESSION_ID}",
		CancelURL:  siteURL + "/cart",
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
	}
}

type sessionLine struct {
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
}

type sessionRequest struct {
	Mode              string        `json:"mode"`
	Currency          string        `json:"currency"`
	LineItems         []sessionLine `json:"line_items"`
	SuccessURL        string        `json:"success_url"`
	CancelURL         string        `json:"cancel_url"`
	CustomerEmail     *string       `json:"customer_email,omitempty"`
	ClientReferenceID string        `json:"client_reference_id"`
	ExpiresAt         int64         `json:"expires_at"`
}

type sessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (c *Client) CreateSession(ctx context.Context, req checkout.PaymentRequest) (*checkout.PaymentSession, error) {
	lines := make([]sessionLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = sessionLine{Name: l.Name, Quantity: l.Quantity, UnitAmount: l.UnitAmountCents}
	}
	body, err := json.Marshal(sessionRequest{
		Mode:              "payment",
		Currency:          "usd",
		LineItems:         lines,
		SuccessURL:        c.SuccessURL,
		CancelURL:         c.CancelURL,
		CustomerEmail:     req.Email,
		ClientReferenceID: req.Reference,
		ExpiresAt:         req.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Cap the echo so provider error bodies stay log-sized.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("payment provider returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	if out.ID == "" || out.URL == "" {
		return nil, fmt.Errorf("payment provider returned incomplete session")
	}
	return &checkout.PaymentSession{ID: out.ID, URL: out.URL}, nil
}

var _ checkout.PaymentGateway = (*Client)(nil)
