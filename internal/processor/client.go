// Package processor is the outbound client for the payment processor's REST
// API. The processor owns the schema; only the fields reconciliation needs
// are decoded here.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chowline/recon/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrResourceNotFound     = errors.New("processor resource not found")
	ErrUnauthorized         = errors.New("processor credential rejected")
	ErrProcessorUnavailable = errors.New("processor api unavailable")
)

// Module provides the processor API client.
var Module = fx.Module("processor",
	fx.Provide(NewClient),
)

// Payment is the processor's authoritative view of a one-off payment.
type Payment struct {
	ID                string  `json:"-"`
	Status            string  `json:"status"`
	StatusDetail      string  `json:"status_detail"`
	ExternalReference string  `json:"external_reference"`
	PayerEmail        string  `json:"-"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
	DateApproved      string  `json:"date_approved"`
}

// Preapproval is the processor's authoritative view of a subscription.
type Preapproval struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
	PayerEmail        string `json:"payer_email"`
	Reason            string `json:"reason"`
	NextPaymentDate   string `json:"next_payment_date"`
}

type paymentBody struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount float64     `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
	DateApproved      string      `json:"date_approved"`
	Payer             struct {
		Email string `json:"email"`
	} `json:"payer"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.ProcessorBaseURL, "/"),
		token:   cfg.ProcessorToken,
		httpClient: &http.Client{
			Timeout: cfg.ProcessorTimeout,
		},
		log: log.Named("processor"),
	}
}

// GetPayment fetches the authoritative state of a payment.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	raw, err := c.get(ctx, fmt.Sprintf("/v1/payments/%s", id))
	if err != nil {
		return nil, err
	}

	var body paymentBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode payment %s: %w", id, err)
	}
	return &Payment{
		ID:                body.ID.String(),
		Status:            strings.ToLower(strings.TrimSpace(body.Status)),
		StatusDetail:      body.StatusDetail,
		ExternalReference: strings.TrimSpace(body.ExternalReference),
		PayerEmail:        strings.TrimSpace(body.Payer.Email),
		TransactionAmount: body.TransactionAmount,
		CurrencyID:        body.CurrencyID,
		DateApproved:      body.DateApproved,
	}, nil
}

// GetPreapproval fetches the authoritative state of a subscription.
func (c *Client) GetPreapproval(ctx context.Context, id string) (*Preapproval, error) {
	raw, err := c.get(ctx, fmt.Sprintf("/preapproval/%s", id))
	if err != nil {
		return nil, err
	}

	var body Preapproval
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode preapproval %s: %w", id, err)
	}
	body.Status = strings.ToLower(strings.TrimSpace(body.Status))
	body.ExternalReference = strings.TrimSpace(body.ExternalReference)
	body.PayerEmail = strings.TrimSpace(body.PayerEmail)
	return &body, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrResourceNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrProcessorUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("processor returned status %d for %s", resp.StatusCode, path)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	return raw, nil
}

// Healthy reports whether the client has a credential configured.
func (c *Client) Healthy() bool {
	return c.token != ""
}
