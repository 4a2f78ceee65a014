// Package gateway talks to the external payment provider that issues invoices
// for gateway-funded purchases and recharges.
package gateway

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

type InvoiceRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	CallbackURL string
	Lifetime    time.Duration
}

type Invoice struct {
	UUID     string
	OrderID  string
	URL      string
	Amount   decimal.Decimal
	Currency string
}

type PaymentInfo struct {
	UUID     string
	OrderID  string
	Status   string
	Amount   decimal.Decimal
	Currency string
}

// Client is the provider surface the orchestrator depends on.
type Client interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)
	PaymentInfo(ctx context.Context, invoiceUUID string) (PaymentInfo, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment gateway: HTTP %d: %s", e.Code, e.Body)
}

// Unwrap classifies the response. Rejections (4xx other than 404 and 429) are
// permanent. Everything else is a transient outage.
func (e *StatusError) Unwrap() error {
	if e.Code >= 400 && e.Code < 500 && e.Code != http.StatusNotFound && e.Code != http.StatusTooManyRequests {
		return apperr.ErrValidation
	}
	return apperr.ErrGatewayUnavailable
}

// IsFailure reports whether err says the provider is unhealthy. Rejected
// requests prove the provider is up.
func IsFailure(err error) bool {
	return err != nil && !errors.Is(err, apperr.ErrValidation)
}

type HTTPConfig struct {
	BaseURL     string
	MerchantID  string
	APIKey      string
	CallbackURL string
	Lifetime    time.Duration
	Timeout     time.Duration
}

// HTTPClient signs each request body with md5(base64(body) + api key) in the
// sign header, next to the merchant header.
type HTTPClient struct {
	cfg  HTTPConfig
	http *http.Client
}

func NewHTTPClient(cfg HTTPConfig, hc *http.Client) *HTTPClient {
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, http: hc}
}

func Sign(body []byte, apiKey string) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(body) + apiKey))
	return hex.EncodeToString(sum[:])
}

type invoicePayload struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	URLCallback string `json:"url_callback,omitempty"`
	Lifetime    int64  `json:"lifetime,omitempty"`
}

type providerResult struct {
	UUID          string `json:"uuid"`
	OrderID       string `json:"order_id"`
	URL           string `json:"url"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PaymentStatus string `json:"payment_status"`
}

type providerEnvelope struct {
	State   int            `json:"state"`
	Message string         `json:"message"`
	Result  providerResult `json:"result"`
}

func (c *HTTPClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	callback := req.CallbackURL
	if callback == "" {
		callback = c.cfg.CallbackURL
	}
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = c.cfg.Lifetime
	}
	payload := invoicePayload{
		Amount:      req.Amount.String(),
		Currency:    req.Currency,
		OrderID:     req.OrderID,
		URLCallback: callback,
		Lifetime:    int64(lifetime / time.Second),
	}
	res, err := c.post(ctx, "/payment", payload)
	if err != nil {
		return Invoice{}, err
	}
	if res.UUID == "" || res.URL == "" {
		return Invoice{}, fmt.Errorf("payment gateway: invoice response missing uuid or url: %w", apperr.ErrGatewayUnavailable)
	}
	inv := Invoice{UUID: res.UUID, OrderID: res.OrderID, URL: res.URL, Amount: req.Amount, Currency: req.Currency}
	if inv.OrderID == "" {
		inv.OrderID = req.OrderID
	}
	return inv, nil
}

func (c *HTTPClient) PaymentInfo(ctx context.Context, invoiceUUID string) (PaymentInfo, error) {
	if invoiceUUID == "" {
		return PaymentInfo{}, apperr.Invalid("uuid", "invoice uuid is required")
	}
	res, err := c.post(ctx, "/payment/info", map[string]string{"uuid": invoiceUUID})
	if err != nil {
		return PaymentInfo{}, err
	}
	info := PaymentInfo{UUID: res.UUID, OrderID: res.OrderID, Status: res.PaymentStatus, Currency: res.Currency}
	if res.Amount != "" {
		amt, err := decimal.NewFromString(res.Amount)
		if err != nil {
			return PaymentInfo{}, fmt.Errorf("payment gateway: amount %q: %w", res.Amount, apperr.ErrGatewayUnavailable)
		}
		info.Amount = amt
	}
	return info, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) (providerResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return providerResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return providerResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("merchant", c.cfg.MerchantID)
	req.Header.Set("sign", Sign(body, c.cfg.APIKey))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return providerResult{}, ctx.Err()
		}
		return providerResult{}, fmt.Errorf("payment gateway: %w: %w", apperr.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providerResult{}, fmt.Errorf("payment gateway: read body: %w: %w", apperr.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providerResult{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	var env providerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return providerResult{}, fmt.Errorf("payment gateway: decode response: %w: %w", apperr.ErrGatewayUnavailable, err)
	}
	if env.State != 0 {
		return providerResult{}, &StatusError{Code: http.StatusUnprocessableEntity, Body: env.Message}
	}
	return env.Result, nil
}
