package server

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-balance-go/internal/gateway"
	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
)

type userRequest struct {
	UserID  string `json:"user_id"`
	Premium bool   `json:"premium"`
	Locale  string `json:"locale"`
}

type balanceResponse struct {
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Display   string    `json:"display"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at"`
}

type transactionResponse struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Delta       int64          `json:"delta"`
	Currency    string         `json:"currency"`
	ExternalID  string         `json:"external_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func toTransaction(tx ledger.Transaction) transactionResponse {
	out := transactionResponse{
		ID:         tx.ID,
		UserID:     tx.UserID,
		Type:       string(tx.Type),
		Status:     string(tx.Status),
		Delta:      tx.Delta,
		Currency:   tx.Currency,
		ExternalID: tx.ExternalID,
		CreatedAt:  tx.CreatedAt,
		UpdatedAt:  tx.UpdatedAt,
	}
	if tx.Metadata != nil {
		out.Metadata = tx.Metadata.AsMap()
	}
	if !tx.CompletedAt.IsZero() {
		at := tx.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

type purchaseRequest struct {
	Item           string `json:"item"`
	Quantity       int64  `json:"quantity"`
	Price          int64  `json:"price"`
	Channel        string `json:"channel"`
	Provider       string `json:"provider"`
	IdempotencyKey string `json:"idempotency_key"`
}

type invoiceResponse struct {
	UUID     string `json:"uuid"`
	OrderID  string `json:"order_id"`
	URL      string `json:"url"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func toInvoice(inv *gateway.Invoice) *invoiceResponse {
	if inv == nil {
		return nil
	}
	return &invoiceResponse{UUID: inv.UUID, OrderID: inv.OrderID, URL: inv.URL, Amount: inv.Amount.String(), Currency: inv.Currency}
}

type purchaseResponse struct {
	Channel     string               `json:"channel"`
	Status      string               `json:"status"`
	Replayed    bool                 `json:"replayed"`
	Balance     *int64               `json:"balance,omitempty"`
	Transaction *transactionResponse `json:"transaction,omitempty"`
	Invoice     *invoiceResponse     `json:"invoice,omitempty"`
	Reference   string               `json:"reference,omitempty"`
}

type rechargeRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type rechargeResponse struct {
	Transaction transactionResponse `json:"transaction"`
	Invoice     *invoiceResponse    `json:"invoice,omitempty"`
}

type tokenRequest struct {
	OperatorID string `json:"operator_id"`
	Secret     string `json:"secret"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type adjustmentRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type suspiciousRequest struct {
	Hours int `json:"hours"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type applyResponse struct {
	Applied     bool                `json:"applied"`
	Balance     int64               `json:"balance"`
	Transaction transactionResponse `json:"transaction"`
}

func toApply(res ledger.ApplyResult) applyResponse {
	return applyResponse{Applied: res.Applied, Balance: res.Balance, Transaction: toTransaction(res.Transaction)}
}

type errorResponse struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}
