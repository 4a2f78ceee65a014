// Package webhook verifies and applies payment provider callbacks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature in constant time.
func Verify(body []byte, secret, provided string) error {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return &apperr.AuthenticationError{Message: "missing webhook signature"}
	}
	got, err := hex.DecodeString(strings.TrimPrefix(provided, "sha256="))
	if err != nil {
		return &apperr.AuthenticationError{Message: "malformed webhook signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return &apperr.AuthenticationError{Message: "invalid webhook signature"}
	}
	return nil
}

var statusAliases = map[string]ledger.Status{
	"pending":       ledger.StatusPending,
	"processing":    ledger.StatusProcessing,
	"process":       ledger.StatusProcessing,
	"check":         ledger.StatusProcessing,
	"confirm_check": ledger.StatusProcessing,
	"completed":     ledger.StatusCompleted,
	"paid":          ledger.StatusCompleted,
	"paid_over":     ledger.StatusCompleted,
	"failed":        ledger.StatusFailed,
	"fail":          ledger.StatusFailed,
	"system_fail":   ledger.StatusFailed,
	"wrong_amount":  ledger.StatusFailed,
	"cancelled":     ledger.StatusCancelled,
	"canceled":      ledger.StatusCancelled,
	"cancel":        ledger.StatusCancelled,
	"expired":       ledger.StatusExpired,
	"refunded":      ledger.StatusRefunded,
	"refund_paid":   ledger.StatusRefunded,
}

// NormalizeStatus maps a provider status, including its aliases, onto the
// ledger status set.
func NormalizeStatus(raw string) (ledger.Status, bool) {
	st, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return st, ok
}

type Payload struct {
	ExternalID string
	Status     ledger.Status
	RawStatus  string
	Amount     decimal.Decimal
	HasAmount  bool
	Currency   string
	Metadata   *structpb.Struct
}

type wirePayload struct {
	ExternalID    string          `json:"external_id"`
	OrderID       string          `json:"order_id"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	Amount        json.RawMessage `json:"amount"`
	Currency      string          `json:"currency"`
	Metadata      json.RawMessage `json:"metadata"`
}

func ParsePayload(body []byte) (Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(body, &w); err != nil {
		return Payload{}, apperr.Invalid("body", "malformed JSON")
	}
	p := Payload{ExternalID: strings.TrimSpace(w.ExternalID), Currency: strings.ToUpper(strings.TrimSpace(w.Currency))}
	if p.ExternalID == "" {
		p.ExternalID = strings.TrimSpace(w.OrderID)
	}
	if p.ExternalID == "" {
		return Payload{}, apperr.Invalid("external_id", "required")
	}
	p.RawStatus = w.Status
	if p.RawStatus == "" {
		p.RawStatus = w.PaymentStatus
	}
	if p.RawStatus == "" {
		return Payload{}, apperr.Invalid("status", "required")
	}
	st, ok := NormalizeStatus(p.RawStatus)
	if !ok {
		return Payload{}, apperr.Invalid("status", fmt.Sprintf("unknown status %q", p.RawStatus))
	}
	p.Status = st
	if raw := strings.Trim(string(w.Amount), `"`); raw != "" && raw != "null" {
		amt, err := decimal.NewFromString(raw)
		if err != nil {
			return Payload{}, apperr.Invalid("amount", fmt.Sprintf("%q is not a decimal", raw))
		}
		if amt.IsNegative() {
			return Payload{}, apperr.Invalid("amount", "must not be negative")
		}
		p.Amount = amt
		p.HasAmount = true
	}
	if len(w.Metadata) > 0 && string(w.Metadata) != "null" {
		md := &structpb.Struct{}
		if err := protojson.Unmarshal(w.Metadata, md); err != nil {
			return Payload{}, apperr.Invalid("metadata", "must be a JSON object")
		}
		p.Metadata = md
	}
	return p, nil
}

// MinorUnits converts a major-unit amount, rounding half away from zero.
func MinorUnits(amount decimal.Decimal, digits int32) int64 {
	return amount.Shift(digits).Round(0).IntPart()
}
