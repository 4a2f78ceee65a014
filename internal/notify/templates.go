package notify

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
)

type Templates struct {
	Digits int32
}

func DefaultTemplates() Templates { return Templates{Digits: 2} }

func (t Templates) amount(minor int64, currency string) string {
	return decimal.New(minor, -t.Digits).StringFixed(t.Digits) + " " + currency
}

func (t Templates) Completed(tx ledger.Transaction, balance int64) (string, bool) {
	abs := tx.Delta
	if abs < 0 {
		abs = -abs
	}
	bal := t.amount(balance, tx.Currency)
	switch tx.Type {
	case ledger.TypeRecharge:
		return fmt.Sprintf("✅ Balance topped up by %s.\nCurrent balance: %s", t.amount(abs, tx.Currency), bal), true
	case ledger.TypePurchase:
		return fmt.Sprintf("🛒 Purchase completed for %s.\nCurrent balance: %s", t.amount(abs, tx.Currency), bal), true
	case ledger.TypeRefund:
		return fmt.Sprintf("↩️ Refund of %s processed.\nCurrent balance: %s", t.amount(abs, tx.Currency), bal), true
	case ledger.TypeBonus:
		return fmt.Sprintf("🎁 Bonus of %s credited.\nCurrent balance: %s", t.amount(abs, tx.Currency), bal), true
	default:
		return "", false
	}
}

func (t Templates) Closed(tx ledger.Transaction) (string, bool) {
	switch tx.Status {
	case ledger.StatusFailed, ledger.StatusCancelled:
		return fmt.Sprintf("❌ Payment %s was %s. No funds were taken.", tx.ExternalID, tx.Status), true
	case ledger.StatusExpired:
		return fmt.Sprintf("⌛ Payment %s expired. Start a new one if you still want to pay.", tx.ExternalID), true
	case ledger.StatusRefunded:
		return fmt.Sprintf("↩️ Payment %s was refunded by the provider.", tx.ExternalID), true
	default:
		return "", false
	}
}
