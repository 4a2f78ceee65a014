package ledger

import (
	"fmt"
	"time"

	"go.jetify.com/typeid/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

type TxType string

const (
	TypePurchase   TxType = "purchase"
	TypeRefund     TxType = "refund"
	TypeBonus      TxType = "bonus"
	TypeAdjustment TxType = "adjustment"
	TypeRecharge   TxType = "recharge"
)

func (t TxType) Valid() bool {
	switch t {
	case TypePurchase, TypeRefund, TypeBonus, TypeAdjustment, TypeRecharge:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
	StatusRefunded   Status = "refunded"
)

// Open reports whether the transaction may still change status.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusProcessing
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCancelled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

type User struct {
	ID        string    `json:"id"`
	Premium   bool      `json:"premium"`
	Locale    string    `json:"locale,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Balance struct {
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is a signed change to one user's balance. Only the transition
// into StatusCompleted moves money, and it happens at most once.
type Transaction struct {
	ID          string
	UserID      string
	Type        TxType
	Status      Status
	Delta       int64
	Currency    string
	ExternalID  string
	Metadata    *structpb.Struct
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

func (t Transaction) clone() Transaction {
	if t.Metadata != nil {
		t.Metadata = proto.Clone(t.Metadata).(*structpb.Struct)
	}
	return t
}

// MetadataString returns a string field from the metadata, or "".
func (t Transaction) MetadataString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	v, ok := t.Metadata.GetFields()[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

const idPrefix = "txn"

func newTransactionID() (string, error) {
	tid, err := typeid.Generate(idPrefix)
	if err != nil {
		return "", fmt.Errorf("generate transaction id: %w", err)
	}
	return tid.String(), nil
}

// ValidTransactionID reports whether s parses as a transaction TypeID.
func ValidTransactionID(s string) bool {
	tid, err := typeid.Parse(s)
	return err == nil && tid.Prefix() == idPrefix
}

// NewMetadata builds a metadata struct from plain Go values.
func NewMetadata(fields map[string]any) (*structpb.Struct, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	md, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, apperr.Invalid("metadata", err.Error())
	}
	return md, nil
}
