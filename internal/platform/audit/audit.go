// Package audit keeps a tamper-evident, hash-chained trail of balance
// mutations and security events.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

const genesis = "GENESIS"

var ErrCorruptChain = errors.New("audit chain corruption detected")

type Event struct {
	AuditID    string    `json:"audit_id"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at"`
	ActorID    string    `json:"actor_id"`
	ActorType  string    `json:"actor_type"`
	ObjectType string    `json:"object_type"`
	ObjectID   string    `json:"object_id"`
	Action     string    `json:"action"`
	Before     []byte    `json:"before,omitempty"`
	After      []byte    `json:"after,omitempty"`
	Result     Result    `json:"result"`
	Reason     string    `json:"reason,omitempty"`
	HashPrev   string    `json:"hash_prev"`
	HashCurr   string    `json:"hash_curr"`
}

// ComputeHash links e to prev. Every field that identifies what happened is
// covered so edits to a stored event break the chain.
func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format(time.RFC3339Nano)))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.ActorType))
	_, _ = h.Write([]byte("|" + e.ObjectType + "|" + e.ObjectID + "|" + e.Action + "|" + string(e.Result) + "|" + e.Reason))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x", e.Before, e.After)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks that every event links to its predecessor.
func VerifyChain(events []Event) error {
	for i, e := range events {
		if ComputeHash(e.HashPrev, e) != e.HashCurr {
			return fmt.Errorf("%w: event %s", ErrCorruptChain, e.AuditID)
		}
		if i > 0 && e.HashPrev != events[i-1].HashCurr {
			return fmt.Errorf("%w: broken link at %s", ErrCorruptChain, e.AuditID)
		}
	}
	return nil
}
