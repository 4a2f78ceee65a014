package auth

import (
	"errors"
	"testing"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

func TestOperatorCredentials(t *testing.T) {
	hash, err := HashCredential("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	creds := OperatorCredentials{ID: "ops", Hash: hash}

	actor, err := creds.Verify("ops", "s3cret")
	if err != nil || actor.Type != ActorOperator || actor.ID != "ops" {
		t.Fatalf("expected operator actor, got=%+v err=%v", actor, err)
	}
	for _, tc := range [][2]string{{"ops", "wrong"}, {"other", "s3cret"}} {
		if _, err := creds.Verify(tc[0], tc[1]); !errors.Is(err, apperr.ErrAuthentication) {
			t.Fatalf("%v: expected authentication error, got=%v", tc, err)
		}
	}
	if _, err := (OperatorCredentials{}).Verify("ops", "s3cret"); !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected disabled login, got=%v", err)
	}
	if _, err := HashCredential("  "); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected empty secret to be rejected, got=%v", err)
	}
}
