package main

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-balance-go/internal/webhook"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCredhash(t *testing.T) {
	for _, tc := range []struct {
		stdin string
		args  []string
	}{
		{"", []string{"credhash", "s3cret"}},
		{"s3cret\n", []string{"credhash"}},
	} {
		out, err := run(t, tc.stdin, tc.args...)
		if err != nil {
			t.Fatalf("credhash %v: %v", tc.args, err)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(out), []byte("s3cret")); err != nil {
			t.Fatalf("expected bcrypt hash of secret, got=%q: %v", out, err)
		}
	}
	if _, err := run(t, "\n", "credhash"); err == nil {
		t.Fatalf("expected empty secret to fail")
	}
}

func TestSignWebhook(t *testing.T) {
	body := `{"external_id":"pay_42","status":"paid"}`
	out, err := run(t, body, "sign-webhook", "--secret", "whsec")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := webhook.Verify([]byte(body), "whsec", out); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
	out, err = run(t, body, "sign-webhook", "--secret", "whsec", "--header", "X-Signature")
	if err != nil || !strings.HasPrefix(out, "X-Signature: ") {
		t.Fatalf("expected header line, got=%q err=%v", out, err)
	}
	t.Setenv("BALANCE_WEBHOOK_SECRET", "")
	if _, err := run(t, body, "sign-webhook"); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
}

func TestToken(t *testing.T) {
	out, err := run(t, "", "token", "--secret", "jwt-secret", "--subject", "ops", "--type", "operator")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	actor, err := auth.NewJWTVerifier("jwt-secret").ParseActor(out)
	if err != nil || actor.ID != "ops" || actor.Type != auth.ActorOperator {
		t.Fatalf("unexpected actor: %+v err=%v", actor, err)
	}
	if _, err := run(t, "", "token", "--secret", "jwt-secret", "--subject", "ops", "--type", "player"); err == nil {
		t.Fatalf("expected unknown actor type to fail")
	}
	if _, err := run(t, "", "token", "--secret", "jwt-secret"); err == nil {
		t.Fatalf("expected missing subject to fail")
	}
}
