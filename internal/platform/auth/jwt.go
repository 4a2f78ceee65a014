// Package auth issues and verifies actor tokens for the service and admin APIs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

const (
	ActorService  = "service"
	ActorOperator = "operator"
)

type contextKey string

const actorContextKey contextKey = "actor"

type Actor struct {
	ID   string
	Type string
}

type JWTSigner struct {
	keyset HMACKeyset
	issuer string
}

func NewJWTSignerWithKeyset(keyset HMACKeyset) *JWTSigner {
	return &JWTSigner{keyset: keyset, issuer: "open-balance"}
}

// SignActor returns a token for actor valid for ttl from now, and its expiry.
func (s *JWTSigner) SignActor(actor Actor, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if actor.ID == "" || actor.Type == "" {
		return "", time.Time{}, apperr.Invalid("actor", "id and type are required")
	}
	secret, err := s.keyset.active()
	if err != nil {
		return "", time.Time{}, err
	}
	exp := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        actor.ID,
		"actor_type": actor.Type,
		"iss":        s.issuer,
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
	})
	token.Header["kid"] = s.keyset.ActiveKID
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

type JWTVerifier struct {
	keyset HMACKeyset
	clock  clock.Clock
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return NewJWTVerifierWithKeyset(HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}}, nil)
}

// NewJWTVerifierWithKeyset checks exp and iat against clk, or the wall clock
// when clk is nil.
func NewJWTVerifierWithKeyset(keyset HMACKeyset, clk clock.Clock) *JWTVerifier {
	return &JWTVerifier{keyset: keyset, clock: clock.Or(clk)}
}

func (v *JWTVerifier) key(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, errors.New("unexpected signing method")
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = v.keyset.ActiveKID
	}
	secret, ok := v.keyset.Keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return secret, nil
}

func (v *JWTVerifier) ParseActor(tokenString string) (Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, v.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return Actor{}, &apperr.AuthenticationError{Message: "invalid token"}
	}

	sub, _ := claims["sub"].(string)
	actorType, _ := claims["actor_type"].(string)
	if sub == "" || actorType == "" {
		return Actor{}, &apperr.AuthenticationError{Message: "missing actor claims"}
	}
	return Actor{ID: sub, Type: actorType}, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

func bearer(h string) (string, bool) {
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}

// HTTPJWTMiddlewareWithSkips authenticates every request except the exact
// paths in skipPaths and the path prefixes in skipPrefixes.
func HTTPJWTMiddlewareWithSkips(verifier *JWTVerifier, next http.Handler, skipPaths, skipPrefixes []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		for _, p := range skipPrefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}
		tok, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		actor, err := verifier.ParseActor(tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireActorType rejects requests whose authenticated actor is not one of
// the given types.
func RequireActorType(ctx context.Context, types ...string) (Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, &apperr.AuthenticationError{Message: "missing actor"}
	}
	if !slices.Contains(types, actor.Type) {
		return Actor{}, fmt.Errorf("actor type %q not permitted: %w", actor.Type, apperr.ErrForbidden)
	}
	return actor, nil
}
