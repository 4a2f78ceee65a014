package server

import (
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/auth"
)

const (
	WebhookPath = "/v1/webhooks/payment"
	tokenPath   = "/v1/auth/token"
)

type HTTPOptions struct {
	API      *API
	Verifier *auth.JWTVerifier
	Guard    *RemoteAccessGuard
	Webhook  http.Handler
	System   SystemHandler
}

// NewHTTPHandler assembles the public HTTP surface: system endpoints first,
// then the JWT protected API behind the remote access guard. The webhook and
// token routes authenticate on their own.
func NewHTTPHandler(opts HTTPOptions) (http.Handler, error) {
	gw := runtime.NewServeMux()
	if err := opts.API.Register(gw); err != nil {
		return nil, err
	}
	if opts.Webhook != nil {
		err := gw.HandlePath(http.MethodPost, WebhookPath, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			opts.Webhook.ServeHTTP(w, r)
		})
		if err != nil {
			return nil, fmt.Errorf("register webhook: %w", err)
		}
	}

	var api http.Handler = auth.HTTPJWTMiddlewareWithSkips(opts.Verifier, gw, []string{tokenPath, WebhookPath}, nil)
	if opts.Guard != nil {
		api = opts.Guard.Wrap(api)
	}
	mux := http.NewServeMux()
	opts.System.Register(mux)
	mux.Handle("/", api)
	return mux, nil
}
