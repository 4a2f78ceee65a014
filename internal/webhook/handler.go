package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

const defaultMaxBody = 64 << 10

// Handler serves the provider callback endpoint. Acknowledged callbacks get
// 200, bad ones 400, and retryable failures 503 so the provider redelivers.
type Handler struct {
	processor       *Processor
	signatureHeader string
	maxBody         int64
	logger          *slog.Logger
}

func NewHandler(p *Processor, signatureHeader string, maxBody int64, logger *slog.Logger) *Handler {
	if signatureHeader == "" {
		signatureHeader = "X-Signature"
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{processor: p, signatureHeader: signatureHeader, maxBody: maxBody, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "reason": "method_not_allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "body_too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "unreadable_body"})
		return
	}

	res, err := h.processor.Handle(r.Context(), body, r.Header.Get(h.signatureHeader))
	if err != nil {
		writeJSON(w, h.statusFor(r, err), map[string]string{"status": "error", "reason": apperr.Reason(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "outcome": string(res.Outcome)})
}

// statusFor maps retryable failures to 503 and everything else to 400, so the
// provider only redelivers what can succeed later.
func (h *Handler) statusFor(r *http.Request, err error) int {
	if apperr.IsRetryable(err) {
		return http.StatusServiceUnavailable
	}
	if !errors.Is(err, apperr.ErrValidation) && !errors.Is(err, apperr.ErrAuthentication) {
		h.logger.ErrorContext(r.Context(), "webhook failed permanently, not requesting redelivery", "reason", apperr.Reason(err), "error", err)
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
