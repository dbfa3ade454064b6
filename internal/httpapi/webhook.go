package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
)

const (
	maxWebhookBody = 64 << 10

	HeaderPaymentSignature = "X-Payment-Signature"
	HeaderStripeSignature  = "Stripe-Signature"
)

// Confirmer применяет подтверждение оплаты.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, receiptID string, payload []byte, signature string) (saga.ConfirmOutcome, error)
}

// WebhookHandler принимает подтверждения оплаты от провайдера.
// Поддельные и повторные подтверждения получают 200, чтобы провайдер не ретраил их;
// 503 отдаётся только если проверенное подтверждение не удалось сохранить.
type WebhookHandler struct {
	confirmer Confirmer
	logger    *log.Entry
}

func NewWebhookHandler(confirmer Confirmer, logger *log.Entry) *WebhookHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-webhook")
	}
	return &WebhookHandler{confirmer: confirmer, logger: logger}
}

// Routes регистрирует маршруты вебхуков.
func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/payments", h.confirm)
	r.Post("/payments/{receiptID}", h.confirm)
}

type webhookResponse struct {
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *WebhookHandler) confirm(w http.ResponseWriter, r *http.Request) {
	receiptID := strings.TrimSpace(chi.URLParam(r, "receiptID"))
	logger := h.logger.WithFields(log.Fields{
		"receipt_id": receiptID,
		"request_id": middleware.GetReqID(r.Context()),
	})

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "payload too large"})
			return
		}
		logger.WithError(err).Warn("failed to read webhook body")
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "unreadable body"})
		return
	}

	signature := r.Header.Get(HeaderPaymentSignature)
	if signature == "" {
		signature = r.Header.Get(HeaderStripeSignature)
	}

	outcome, err := h.confirmer.ConfirmPayment(r.Context(), receiptID, payload, signature)
	if err != nil {
		logger.WithError(err).Error("payment confirmation not persisted")
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Error: "confirmation not persisted, retry later"})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Outcome: string(outcome)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
