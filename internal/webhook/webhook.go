// Package webhook receives payment provider notifications, verifies them and
// hands normalized purchase events to the reconciler.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
	"github.com/fitjourney/subscriptions/internal/logging"
	"github.com/fitjourney/subscriptions/internal/metrics"
	"github.com/fitjourney/subscriptions/internal/reconcile"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

var (
	errMissingSignature = errors.New("missing signature")
	errInvalidSignature = errors.New("invalid signature")
)

// Processor applies a verified purchase.
type Processor interface {
	HandlePurchase(ctx context.Context, ev reconcile.PurchaseEvent) (reconcile.Result, error)
}

// adapter is the provider-specific half of a webhook endpoint.
type adapter interface {
	name() string
	configured() bool
	verify(header http.Header, payload []byte) error
	// parse returns the provider's event name and, for purchase events,
	// the normalized purchase. A nil purchase means the event is ignored.
	parse(payload []byte) (event string, ev *reconcile.PurchaseEvent, err error)
}

// Handler serves one provider's webhook endpoint.
type Handler struct {
	adapter   adapter
	processor Processor
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookSkippedResponse struct {
	Received bool   `json:"received"`
	Skipped  bool   `json:"skipped"`
	Event    string `json:"event,omitempty"`
}

type webhookReadyResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

type webhookResultResponse struct {
	Success bool                   `json:"success"`
	Status  reconcile.ResultStatus `json:"status"`
	Tier    string                 `json:"tier,omitempty"`
	Email   string                 `json:"email"`
}

// ServeHTTP verifies the request, normalizes it and reconciles the purchase.
// GET answers with a readiness message so endpoints can be checked from the
// provider dashboard.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := h.adapter.name()
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()

	switch r.Method {
	case http.MethodPost:
	case http.MethodGet:
		writeJSON(w, http.StatusOK, webhookReadyResponse{Status: "ready", Provider: provider})
		return
	default:
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	if !h.adapter.configured() {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	logger := logging.FromContext(r.Context()).With().Str("provider", provider).Logger()
	if logging.IsLevelEnabled(zerolog.DebugLevel) {
		logger.Debug().Int("bytes", len(payload)).Bytes("payload", payload).Msg("Webhook received")
	}

	if err := h.adapter.verify(r.Header, payload); err != nil {
		status = http.StatusUnauthorized
		logger.Warn().Err(err).Msg("Rejected webhook with bad signature")
		writeJSON(w, status, webhookErrorResponse{Error: err.Error()})
		return
	}

	event, ev, err := h.adapter.parse(payload)
	if err != nil {
		status = internalerrors.HTTPStatus(err)
		logger.Warn().Err(err).Str("event", event).Msg("Malformed webhook payload")
		writeJSON(w, status, webhookErrorResponse{Error: err.Error()})
		return
	}
	if ev == nil {
		logger.Info().Str("event", event).Msg("Webhook ignored (unhandled event)")
		writeJSON(w, http.StatusOK, webhookSkippedResponse{Received: true, Skipped: true, Event: event})
		return
	}

	result, err := h.processor.HandlePurchase(r.Context(), *ev)
	if err != nil {
		status = internalerrors.HTTPStatus(err)
		logger.Error().Err(err).
			Str("sale_id", ev.SaleID).
			Bool("retryable", internalerrors.IsRetryableError(err)).
			Msg("Webhook processing failed")
		msg := "processing failed"
		if status < http.StatusInternalServerError {
			msg = err.Error()
		}
		writeJSON(w, status, webhookErrorResponse{Error: msg})
		return
	}

	writeJSON(w, http.StatusOK, webhookResultResponse{
		Success: true,
		Status:  result.Status,
		Tier:    string(result.Tier),
		Email:   result.Email,
	})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}

func malformed(provider, msg string) error {
	return internalerrors.NewValidationError("parse_"+provider+"_webhook", "", msg)
}
