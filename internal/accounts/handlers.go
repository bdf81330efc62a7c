package accounts

import (
	"encoding/json"
	"errors"
	"net/http"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
	"github.com/fitjourney/subscriptions/internal/logging"
	"github.com/fitjourney/subscriptions/internal/validate"
	"github.com/rs/zerolog/log"
)

const signupRequestBodyLimit = 64 * 1024

// Handlers exposes the signup service over HTTP.
type Handlers struct {
	service *Service
}

// NewHandlers creates signup HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

type errorResponse struct {
	Error  string                `json:"error"`
	Fields []validate.FieldError `json:"fields,omitempty"`
}

// HandleSignup handles POST /api/signup.
func (h *Handlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req SignupRequest
	r.Body = http.MaxBytesReader(w, r.Body, signupRequestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	result, err := h.service.Signup(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// HandleVerifyPurchase handles GET /api/purchases/verify?email=.
func (h *Handlers) HandleVerifyPurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	status, err := h.service.VerifyPurchase(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := internalerrors.HTTPStatus(err)
	resp := errorResponse{Error: err.Error()}
	var verr *validate.Error
	if errors.As(err, &verr) {
		resp = errorResponse{Error: "invalid request", Fields: verr.Fields}
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Account request failed")
		resp = errorResponse{Error: "internal error"}
	}
	writeJSON(w, status, resp)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("accounts: encode response")
	}
}
