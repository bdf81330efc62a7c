package expiry

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fitjourney/subscriptions/internal/logging"
	"github.com/rs/zerolog/log"
)

// CronHandler lets an external scheduler trigger a sweep.
type CronHandler struct {
	secret  string
	sweeper *Sweeper
}

// NewCronHandler creates a handler that requires "Authorization: Bearer <secret>".
func NewCronHandler(secret string, sweeper *Sweeper) *CronHandler {
	return &CronHandler{secret: secret, sweeper: sweeper}
}

type expiredUser struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Tier      string     `json:"tier"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
}

type cronResponse struct {
	Success         bool          `json:"success"`
	ExpiredCount    int           `json:"expired_count"`
	ExpiredUsers    []expiredUser `json:"expired_users"`
	ExecutionTimeMS int64         `json:"execution_time_ms"`
	Timestamp       time.Time     `json:"timestamp"`
}

type cronErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *CronHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, cronErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, cronErrorResponse{Error: "cron secret not configured"})
		return
	}
	if !bearerMatches(r.Header.Get("Authorization"), h.secret) {
		writeJSON(w, http.StatusUnauthorized, cronErrorResponse{Error: "unauthorized"})
		return
	}

	start := time.Now()
	expired, err := h.sweeper.SweepOnce(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Msg("Cron expiry sweep failed")
		writeJSON(w, http.StatusInternalServerError, cronErrorResponse{Error: "sweep failed"})
		return
	}

	users := make([]expiredUser, 0, len(expired))
	for _, u := range expired {
		users = append(users, expiredUser{ID: u.ID, Email: u.Email, Tier: string(u.Tier), PeriodEnd: u.PeriodEnd})
	}
	writeJSON(w, http.StatusOK, cronResponse{
		Success:         true,
		ExpiredCount:    len(users),
		ExpiredUsers:    users,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC(),
	})
}

func bearerMatches(header, secret string) bool {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("expiry: encode response")
	}
}
