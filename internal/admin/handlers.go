package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
	"github.com/fitjourney/subscriptions/internal/logging"
	"github.com/fitjourney/subscriptions/internal/reconcile"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/fitjourney/subscriptions/internal/validate"
)

const adminRequestBodyLimit = 16 * 1024

type activateRequest struct {
	Tier string `json:"tier" validate:"omitempty,max=64"`
}

// HandleListUsers returns an authenticated handler that lists accounts.
func HandleListUsers(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Optional status filter
		status := registry.SubscriptionStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
		if status != "" && !status.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
			return
		}

		users, err := reg.ListUsers(r.Context(), status)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("Admin: list users failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if users == nil {
			users = []*registry.User{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"users": users,
			"count": len(users),
		})
	}
}

// HandleListPending returns an authenticated handler that lists pending
// activations. Consumed records are included with ?include_activated=true.
func HandleListPending(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		includeActivated, _ := strconv.ParseBool(r.URL.Query().Get("include_activated"))
		pending, err := reg.ListPending(r.Context(), includeActivated)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("Admin: list pending failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if pending == nil {
			pending = []*registry.PendingActivation{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"pending": pending,
			"count":   len(pending),
		})
	}
}

// HandleActivatePending returns a handler for POST /admin/pending/{id}/activate.
// An optional {"tier": "..."} body overrides the recorded tier.
func HandleActivatePending(rec *reconcile.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(r.PathValue("id"))
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing pending id"})
			return
		}

		var req activateRequest
		r.Body = http.MaxBytesReader(w, r.Body, adminRequestBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if err := validate.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		user, err := rec.ActivatePending(r.Context(), id, req.Tier)
		if err != nil {
			writeReconcileError(w, r, err)
			return
		}
		logging.FromContext(r.Context()).Info().
			Str("pending_id", id).
			Str("user_id", user.ID).
			Str("tier", string(user.Tier)).
			Msg("Admin activated pending purchase")

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"user":    user,
		})
	}
}

// HandleDeletePending returns a handler for DELETE /admin/pending/{id}.
func HandleDeletePending(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(r.PathValue("id"))
		if err := reg.DeletePending(r.Context(), id); err != nil {
			writeReconcileError(w, r, internalerrors.WrapStoreError("delete_pending", id, err))
			return
		}
		logging.FromContext(r.Context()).Info().Str("pending_id", id).Msg("Admin deleted pending activation")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeReconcileError(w http.ResponseWriter, r *http.Request, err error) {
	status := internalerrors.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Admin request failed")
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
