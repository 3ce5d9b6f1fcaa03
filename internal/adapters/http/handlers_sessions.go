package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/voicegrid/licensing-service/internal/application"
)

func (h *Handler) validateSession(w http.ResponseWriter, r *http.Request) {
	var req application.ValidateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "validate_session", err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = readIP(r)
	}
	resp, err := h.service.Validate(r.Context(), req)
	if err != nil {
		writeMappedError(r.Context(), w, "validate_session", err)
		return
	}
	writeSuccess(w, http.StatusOK, resp)
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req application.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "create_session", err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = readIP(r)
	}
	resp, err := h.service.Create(r.Context(), req)
	if err != nil {
		var limitErr *application.LimitError
		if errors.As(err, &limitErr) {
			writeLimitError(w, limitErr)
			return
		}
		writeMappedError(r.Context(), w, "create_session", err)
		return
	}
	writeSuccess(w, http.StatusCreated, resp)
}

func (h *Handler) atomicSetup(w http.ResponseWriter, r *http.Request) {
	var req application.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "atomic_setup", err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = readIP(r)
	}
	resp, err := h.service.AtomicSetup(r.Context(), req)
	if err != nil {
		var limitErr *application.LimitError
		if errors.As(err, &limitErr) {
			writeLimitError(w, limitErr)
			return
		}
		writeMappedError(r.Context(), w, "atomic_setup", err)
		return
	}
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	writeSuccess(w, status, resp)
}

// endSession ends all sessions of a username, or one session by id when a
// sessionId is given instead. A body carrying both takes the username path.
func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "end_session", err)
		return
	}
	if req.Username != "" {
		ended, err := h.service.EndAllForUsername(r.Context(), req.Username)
		if err != nil {
			writeMappedError(r.Context(), w, "end_session", err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"ended": ended})
		return
	}
	if req.SessionID == "" {
		writeValidationError(r.Context(), w, "end_session", errors.New("username or sessionId required"))
		return
	}
	if err := h.service.End(r.Context(), req.SessionID); err != nil {
		writeMappedError(r.Context(), w, "end_session", err)
		return
	}
	writeMessage(w, http.StatusOK, "Session ended")
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "heartbeat", err)
		return
	}
	if err := h.service.Heartbeat(r.Context(), req.SessionID); err != nil {
		writeMappedError(r.Context(), w, "heartbeat", err)
		return
	}
	writeMessage(w, http.StatusOK, "Heartbeat recorded")
}

func (h *Handler) validateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "validate_token", err)
		return
	}
	resp, err := h.service.ValidateSessionToken(r.Context(), req.Token)
	if err != nil {
		writeMappedError(r.Context(), w, "validate_token", err)
		return
	}
	writeSuccess(w, http.StatusOK, resp)
}

func (h *Handler) listUserSessions(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	items, err := h.service.SessionsForUsername(r.Context(), username)
	if err != nil {
		writeMappedError(r.Context(), w, "list_user_sessions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"sessions": items})
}

func (h *Handler) endAllUserSessions(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	ended, err := h.service.EndAllForUsername(r.Context(), username)
	if err != nil {
		writeMappedError(r.Context(), w, "end_all_user_sessions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"ended": ended})
}

// forceCleanup always answers 200; partial failures are swept by the
// reconciler, so callers never block on them.
func (h *Handler) forceCleanup(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	feature := chi.URLParam(r, "feature")
	if err := h.service.ForceCleanup(r.Context(), userID, feature); err != nil {
		logHTTPOperationError(r.Context(), "force_cleanup", http.StatusOK, "CLEANUP_PARTIAL", err.Error(), err)
	}
	writeMessage(w, http.StatusOK, "Cleanup completed")
}

func writeLimitError(w http.ResponseWriter, limitErr *application.LimitError) {
	writeErrorData(w, http.StatusTooManyRequests, "LIMIT_EXCEEDED", limitErr.Error(), map[string]any{
		"feature":      string(limitErr.Feature),
		"maxUsers":     limitErr.MaxUsers,
		"currentUsers": limitErr.CurrentUsers,
	})
}
