package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/media"
	"github.com/italolelis/mediadrop/internal/session"
)

const maxRequestBody = 1 << 20

// Sessions is the session manager as seen by the API.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (session.Snapshot, error)
	Get(id string) (session.Snapshot, error)
	List() []session.Snapshot
	Cancel(ctx context.Context, id string, userID int64) (session.Snapshot, error)
	Retry(ctx context.Context, id string, userID int64) (session.Snapshot, error)
}

type ownerRequest struct {
	UserID int64 `json:"user_id"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// SessionHandler exposes download sessions to the chat front-end.
type SessionHandler struct {
	username string
	password string
	sessions Sessions
}

// NewSessionHandler creates a session API handler. Empty credentials disable
// authentication.
func NewSessionHandler(username, password string, sessions Sessions) *SessionHandler {
	return &SessionHandler{
		username: username,
		password: password,
		sessions: sessions,
	}
}

func (h *SessionHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/sessions", h.HandleCreate)
	r.Get("/sessions", h.HandleList)
	r.Get("/sessions/{id}", h.HandleGet)
	r.Post("/sessions/{id}/cancel", h.HandleCancel)
	r.Post("/sessions/{id}/retry", h.HandleRetry)

	return r
}

// HandleCreate admits a new session for a chosen format.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req session.CreateRequest
	if err := decode(r, &req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	snap, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusCreated, snap)
}

// HandleList returns all sessions, optionally filtered by ?user_id=.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	all := h.sessions.List()

	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		writeJSON(r.Context(), w, http.StatusOK, all)

		return
	}

	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid user_id"})

		return
	}

	owned := make([]session.Snapshot, 0, len(all))

	for _, s := range all {
		if s.UserID == userID {
			owned = append(owned, s)
		}
	}

	writeJSON(r.Context(), w, http.StatusOK, owned)
}

func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, snap)
}

func (h *SessionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := decode(r, &req); err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	snap, err := h.sessions.Cancel(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, snap)
}

// HandleRetry restarts a failed session. The work continues in the
// background, hence 202.
func (h *SessionHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := decode(r, &req); err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	snap, err := h.sessions.Retry(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusAccepted, snap)
}

func (h *SessionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("session request failed", "path", r.URL.Path, "err", err)
	} else {
		logger.Debug("session request rejected", "path", r.URL.Path, "status", status, "err", err)
	}

	writeJSON(r.Context(), w, status, errorResponse{Error: err.Error(), Retryable: media.Retryable(err)})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var admissionErr *media.AdmissionRejectedError
	if errors.As(err, &admissionErr) {
		return http.StatusTooManyRequests
	}

	switch {
	case errors.Is(err, session.ErrInvalidFormat):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNotRetryable):
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody)).Decode(v)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func (h *SessionHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" && h.password == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
