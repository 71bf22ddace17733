package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/mediadrop/internal/media"
	"github.com/italolelis/mediadrop/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSessions struct {
	createFunc func(ctx context.Context, req session.CreateRequest) (session.Snapshot, error)
	cancelFunc func(ctx context.Context, id string, userID int64) (session.Snapshot, error)
	retryFunc  func(ctx context.Context, id string, userID int64) (session.Snapshot, error)
	sessions   map[string]session.Snapshot

	lastCreate session.CreateRequest
	lastUserID int64
}

func (m *mockSessions) Create(ctx context.Context, req session.CreateRequest) (session.Snapshot, error) {
	m.lastCreate = req
	if m.createFunc != nil {
		return m.createFunc(ctx, req)
	}

	return session.Snapshot{ID: "new-session", UserID: req.UserID, State: session.StatePending}, nil
}

func (m *mockSessions) Get(id string) (session.Snapshot, error) {
	s, ok := m.sessions[id]
	if !ok {
		return session.Snapshot{}, session.ErrNotFound
	}

	return s, nil
}

func (m *mockSessions) List() []session.Snapshot {
	out := make([]session.Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}

	return out
}

func (m *mockSessions) Cancel(ctx context.Context, id string, userID int64) (session.Snapshot, error) {
	m.lastUserID = userID
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, id, userID)
	}

	return session.Snapshot{ID: id, State: session.StateCancelled}, nil
}

func (m *mockSessions) Retry(ctx context.Context, id string, userID int64) (session.Snapshot, error) {
	m.lastUserID = userID
	if m.retryFunc != nil {
		return m.retryFunc(ctx, id, userID)
	}

	return session.Snapshot{ID: id, State: session.StateFetching}, nil
}

func newTestServer(t *testing.T, sessions Sessions, username, password string) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Mount("/api", NewSessionHandler(username, password, sessions).Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func TestHandleCreate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		createErr  error
		wantStatus int
	}{
		{
			name:       "admitted",
			body:       `{"user_id":42,"chat_id":7,"title":"Concert","format":{"id":"18","kind":"combined","streams":[{"url":"https://cdn/x","kind":"combined"}]}}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "malformed body",
			body:       `{"user_id":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid format",
			body:       `{"user_id":42,"format":{}}`,
			createErr:  fmt.Errorf("%w: format id is required", session.ErrInvalidFormat),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "admission rejected",
			body:       `{"user_id":42,"format":{"id":"18"}}`,
			createErr:  &media.AdmissionRejectedError{UserID: 42, Scope: media.ScopeUser, Limit: 2},
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "disk failure",
			body:       `{"user_id":42,"format":{"id":"18"}}`,
			createErr:  &media.DiskError{Op: "mkdir", Path: "/data/x", Err: errors.New("read-only file system")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessions{}
			if tt.createErr != nil {
				sessions.createFunc = func(context.Context, session.CreateRequest) (session.Snapshot, error) {
					return session.Snapshot{}, tt.createErr
				}
			}

			srv := newTestServer(t, sessions, "", "")

			resp := post(t, srv.URL+"/api/sessions", tt.body)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			if tt.wantStatus == http.StatusCreated {
				var snap session.Snapshot
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
				require.Equal(t, "new-session", snap.ID)
				require.Equal(t, int64(42), sessions.lastCreate.UserID)
				require.Equal(t, "Concert", sessions.lastCreate.Title)
				require.Equal(t, media.KindCombined, sessions.lastCreate.Format.Kind)

				return
			}

			var errResp errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
			require.NotEmpty(t, errResp.Error)
		})
	}
}

func TestHandleCancelAndRetry(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		err        error
		wantStatus int
	}{
		{name: "cancel ok", action: "cancel", wantStatus: http.StatusOK},
		{name: "cancel not owner", action: "cancel", err: session.ErrNotOwner, wantStatus: http.StatusForbidden},
		{name: "cancel unknown", action: "cancel", err: session.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "cancel terminal", action: "cancel", err: fmt.Errorf("%w: delivered", session.ErrInvalidTransition), wantStatus: http.StatusConflict},
		{name: "retry ok", action: "retry", wantStatus: http.StatusAccepted},
		{name: "retry not owner", action: "retry", err: session.ErrNotOwner, wantStatus: http.StatusForbidden},
		{name: "retry unknown", action: "retry", err: session.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "retry not retryable", action: "retry", err: session.ErrNotRetryable, wantStatus: http.StatusConflict},
		{name: "retry rejected", action: "retry", err: &media.AdmissionRejectedError{UserID: 9, Scope: media.ScopeUser, Limit: 2}, wantStatus: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fail := func(ctx context.Context, id string, userID int64) (session.Snapshot, error) {
				return session.Snapshot{}, tt.err
			}

			sessions := &mockSessions{}
			if tt.err != nil {
				sessions.cancelFunc = fail
				sessions.retryFunc = fail
			}

			srv := newTestServer(t, sessions, "", "")

			resp := post(t, srv.URL+"/api/sessions/abc/"+tt.action, `{"user_id":9}`)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			require.Equal(t, int64(9), sessions.lastUserID)
		})
	}
}

func TestHandleGetAndList(t *testing.T) {
	sessions := &mockSessions{sessions: map[string]session.Snapshot{
		"a": {ID: "a", UserID: 1, State: session.StateFetching, BytesDone: 10, BytesTotal: 100},
		"b": {ID: "b", UserID: 2, State: session.StateDelivered},
	}}

	srv := newTestServer(t, sessions, "", "")

	resp, err := http.Get(srv.URL + "/api/sessions/a")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "fetching", raw["state"])
	assert.Equal(t, float64(10), raw["bytes_done"])
	assert.NotContains(t, raw, "WorkDir", "filesystem paths are not exposed")

	missing, err := http.Get(srv.URL + "/api/sessions/zzz")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	list, err := http.Get(srv.URL + "/api/sessions?user_id=2")
	require.NoError(t, err)
	defer list.Body.Close()

	var owned []session.Snapshot
	require.NoError(t, json.NewDecoder(list.Body).Decode(&owned))
	require.Len(t, owned, 1)
	assert.Equal(t, "b", owned[0].ID)

	bad, err := http.Get(srv.URL + "/api/sessions?user_id=me")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestBasicAuth(t *testing.T) {
	srv := newTestServer(t, &mockSessions{}, "bot", "secret")

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		wantStatus int
	}{
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "wrong password", user: "bot", pass: "nope", setAuth: true, wantStatus: http.StatusUnauthorized},
		{name: "valid", user: "bot", pass: "secret", setAuth: true, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
			require.NoError(t, err)

			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			require.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
