package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/mediadrop/internal/delivery"
	"github.com/italolelis/mediadrop/internal/fetch"
	"github.com/italolelis/mediadrop/internal/limiter"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/media"
	"github.com/italolelis/mediadrop/internal/notifier"
	"github.com/italolelis/mediadrop/internal/storage"
	"github.com/italolelis/mediadrop/internal/telemetry"
)

const (
	DefaultProgressInterval = 3 * time.Second

	// InterruptedError is recorded on sessions that were running when the
	// process stopped.
	InterruptedError = "interrupted by restart"

	cancelWait = 10 * time.Second
	dirPerm    = 0o755
)

type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request, updates chan<- fetch.Update) (*fetch.Result, error)
}

type Merger interface {
	Merge(ctx context.Context, video, audio, out string) (string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Outcome, error)
}

// ArtifactStore is the part of the file server registry the manager needs to
// drop links when a session goes away.
type ArtifactStore interface {
	RemoveSession(ctx context.Context, sessionID string) int
}

// ProgressFunc receives throttled progress reports. It is called from the
// session's own goroutine and must not block for long.
type ProgressFunc func(sessionID string, done, total int64)

type Options struct {
	DataDir          string
	ProgressInterval time.Duration
	OnProgress       ProgressFunc
	Repository       storage.SessionRepository
	Notifier         notifier.Notifier
	Telemetry        *telemetry.Telemetry
}

// CreateRequest is a format selection by a user.
type CreateRequest struct {
	UserID int64        `json:"user_id"`
	ChatID int64        `json:"chat_id"`
	Title  string       `json:"title"`
	Format media.Format `json:"format"`
}

// Manager is the registry of sessions and the only code that mutates them.
type Manager struct {
	limiter   *limiter.Limiter
	fetcher   Fetcher
	merger    Merger
	deliverer Deliverer
	artifacts ArtifactStore
	opts      Options

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(lim *limiter.Limiter, fetcher Fetcher, merger Merger, deliverer Deliverer, artifacts ArtifactStore, opts Options) *Manager {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}

	root, stop := context.WithCancel(context.Background())

	return &Manager{
		limiter:   lim,
		fetcher:   fetcher,
		merger:    merger,
		deliverer: deliverer,
		artifacts: artifacts,
		opts:      opts,
		root:      root,
		stop:      stop,
		sessions:  make(map[string]*Session),
	}
}

// Create admits a new session and starts fetching it. Rejections are
// returned as *media.AdmissionRejectedError and leave no trace.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Snapshot, error) {
	if err := req.Format.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	id := uuid.NewString()
	logger := logctx.LoggerFromContext(ctx).With("session_id", id, "user_id", req.UserID)

	slot, err := m.admit(req.UserID, id)
	if err != nil {
		logger.Info("session rejected", "err", err)

		return Snapshot{}, err
	}

	workDir := filepath.Join(m.opts.DataDir, id)
	if err := os.MkdirAll(workDir, dirPerm); err != nil {
		slot.Release()

		return Snapshot{}, &media.DiskError{Op: "mkdir", Path: workDir, Err: err}
	}

	now := time.Now()
	s := &Session{
		ID:        id,
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		Title:     strings.TrimSpace(req.Title),
		Format:    req.Format,
		WorkDir:   workDir,
		CreatedAt: now,
		state:     StatePending,
		updatedAt: now,
		slot:      slot,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.recordTransition(ctx, "", s.Snapshot())

	logger.Info("session created",
		"format", req.Format.ID, "streams", len(req.Format.Streams), "size", media.FormatSize(req.Format.TotalSize()))

	return m.start(ctx, s, slot, StatePending)
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (Snapshot, error) {
	s, ok := m.lookup(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	return s.Snapshot(), nil
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))

	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snapshots = append(snapshots, s.Snapshot())
	}

	slices.SortFunc(snapshots, func(a, b Snapshot) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return snapshots
}

// Cancel aborts an active session on behalf of its owner. In-flight fetches
// stop, the slot is released and the working directory is removed.
func (m *Manager) Cancel(ctx context.Context, id string, userID int64) (Snapshot, error) {
	s, err := m.owned(id, userID)
	if err != nil {
		return Snapshot{}, err
	}

	return m.cancel(ctx, s, "cancelled by user")
}

// Retry restarts a failed session under the same id. Partial files are kept,
// so fetching resumes where it stopped; a session whose artifact is already
// complete goes straight to delivery. Retrying needs a free slot.
func (m *Manager) Retry(ctx context.Context, id string, userID int64) (Snapshot, error) {
	s, err := m.owned(id, userID)
	if err != nil {
		return Snapshot{}, err
	}

	current := s.Snapshot()
	if current.State != StateFailed {
		return Snapshot{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, StateFetching)
	}

	if !current.Retryable {
		return Snapshot{}, ErrNotRetryable
	}

	slot, err := m.admit(userID, id)
	if err != nil {
		return Snapshot{}, err
	}

	if err := os.MkdirAll(s.WorkDir, dirPerm); err != nil {
		slot.Release()

		return Snapshot{}, &media.DiskError{Op: "mkdir", Path: s.WorkDir, Err: err}
	}

	snap, err := m.start(ctx, s, slot, StateFailed)
	if err != nil {
		slot.Release()

		return Snapshot{}, err
	}

	logctx.LoggerFromContext(ctx).Info("session retried", "session_id", id, "previous_error", current.Error)

	return snap, nil
}

// Abandon cancels a session that stopped making progress. It reports whether
// the session was active.
func (m *Manager) Abandon(ctx context.Context, id string) (bool, error) {
	s, ok := m.lookup(id)
	if !ok {
		return false, ErrNotFound
	}

	if !slices.Contains(Active, s.State()) {
		return false, nil
	}

	if _, err := m.cancel(ctx, s, "abandoned after inactivity"); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// Reclaim forgets a finished session: its record, links and files.
func (m *Manager) Reclaim(ctx context.Context, id string) error {
	s, ok := m.lookup(id)
	if !ok {
		return ErrNotFound
	}

	switch st := s.State(); st {
	case StateDelivered, StateCancelled, StateFailed:
	default:
		return fmt.Errorf("%w: cannot reclaim %s session", ErrInvalidTransition, st)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx).With("session_id", id)

	if m.artifacts != nil {
		m.artifacts.RemoveSession(ctx, id)
	}

	if err := os.RemoveAll(s.WorkDir); err != nil {
		logger.Error("failed to remove session directory", "path", s.WorkDir, "err", err)
	}

	if m.opts.Repository != nil {
		err := m.opts.Repository.DeleteSession(context.WithoutCancel(ctx), id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete session record: %w", err)
		}
	}

	logger.Info("session reclaimed")

	return nil
}

// Restore loads persisted sessions. Sessions that were still running are
// marked failed so their owners can retry them from the partial files.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.opts.Repository == nil {
		return 0, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	records, err := m.opts.Repository.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	var restored, interrupted int

	for _, rec := range records {
		var format media.Format
		if err := json.Unmarshal(rec.Format, &format); err != nil {
			logger.Warn("skipping unreadable session record", "session_id", rec.ID, "err", err)

			continue
		}

		s := &Session{
			ID:           rec.ID,
			UserID:       rec.UserID,
			ChatID:       rec.ChatID,
			Title:        rec.Title,
			Format:       format,
			WorkDir:      rec.WorkDir,
			CreatedAt:    rec.CreatedAt,
			state:        State(rec.State),
			updatedAt:    rec.UpdatedAt,
			artifactPath: rec.ArtifactPath,
			errDetail:    rec.Error,
			retryable:    rec.Retryable,
			bytesDone:    rec.BytesDone,
			bytesTotal:   rec.BytesTotal,
			delivery:     rec.Delivery,
			deliveryURL:  rec.DeliveryURL,
		}

		if !s.state.Terminal() || s.state == StateReady {
			s.state = StateFailed
			s.errDetail = InterruptedError
			s.retryable = true
			s.updatedAt = time.Now()
			interrupted++

			m.persist(ctx, s.Snapshot())
		}

		m.mu.Lock()
		m.sessions[s.ID] = s
		m.mu.Unlock()

		restored++
	}

	logger.Info("sessions restored", "count", restored, "interrupted", interrupted)

	return restored, nil
}

// Shutdown stops all running sessions without changing their state and
// waits for them to exit. Their records keep the last persisted state.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) admit(userID int64, id string) (*limiter.Slot, error) {
	slot, err := m.limiter.Admit(userID, id)
	if err != nil {
		var rejected *media.AdmissionRejectedError
		if errors.As(err, &rejected) {
			m.opts.Telemetry.RecordAdmissionRejected(rejected.Scope)
		}

		return nil, err
	}

	return slot, nil
}

// start moves the session into fetching and launches its pipeline.
func (m *Manager) start(ctx context.Context, s *Session, slot *limiter.Slot, from State) (Snapshot, error) {
	streams := streamStates(s)

	runCtx, cancel := context.WithCancel(m.root)
	runCtx = logctx.With(logctx.WithLogger(runCtx, logctx.LoggerFromContext(ctx)), "session_id", s.ID)
	done := make(chan struct{})

	prev, snap, err := s.transition(StateFetching, func(s *Session) {
		s.slot = slot
		s.cancel = cancel
		s.done = done
		s.streams = streams
		s.errDetail = ""
		s.retryable = false
	}, from)
	if err != nil {
		cancel()

		return Snapshot{}, err
	}

	m.recordTransition(ctx, prev, snap)

	m.wg.Add(1)

	go m.run(runCtx, cancel, s, done)

	return snap, nil
}

func (m *Manager) cancel(ctx context.Context, s *Session, reason string) (Snapshot, error) {
	var (
		stop func()
		done chan struct{}
	)

	prev, snap, err := s.transition(StateCancelled, func(s *Session) {
		stop, done = s.cancel, s.done
		s.cancel = nil
		s.retryable = false
	}, Active...)
	if err != nil {
		return Snapshot{}, err
	}

	logger := logctx.LoggerFromContext(ctx).With("session_id", s.ID)

	if stop != nil {
		stop()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(cancelWait):
			logger.Warn("session pipeline did not stop in time")
		}
	}

	if err := os.RemoveAll(s.WorkDir); err != nil {
		logger.Error("failed to remove session directory", "path", s.WorkDir, "err", err)
	}

	if m.artifacts != nil {
		m.artifacts.RemoveSession(ctx, s.ID)
	}

	m.recordTransition(ctx, prev, snap)

	logger.Info("session cancelled", "reason", reason, "from", prev)

	return snap, nil
}

func (m *Manager) lookup(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]

	return s, ok
}

func (m *Manager) owned(id string, userID int64) (*Session, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	if s.UserID != userID {
		return nil, ErrNotOwner
	}

	return s, nil
}

// recordTransition publishes a state change to metrics and storage.
func (m *Manager) recordTransition(ctx context.Context, from State, snap Snapshot) {
	m.opts.Telemetry.RecordSessionTransition(string(from), string(snap.State), activeDelta(from, snap.State))
	m.persist(ctx, snap)

	logctx.LoggerFromContext(ctx).Debug("session transition",
		"session_id", snap.ID, "from", from, "to", snap.State)
}

func (m *Manager) persist(ctx context.Context, snap Snapshot) {
	if m.opts.Repository == nil {
		return
	}

	rec, err := toRecord(snap)
	if err == nil {
		err = m.opts.Repository.SaveSession(context.WithoutCancel(ctx), rec)
	}

	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist session", "session_id", snap.ID, "err", err)
	}
}

func activeDelta(from, to State) int64 {
	wasActive := from != "" && !from.Terminal()
	isActive := !to.Terminal()

	switch {
	case !wasActive && isActive:
		return 1
	case wasActive && !isActive:
		return -1
	}

	return 0
}

func toRecord(snap Snapshot) (storage.SessionRecord, error) {
	format, err := json.Marshal(snap.Format)
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("failed to encode format: %w", err)
	}

	return storage.SessionRecord{
		ID:           snap.ID,
		UserID:       snap.UserID,
		ChatID:       snap.ChatID,
		Title:        snap.Title,
		Format:       format,
		State:        string(snap.State),
		WorkDir:      snap.WorkDir,
		ArtifactPath: snap.ArtifactPath,
		Error:        snap.Error,
		Retryable:    snap.Retryable,
		BytesDone:    snap.BytesDone,
		BytesTotal:   snap.BytesTotal,
		Delivery:     snap.Delivery,
		DeliveryURL:  snap.DeliveryURL,
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
	}, nil
}
