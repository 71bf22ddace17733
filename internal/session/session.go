package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/italolelis/mediadrop/internal/fetch"
	"github.com/italolelis/mediadrop/internal/limiter"
	"github.com/italolelis/mediadrop/internal/media"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrNotOwner          = errors.New("session belongs to another user")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNotRetryable      = errors.New("session failure is not retryable")
	ErrInvalidFormat     = errors.New("invalid format")
)

// State is the lifecycle position of a session.
type State string

const (
	StatePending   State = "pending"
	StateFetching  State = "fetching"
	StateMerging   State = "merging"
	StateReady     State = "ready"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state no longer holds a concurrency slot.
// Ready is terminal: the artifact is complete and only the hand-off remains.
func (s State) Terminal() bool {
	switch s {
	case StateReady, StateDelivered, StateFailed, StateCancelled:
		return true
	}

	return false
}

// Active is the set of states a user can cancel from.
var Active = []State{StatePending, StateFetching, StateMerging}

// Session is one download request. Every field below mu is guarded by it and
// only changes through transition or the progress fold.
type Session struct {
	ID        string
	UserID    int64
	ChatID    int64
	Title     string
	Format    media.Format
	WorkDir   string
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	updatedAt    time.Time
	artifactPath string
	errDetail    string
	retryable    bool
	streams      []fetch.State
	bytesDone    int64
	bytesTotal   int64
	delivery     string
	deliveryURL  string
	slot         *limiter.Slot
	cancel       func()
	done         chan struct{}
}

// Snapshot is a consistent copy of a session for readers outside the manager.
type Snapshot struct {
	ID           string       `json:"id"`
	UserID       int64        `json:"user_id"`
	ChatID       int64        `json:"chat_id"`
	Title        string       `json:"title"`
	Format       media.Format `json:"format"`
	State        State        `json:"state"`
	WorkDir      string       `json:"-"`
	ArtifactPath string       `json:"-"`
	Error        string       `json:"error,omitempty"`
	Retryable    bool         `json:"retryable"`
	BytesDone    int64        `json:"bytes_done"`
	BytesTotal   int64        `json:"bytes_total"`
	Retries      int          `json:"retries"`
	LastActivity time.Time    `json:"last_activity,omitzero"`
	Delivery     string       `json:"delivery,omitempty"`
	DeliveryURL  string       `json:"delivery_url,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	var (
		retries      int
		lastActivity time.Time
	)

	for _, st := range s.streams {
		retries += st.Retries

		if st.LastActivity.After(lastActivity) {
			lastActivity = st.LastActivity
		}
	}

	return Snapshot{
		ID:           s.ID,
		UserID:       s.UserID,
		ChatID:       s.ChatID,
		Title:        s.Title,
		Format:       s.Format,
		State:        s.state,
		WorkDir:      s.WorkDir,
		ArtifactPath: s.artifactPath,
		Error:        s.errDetail,
		Retryable:    s.retryable,
		BytesDone:    s.bytesDone,
		BytesTotal:   s.bytesTotal,
		Retries:      retries,
		LastActivity: lastActivity,
		Delivery:     s.delivery,
		DeliveryURL:  s.deliveryURL,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.updatedAt,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// transition moves the session to `to` if its current state is one of
// `from`. Entering a terminal state releases the slot in the same step, so a
// racing cancel and completion can never both release it. mutate runs under
// the lock after the state check.
func (s *Session) transition(to State, mutate func(*Session), from ...State) (State, Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if !slices.Contains(from, prev) {
		return prev, Snapshot{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, to)
	}

	s.state = to
	s.updatedAt = time.Now()

	if mutate != nil {
		mutate(s)
	}

	if to.Terminal() && s.slot != nil {
		s.slot.Release()
		s.slot = nil
	}

	return prev, s.snapshotLocked(), nil
}

// applyUpdate folds a stream progress update into the aggregate counters.
func (s *Session) applyUpdate(u fetch.Update, now time.Time) (done, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Stream < 0 || u.Stream >= len(s.streams) {
		return s.bytesDone, s.bytesTotal
	}

	s.streams[u.Stream].Apply(u, now)

	done, total = 0, 0

	for i, st := range s.streams {
		streamTotal := st.Total
		if streamTotal <= 0 {
			streamTotal = s.Format.Streams[i].ExpectedSize
		}

		done += st.NextOffset
		total += streamTotal
	}

	if total > 0 && done > total {
		done = total
	}

	s.bytesDone, s.bytesTotal = done, total

	return s.bytesDone, s.bytesTotal
}

func (s *Session) progress() (done, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bytesDone, s.bytesTotal
}
