package limiter

import (
	"sync"
	"sync/atomic"

	"github.com/italolelis/mediadrop/internal/media"
)

// Limiter bounds how many sessions may be active at once, per user and
// globally. Excess requests are rejected, never queued.
type Limiter struct {
	perUser int
	global  int // 0 means unlimited

	mu     sync.Mutex
	active map[int64]int
	total  int
}

// New creates a limiter. A global cap of zero disables the global check.
func New(perUser, global int) *Limiter {
	if perUser <= 0 {
		perUser = 1
	}

	if global < 0 {
		global = 0
	}

	return &Limiter{
		perUser: perUser,
		global:  global,
		active:  make(map[int64]int),
	}
}

// Slot is an admission ticket. It must be released exactly once when the
// owning session reaches a terminal state.
type Slot struct {
	UserID    int64
	SessionID string

	released atomic.Bool
	limiter  *Limiter
}

// Admit reserves a slot for the user or returns *media.AdmissionRejectedError.
func (l *Limiter) Admit(userID int64, sessionID string) (*Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global > 0 && l.total >= l.global {
		return nil, &media.AdmissionRejectedError{UserID: userID, Scope: media.ScopeGlobal, Limit: l.global}
	}

	if l.active[userID] >= l.perUser {
		return nil, &media.AdmissionRejectedError{UserID: userID, Scope: media.ScopeUser, Limit: l.perUser}
	}

	l.active[userID]++
	l.total++

	return &Slot{UserID: userID, SessionID: sessionID, limiter: l}, nil
}

// Release returns the slot to the limiter. Only the first call has an effect;
// it reports whether this call was the one that released it.
func (s *Slot) Release() bool {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return false
	}

	s.limiter.release(s.UserID)

	return true
}

// Released reports whether the slot was already given back.
func (s *Slot) Released() bool {
	return s == nil || s.released.Load()
}

func (l *Limiter) release(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active[userID] > 0 {
		l.active[userID]--
		l.total--
	}

	if l.active[userID] == 0 {
		delete(l.active, userID)
	}
}

// Active returns the number of slots currently held by a user.
func (l *Limiter) Active(userID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.active[userID]
}

// Total returns the number of slots currently held across all users.
func (l *Limiter) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.total
}
