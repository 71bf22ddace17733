package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/session"
	"github.com/italolelis/mediadrop/internal/telemetry"
)

const (
	DefaultInterval          = 10 * time.Minute
	DefaultPartialStaleAfter = 8 * time.Hour
	DefaultSessionGrace      = 2 * time.Hour

	lockFile      = ".sweep.lock"
	partialSuffix = ".part"
)

// Sessions is the part of the session manager the sweeper drives.
type Sessions interface {
	List() []session.Snapshot
	Get(id string) (session.Snapshot, error)
	Abandon(ctx context.Context, id string) (bool, error)
	Reclaim(ctx context.Context, id string) error
}

// Artifacts is the part of the file server registry the sweeper drives.
type Artifacts interface {
	RemoveExpired(ctx context.Context) int
	HasSession(sessionID string) bool
	Paths() map[string]struct{}
}

type Options struct {
	DataDir           string
	Interval          time.Duration
	PartialStaleAfter time.Duration
	SessionGrace      time.Duration
	Telemetry         *telemetry.Telemetry
}

// Report counts what a single pass removed.
type Report struct {
	Skipped           bool
	StalePartials     int
	AbandonedSessions int
	ExpiredArtifacts  int
	ReclaimedSessions int
	OrphanDirs        int
}

// Sweeper periodically reclaims disk space: stale partial downloads, expired
// artifacts, finished sessions and directories nobody owns. Every step is
// idempotent, so an interrupted pass is simply repeated.
type Sweeper struct {
	sessions  Sessions
	artifacts Artifacts
	opts      Options

	mu  sync.Mutex
	now func() time.Time
}

func NewSweeper(sessions Sessions, artifacts Artifacts, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.PartialStaleAfter <= 0 {
		opts.PartialStaleAfter = DefaultPartialStaleAfter
	}

	if opts.SessionGrace <= 0 {
		opts.SessionGrace = DefaultSessionGrace
	}

	return &Sweeper{sessions: sessions, artifacts: artifacts, opts: opts, now: time.Now}
}

// SetClock replaces the time source used for age checks.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}

func (s *Sweeper) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.now()
}

// Start runs a pass immediately and then every interval until ctx is done.
// A panicking pass restarts the loop.
func (s *Sweeper) Start(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("cleanup sweeper panic",
					"operation", "sweep",
					"panic", r,
					"stack", string(debug.Stack()))

				if ctx.Err() == nil {
					logger.Info("restarting cleanup sweeper after panic")
					time.Sleep(time.Second)
					s.Start(ctx)
				}
			}
		}()

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		s.runOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup sweeper shutdown", "reason", "context_cancelled")

				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

func (s *Sweeper) runOnce(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	report, err := s.Sweep(ctx)
	if err != nil {
		logger.Error("cleanup pass failed", "err", err)

		return
	}

	if report.Skipped {
		logger.Debug("cleanup pass skipped, another sweeper holds the lock")

		return
	}

	logger.Info("cleanup pass finished",
		"stale_partials", report.StalePartials,
		"abandoned_sessions", report.AbandonedSessions,
		"expired_artifacts", report.ExpiredArtifacts,
		"reclaimed_sessions", report.ReclaimedSessions,
		"orphan_dirs", report.OrphanDirs)
}

// Sweep performs one pass. It is skipped when another process holds the
// sweep lock on the data directory.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report

	lock := flock.New(filepath.Join(s.opts.DataDir, lockFile))

	locked, err := lock.TryLock()
	if err != nil {
		return report, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}

	if !locked {
		report.Skipped = true

		return report, nil
	}
	defer lock.Unlock()

	now := s.clock()

	report.StalePartials, report.AbandonedSessions = s.sweepPartials(ctx, now)
	report.ExpiredArtifacts = s.artifacts.RemoveExpired(ctx)
	report.ReclaimedSessions = s.reclaimSessions(ctx, now)
	report.OrphanDirs = s.removeOrphans(ctx, now)

	tel := s.opts.Telemetry
	tel.RecordSweep("partials", report.StalePartials)
	tel.RecordSweep("abandoned_sessions", report.AbandonedSessions)
	tel.RecordSweep("artifacts", report.ExpiredArtifacts)
	tel.RecordSweep("sessions", report.ReclaimedSessions)
	tel.RecordSweep("orphans", report.OrphanDirs)

	return report, nil
}

// sweepPartials deletes partial files of sessions that made no progress for
// PartialStaleAfter. A session counts as stalled only when all of its
// partials are stale, since one stream may finish long before the other.
func (s *Sweeper) sweepPartials(ctx context.Context, now time.Time) (removed, abandoned int) {
	logger := logctx.LoggerFromContext(ctx)

	matches, err := filepath.Glob(filepath.Join(s.opts.DataDir, "*", "*"+partialSuffix))
	if err != nil {
		logger.Error("failed to list partial files", "err", err)

		return 0, 0
	}

	bySession := make(map[string][]string)
	newest := make(map[string]time.Time)

	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}

		id := filepath.Base(filepath.Dir(p))
		bySession[id] = append(bySession[id], p)

		if info.ModTime().After(newest[id]) {
			newest[id] = info.ModTime()
		}
	}

	for id, paths := range bySession {
		if now.Sub(newest[id]) <= s.opts.PartialStaleAfter {
			continue
		}

		sessionLogger := logger.With("session_id", id)

		ok, err := s.sessions.Abandon(ctx, id)
		switch {
		case err != nil && !errors.Is(err, session.ErrNotFound):
			sessionLogger.Error("failed to abandon stalled session", "err", err)

			continue
		case ok:
			abandoned++

			sessionLogger.Info("abandoned stalled session", "idle_for", now.Sub(newest[id]).Round(time.Minute).String())
		}

		for _, p := range paths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				sessionLogger.Error("failed to delete stale partial", "path", p, "err", err)

				continue
			}

			removed++
		}
	}

	return removed, abandoned
}

// reclaimSessions forgets delivered and cancelled sessions after the grace
// period once no link points at them, and failed sessions once their
// partials would be considered stale.
func (s *Sweeper) reclaimSessions(ctx context.Context, now time.Time) int {
	logger := logctx.LoggerFromContext(ctx)

	var reclaimed int

	for _, snap := range s.sessions.List() {
		age := now.Sub(snap.UpdatedAt)

		var due bool

		switch snap.State {
		case session.StateDelivered, session.StateCancelled:
			due = age > s.opts.SessionGrace && !s.artifacts.HasSession(snap.ID)
		case session.StateFailed:
			due = age > s.opts.PartialStaleAfter
		}

		if !due {
			continue
		}

		if err := s.sessions.Reclaim(ctx, snap.ID); err != nil {
			if !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrInvalidTransition) {
				logger.Error("failed to reclaim session", "session_id", snap.ID, "err", err)
			}

			continue
		}

		reclaimed++
	}

	return reclaimed
}

// removeOrphans deletes session directories that no session or artifact
// refers to, e.g. left behind by a crash before the record was written.
func (s *Sweeper) removeOrphans(ctx context.Context, now time.Time) int {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(s.opts.DataDir)
	if err != nil {
		logger.Error("failed to list data directory", "err", err)

		return 0
	}

	referenced := make(map[string]struct{})
	for p := range s.artifacts.Paths() {
		referenced[filepath.Dir(p)] = struct{}{}
	}

	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		dir := filepath.Join(s.opts.DataDir, entry.Name())

		if _, err := s.sessions.Get(entry.Name()); !errors.Is(err, session.ErrNotFound) {
			continue
		}

		if _, ok := referenced[dir]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= s.opts.PartialStaleAfter {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			logger.Error("failed to remove orphan directory", "path", dir, "err", err)

			continue
		}

		logger.Info("removed orphan directory", "path", dir)

		removed++
	}

	return removed
}
