package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/italolelis/mediadrop/internal/delivery"
	"github.com/italolelis/mediadrop/internal/fetch"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/media"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const maxNameRunes = 120

// run drives one attempt of a session: fetch, merge, deliver. It exits
// quietly when ctx is cancelled; whoever cancelled owns the state change.
// stop cancels ctx and is called on every exit path.
func (m *Manager) run(ctx context.Context, stop context.CancelFunc, s *Session, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)
	defer stop()

	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("session pipeline panicked", "panic", r, "stack", string(debug.Stack()))
			m.fail(ctx, s, fmt.Errorf("internal error: %v", r))
		}
	}()

	artifact, err := m.produce(ctx, s)
	if err != nil {
		m.fail(ctx, s, err)

		return
	}

	prev, snap, err := s.transition(StateReady, func(s *Session) {
		s.artifactPath = artifact
		s.cancel = nil
	}, StateFetching, StateMerging)
	if err != nil {
		logger.Debug("session left the pipeline before completion", "err", err)

		return
	}

	m.recordTransition(ctx, prev, snap)

	m.deliver(ctx, s, snap)
}

// produce returns the path of the finished artifact, fetching and merging as
// needed.
func (m *Manager) produce(ctx context.Context, s *Session) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	if existing := s.Snapshot().ArtifactPath; existing != "" {
		if info, err := os.Stat(existing); err == nil && info.Size() > 0 {
			logger.Info("artifact already complete, skipping download", "path", existing)

			return existing, nil
		}
	}

	paths, err := m.fetchAll(ctx, s)
	if err != nil {
		return "", err
	}

	final := filepath.Join(s.WorkDir, artifactName(s.Title, s.Format.Extension()))

	if !s.Format.NeedsMerge() {
		if err := os.Rename(paths[0], final); err != nil {
			return "", &media.DiskError{Op: "rename", Path: paths[0], Err: err}
		}

		return final, nil
	}

	prev, snap, err := s.transition(StateMerging, nil, StateFetching)
	if err != nil {
		return "", err
	}

	m.recordTransition(ctx, prev, snap)

	var video, audio string

	for i, spec := range s.Format.Streams {
		switch spec.Kind {
		case media.KindVideo:
			video = paths[i]
		case media.KindAudio:
			audio = paths[i]
		}
	}

	return m.merger.Merge(ctx, video, audio, final)
}

// fetchAll fetches every stream concurrently into the session directory and
// returns the partial file paths in stream order.
func (m *Manager) fetchAll(ctx context.Context, s *Session) ([]string, error) {
	streams := s.Format.Streams
	paths := make([]string, len(streams))

	updates := make(chan fetch.Update, 16)
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		m.collectProgress(s, updates)
	}()

	g, gctx := errgroup.WithContext(ctx)

	for i, spec := range streams {
		paths[i] = filepath.Join(s.WorkDir, partName(spec.Kind, len(streams)))

		g.Go(func() error {
			_, err := m.fetcher.Fetch(gctx, fetch.Request{Stream: i, Spec: spec, Dest: paths[i]}, updates)

			return err
		})
	}

	err := g.Wait()

	close(updates)
	<-collected

	if err != nil {
		return nil, err
	}

	return paths, nil
}

// collectProgress folds stream updates into the session and forwards them
// at most once per interval. The last state is always reported.
func (m *Manager) collectProgress(s *Session, updates <-chan fetch.Update) {
	throttle := rate.Sometimes{Interval: m.opts.ProgressInterval}

	for u := range updates {
		done, total := s.applyUpdate(u, time.Now())

		if m.opts.OnProgress != nil {
			throttle.Do(func() { m.opts.OnProgress(s.ID, done, total) })
		}
	}

	if m.opts.OnProgress != nil {
		done, total := s.progress()
		m.opts.OnProgress(s.ID, done, total)
	}
}

func (m *Manager) deliver(ctx context.Context, s *Session, snap Snapshot) {
	outcome, err := m.deliverer.Deliver(ctx, delivery.Request{
		SessionID: s.ID,
		ChatID:    s.ChatID,
		Kind:      s.Format.Kind,
		Title:     s.Title,
		Path:      snap.ArtifactPath,
		Filename:  filepath.Base(snap.ArtifactPath),
	})
	if err != nil {
		m.fail(ctx, s, err)

		return
	}

	prev, snap, err := s.transition(StateDelivered, func(s *Session) {
		s.delivery = string(outcome.Method)
		s.deliveryURL = outcome.URL
	}, StateReady)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("delivered session changed state meanwhile", "err", err)

		return
	}

	m.recordTransition(ctx, prev, snap)

	logctx.LoggerFromContext(ctx).Info("session delivered",
		"method", outcome.Method, "size", media.FormatSize(outcome.Size))
}

// fail records err on the session. Disk errors are escalated to operators.
func (m *Manager) fail(ctx context.Context, s *Session, err error) {
	logger := logctx.LoggerFromContext(ctx)

	if ctx.Err() != nil {
		logger.Info("session pipeline stopped", "state", s.State())

		return
	}

	retryable := media.Retryable(err)

	prev, snap, terr := s.transition(StateFailed, func(s *Session) {
		s.errDetail = err.Error()
		s.retryable = retryable
		s.cancel = nil
	}, StateFetching, StateMerging, StateReady)
	if terr != nil {
		logger.Debug("failure ignored, session already moved on", "err", err, "transition_err", terr)

		return
	}

	m.recordTransition(ctx, prev, snap)
	m.opts.Telemetry.RecordSystemError("session", media.Class(err))

	var diskErr *media.DiskError
	if errors.As(err, &diskErr) {
		m.escalate(ctx, s, err)

		return
	}

	logger.Warn("session failed", "from", prev, "err", err, "retryable", retryable)
}

func (m *Manager) escalate(ctx context.Context, s *Session, err error) {
	logctx.LoggerFromContext(ctx).Error("session aborted by disk failure",
		"operator_alert", true, "work_dir", s.WorkDir, "err", err)

	if m.opts.Notifier == nil {
		return
	}

	msg := fmt.Sprintf("mediadrop: session %s (user %d) aborted by a disk failure: %v", s.ID, s.UserID, err)
	if nerr := m.opts.Notifier.Notify(context.WithoutCancel(ctx), msg); nerr != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send operator alert", "err", nerr)
	}
}

// streamStates rebuilds fetch sub-state from whatever partial files exist.
func streamStates(s *Session) []fetch.State {
	n := len(s.Format.Streams)
	states := make([]fetch.State, n)

	for i, spec := range s.Format.Streams {
		path := filepath.Join(s.WorkDir, partName(spec.Kind, n))
		states[i] = fetch.State{PartialPath: path, Total: spec.ExpectedSize}

		if info, err := os.Stat(path); err == nil {
			states[i].NextOffset = info.Size()
		}
	}

	return states
}

// partName names the partial file of a stream inside the session directory.
func partName(kind media.Kind, streams int) string {
	if streams == 1 {
		return "media.part"
	}

	return string(kind) + ".part"
}

// artifactName turns a title into a safe file name.
func artifactName(title, ext string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		}

		return r
	}, strings.TrimSpace(title))

	name = strings.Trim(name, ". ")

	if runes := []rune(name); len(runes) > maxNameRunes {
		name = strings.TrimSpace(string(runes[:maxNameRunes]))
	}

	if name == "" {
		name = "media"
	}

	ext = strings.TrimLeft(filepath.Base("/"+ext), "./")
	if ext == "" {
		ext = "bin"
	}

	return name + "." + ext
}
