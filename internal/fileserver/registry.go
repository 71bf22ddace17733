package fileserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/storage"
)

const (
	// Prefix is the path the file handler is mounted on.
	Prefix = "/files"

	DefaultRetention = 8 * time.Hour

	tokenBytes  = 32
	sniffLength = 262
)

// ErrNotFound is returned for unknown and expired tokens alike.
var ErrNotFound = errors.New("artifact not found")

// Artifact is a finished file registered for time-limited HTTP delivery.
// Its bytes are never modified after registration.
type Artifact struct {
	Token       string
	SessionID   string
	Path        string
	Filename    string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// Registry maps unguessable tokens to artifacts and enforces retention.
// It is safe for concurrent use; lookups never wait on disk I/O.
type Registry struct {
	retention time.Duration
	repo      storage.ArtifactRepository
	now       func() time.Time

	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

// NewRegistry creates a registry. repo may be nil, in which case artifacts
// only live in memory.
func NewRegistry(retention time.Duration, repo storage.ArtifactRepository) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &Registry{
		retention: retention,
		repo:      repo,
		now:       time.Now,
		artifacts: make(map[string]*Artifact),
	}
}

// SetClock replaces the time source. Intended for tests and simulations.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.now = now
}

// Retention returns how long artifacts stay retrievable.
func (r *Registry) Retention() time.Duration {
	return r.retention
}

// URL builds the public link for a token.
func URL(baseURL, token string) string {
	return strings.TrimSuffix(baseURL, "/") + Prefix + "/" + token
}

// Register makes the file at path retrievable under a fresh token. A session
// owns at most one artifact: registering the same file again while its link
// is live returns the existing artifact, anything else replaces it.
func (r *Registry) Register(ctx context.Context, sessionID, path, filename string) (*Artifact, error) {
	logger := logctx.LoggerFromContext(ctx)

	if existing := r.live(sessionID, path); existing != nil {
		logger.Info("artifact already registered", "session_id", sessionID)

		return existing, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("artifact %s is a directory", path)
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	a := &Artifact{
		Token:       token,
		SessionID:   sessionID,
		Path:        path,
		Filename:    filename,
		ContentType: sniffContentType(path),
		Size:        info.Size(),
		CreatedAt:   r.clock(),
	}

	if r.repo != nil {
		if err := r.repo.SaveArtifact(ctx, toRecord(a)); err != nil {
			return nil, fmt.Errorf("failed to persist artifact: %w", err)
		}
	}

	r.mu.Lock()

	var replaced []*Artifact

	for t, prev := range r.artifacts {
		if prev.SessionID == sessionID {
			replaced = append(replaced, prev)
			delete(r.artifacts, t)
		}
	}

	r.artifacts[token] = a
	r.mu.Unlock()

	for _, prev := range replaced {
		if err := r.destroy(ctx, prev); err != nil {
			logger.Error("failed to remove replaced artifact", "session_id", sessionID, "err", err)
		}
	}

	logger.Info("artifact registered",
		"session_id", sessionID, "size", a.Size, "expires_at", a.CreatedAt.Add(r.retention), "replaced", len(replaced))

	return a, nil
}

// Lookup returns a live artifact. Expired artifacts are reported as missing
// even before the sweeper removes them.
func (r *Registry) Lookup(token string) (*Artifact, error) {
	r.mu.RLock()
	a, ok := r.artifacts[token]
	now := r.now()
	r.mu.RUnlock()

	if !ok || r.expired(a, now) {
		return nil, ErrNotFound
	}

	copied := *a

	return &copied, nil
}

// Remove invalidates the token and deletes the backing file.
func (r *Registry) Remove(ctx context.Context, token string) error {
	r.mu.Lock()
	a, ok := r.artifacts[token]
	delete(r.artifacts, token)
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	return r.destroy(ctx, a)
}

// RemoveSession removes every artifact registered by a session and returns
// how many were removed.
func (r *Registry) RemoveSession(ctx context.Context, sessionID string) int {
	r.mu.Lock()

	var owned []*Artifact

	for token, a := range r.artifacts {
		if a.SessionID == sessionID {
			owned = append(owned, a)
			delete(r.artifacts, token)
		}
	}
	r.mu.Unlock()

	for _, a := range owned {
		if err := r.destroy(ctx, a); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to remove artifact", "session_id", sessionID, "err", err)
		}
	}

	return len(owned)
}

// RemoveExpired removes artifacts past the retention window and returns
// how many were removed.
func (r *Registry) RemoveExpired(ctx context.Context) int {
	r.mu.Lock()

	now := r.now()

	var expired []*Artifact

	for token, a := range r.artifacts {
		if r.expired(a, now) {
			expired = append(expired, a)
			delete(r.artifacts, token)
		}
	}
	r.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	for _, a := range expired {
		if err := r.destroy(ctx, a); err != nil {
			logger.Error("failed to remove expired artifact", "session_id", a.SessionID, "err", err)

			continue
		}

		logger.Info("expired artifact removed", "session_id", a.SessionID, "path", a.Path)
	}

	return len(expired)
}

// HasSession reports whether a session still has a live artifact.
func (r *Registry) HasSession(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()

	for _, a := range r.artifacts {
		if a.SessionID == sessionID && !r.expired(a, now) {
			return true
		}
	}

	return false
}

// Paths returns the backing files of all registered artifacts.
func (r *Registry) Paths() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make(map[string]struct{}, len(r.artifacts))
	for _, a := range r.artifacts {
		paths[a.Path] = struct{}{}
	}

	return paths
}

// Load restores persisted artifacts, typically at startup.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.repo == nil {
		return 0, nil
	}

	records, err := r.repo.ListArtifacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list artifacts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		r.artifacts[rec.Token] = &Artifact{
			Token:       rec.Token,
			SessionID:   rec.SessionID,
			Path:        rec.Path,
			Filename:    rec.Filename,
			ContentType: rec.ContentType,
			Size:        rec.Size,
			CreatedAt:   rec.CreatedAt,
		}
	}

	return len(records), nil
}

// live returns a copy of the session's unexpired artifact for path, if any.
func (r *Registry) live(sessionID, path string) *Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()

	for _, a := range r.artifacts {
		if a.SessionID == sessionID && a.Path == path && !r.expired(a, now) {
			copied := *a

			return &copied
		}
	}

	return nil
}

// destroy drops the record of an artifact that is no longer in the map and
// deletes its file unless another registered artifact still serves it.
func (r *Registry) destroy(ctx context.Context, a *Artifact) error {
	if r.repo != nil {
		if err := r.repo.DeleteArtifact(ctx, a.Token); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete artifact record: %w", err)
		}
	}

	if r.referenced(a.Path) {
		return nil
	}

	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact file: %w", err)
	}

	return nil
}

func (r *Registry) referenced(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.artifacts {
		if a.Path == path {
			return true
		}
	}

	return false
}

func (r *Registry) expired(a *Artifact, now time.Time) bool {
	return now.Sub(a.CreatedAt) >= r.retention
}

func (r *Registry) clock() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.now()
}

func toRecord(a *Artifact) storage.ArtifactRecord {
	return storage.ArtifactRecord{
		Token:       a.Token,
		SessionID:   a.SessionID,
		Path:        a.Path,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		CreatedAt:   a.CreatedAt,
	}
}

// newToken returns 256 bits of randomness, URL-safe encoded.
func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func sniffContentType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	head := make([]byte, sniffLength)

	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return ""
	}

	kind, _ := filetype.Match(head[:n])
	if kind == filetype.Unknown {
		return ""
	}

	return kind.MIME.Value
}
