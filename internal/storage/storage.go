package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionRecord is the persisted form of a download session.
type SessionRecord struct {
	ID           string
	UserID       int64
	ChatID       int64
	Title        string
	Format       []byte // JSON encoded format descriptor
	State        string
	WorkDir      string
	ArtifactPath string
	Error        string
	Retryable    bool
	BytesDone    int64
	BytesTotal   int64
	Delivery     string // "upload" or "link" once delivered
	DeliveryURL  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ArtifactRecord is the persisted form of a served artifact.
type ArtifactRecord struct {
	Token       string
	SessionID   string
	Path        string
	Filename    string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

type SessionRepository interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]SessionRecord, error)
}

type ArtifactRepository interface {
	SaveArtifact(ctx context.Context, rec ArtifactRecord) error
	DeleteArtifact(ctx context.Context, token string) error
	ListArtifacts(ctx context.Context) ([]ArtifactRecord, error)
}
