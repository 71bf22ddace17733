package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/mediadrop/internal/storage"
	"github.com/italolelis/mediadrop/internal/telemetry"
)

// InstrumentedSessionRepository wraps SessionRepository with telemetry.
type InstrumentedSessionRepository struct {
	repo      *SessionRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedSessionRepository creates a new instrumented session repository.
func NewInstrumentedSessionRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedSessionRepository {
	return &InstrumentedSessionRepository{
		repo:      NewSessionRepository(dbConn),
		telemetry: tel,
	}
}

// SaveSession upserts a session with telemetry.
func (r *InstrumentedSessionRepository) SaveSession(ctx context.Context, rec storage.SessionRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_session", func(ctx context.Context) error {
		return r.repo.SaveSession(ctx, rec)
	})
}

// DeleteSession deletes a session with telemetry.
func (r *InstrumentedSessionRepository) DeleteSession(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_session", func(ctx context.Context) error {
		return r.repo.DeleteSession(ctx, id)
	})
}

// ListSessions retrieves all sessions with telemetry.
func (r *InstrumentedSessionRepository) ListSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	var result []storage.SessionRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_sessions", func(ctx context.Context) error {
		result, err = r.repo.ListSessions(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// InstrumentedArtifactRepository wraps ArtifactRepository with telemetry.
type InstrumentedArtifactRepository struct {
	repo      *ArtifactRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedArtifactRepository creates a new instrumented artifact repository.
func NewInstrumentedArtifactRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedArtifactRepository {
	return &InstrumentedArtifactRepository{
		repo:      NewArtifactRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedArtifactRepository) SaveArtifact(ctx context.Context, rec storage.ArtifactRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_artifact", func(ctx context.Context) error {
		return r.repo.SaveArtifact(ctx, rec)
	})
}

func (r *InstrumentedArtifactRepository) DeleteArtifact(ctx context.Context, token string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_artifact", func(ctx context.Context) error {
		return r.repo.DeleteArtifact(ctx, token)
	})
}

func (r *InstrumentedArtifactRepository) ListArtifacts(ctx context.Context) ([]storage.ArtifactRecord, error) {
	var result []storage.ArtifactRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_artifacts", func(ctx context.Context) error {
		result, err = r.repo.ListArtifacts(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
