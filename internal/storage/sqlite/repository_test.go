package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/mediadrop/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "test.db")
}

func TestSessionRepository_SaveListDelete(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(openTestDB(t))
	require.NoError(t, err)
	defer db.Close()

	repo := NewInstrumentedSessionRepository(db, nil)

	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := storage.SessionRecord{
		ID:         "s1",
		UserID:     42,
		ChatID:     7,
		Title:      "Concert",
		Format:     []byte(`{"id":"137+140"}`),
		State:      "pending",
		WorkDir:    "/data/s1",
		BytesTotal: 3 << 30,
		CreatedAt:  created,
		UpdatedAt:  created,
	}

	require.NoError(t, repo.SaveSession(ctx, rec))

	rec.State = "failed"
	rec.Error = "interrupted by restart"
	rec.Retryable = true
	rec.BytesDone = 1 << 30
	rec.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, repo.SaveSession(ctx, rec))

	got, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	s := got[0]
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, int64(42), s.UserID)
	assert.Equal(t, int64(7), s.ChatID)
	assert.Equal(t, "failed", s.State)
	assert.Equal(t, "interrupted by restart", s.Error)
	assert.True(t, s.Retryable)
	assert.Equal(t, int64(1<<30), s.BytesDone)
	assert.Equal(t, int64(3<<30), s.BytesTotal)
	assert.JSONEq(t, `{"id":"137+140"}`, string(s.Format))
	assert.True(t, created.Equal(s.CreatedAt))
	assert.True(t, created.Add(time.Minute).Equal(s.UpdatedAt))

	require.NoError(t, repo.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, repo.DeleteSession(ctx, "s1"), storage.ErrNotFound)

	got, err = repo.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestArtifactRepository_SaveListDelete(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(openTestDB(t))
	require.NoError(t, err)
	defer db.Close()

	repo := NewInstrumentedArtifactRepository(db, nil)

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, token := range []string{"tok-a", "tok-b"} {
		require.NoError(t, repo.SaveArtifact(ctx, storage.ArtifactRecord{
			Token:       token,
			SessionID:   "s1",
			Path:        "/data/s1/Concert.mp4",
			Filename:    "Concert.mp4",
			ContentType: "video/mp4",
			Size:        3 << 30,
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		}))
	}

	assert.Error(t, repo.SaveArtifact(ctx, storage.ArtifactRecord{Token: "tok-a", SessionID: "s2", CreatedAt: now}),
		"tokens are unique")

	got, err := repo.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tok-a", got[0].Token)
	assert.Equal(t, "video/mp4", got[0].ContentType)
	assert.Equal(t, int64(3<<30), got[0].Size)
	assert.True(t, now.Equal(got[0].CreatedAt))

	require.NoError(t, repo.DeleteArtifact(ctx, "tok-a"))
	assert.ErrorIs(t, repo.DeleteArtifact(ctx, "tok-a"), storage.ErrNotFound)

	got, err = repo.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tok-b", got[0].Token)
}

func TestInitDB_Reopen(t *testing.T) {
	ctx := context.Background()
	path := openTestDB(t)

	db, err := InitDB(path)
	require.NoError(t, err)

	require.NoError(t, NewSessionRepository(db).SaveSession(ctx, storage.SessionRecord{
		ID: "s1", UserID: 1, Format: []byte(`{}`), State: "ready", WorkDir: "/data/s1",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, db.Close())

	db, err = InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := NewSessionRepository(db).ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ready", got[0].State)
}
