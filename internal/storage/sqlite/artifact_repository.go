package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/mediadrop/internal/storage"
)

// ArtifactRepository stores the file server's issued links.
type ArtifactRepository struct {
	db *sql.DB
}

func NewArtifactRepository(dbConn *sql.DB) *ArtifactRepository {
	return &ArtifactRepository{db: dbConn}
}

func (r *ArtifactRepository) SaveArtifact(ctx context.Context, rec storage.ArtifactRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO artifacts (token, session_id, path, filename, content_type, size, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.SessionID, rec.Path, rec.Filename, rec.ContentType, rec.Size, rec.CreatedAt.UTC(),
	)

	return err
}

func (r *ArtifactRepository) DeleteArtifact(ctx context.Context, token string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE token = ?`, token)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *ArtifactRepository) ListArtifacts(ctx context.Context) ([]storage.ArtifactRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT token, session_id, path, filename, content_type, size, created_at FROM artifacts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []storage.ArtifactRecord

	for rows.Next() {
		var rec storage.ArtifactRecord
		if err := rows.Scan(&rec.Token, &rec.SessionID, &rec.Path, &rec.Filename, &rec.ContentType, &rec.Size, &rec.CreatedAt); err != nil {
			return nil, err
		}

		artifacts = append(artifacts, rec)
	}

	return artifacts, rows.Err()
}
