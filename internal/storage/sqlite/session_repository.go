package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/mediadrop/internal/storage"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(dbConn *sql.DB) *SessionRepository {
	return &SessionRepository{db: dbConn}
}

// SaveSession inserts the record or replaces the stored one with the same id.
func (r *SessionRepository) SaveSession(ctx context.Context, rec storage.SessionRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, chat_id, title, format, state, work_dir, artifact_path,
			error, retryable, bytes_done, bytes_total, delivery, delivery_url,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			artifact_path = excluded.artifact_path,
			error = excluded.error,
			retryable = excluded.retryable,
			bytes_done = excluded.bytes_done,
			bytes_total = excluded.bytes_total,
			delivery = excluded.delivery,
			delivery_url = excluded.delivery_url,
			updated_at = excluded.updated_at
	`,
		rec.ID, rec.UserID, rec.ChatID, rec.Title, string(rec.Format), rec.State, rec.WorkDir, rec.ArtifactPath,
		rec.Error, rec.Retryable, rec.BytesDone, rec.BytesTotal, rec.Delivery, rec.DeliveryURL,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)

	return err
}

func (r *SessionRepository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
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

func (r *SessionRepository) ListSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id, user_id, chat_id, title, format, state, work_dir, artifact_path,
			error, retryable, bytes_done, bytes_total, delivery, delivery_url,
			created_at, updated_at
		FROM sessions
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []storage.SessionRecord

	for rows.Next() {
		var (
			rec    storage.SessionRecord
			format string
		)

		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.ChatID, &rec.Title, &format, &rec.State, &rec.WorkDir, &rec.ArtifactPath,
			&rec.Error, &rec.Retryable, &rec.BytesDone, &rec.BytesTotal, &rec.Delivery, &rec.DeliveryURL,
			&rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		rec.Format = []byte(format)
		sessions = append(sessions, rec)
	}

	return sessions, rows.Err()
}
