package sessions

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindhaven-health/backend/internal/models"
)

// Repository persists the session catalog. It backs the in-memory registry
// as its write-through Store and rehydrates it at boot.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert writes a new session row.
func (r *Repository) Insert(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (id, kind, status, title, description, host_id, host_name, starts_at, duration_minutes, max_participants, thumbnail_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, q, s.ID, s.Kind, s.Status, s.Title, s.Description, s.HostID, s.HostName, s.StartsAt, s.DurationMinutes, s.MaxParticipants, s.ThumbnailKey, s.CreatedAt, s.UpdatedAt)
	return err
}

// Update rewrites the mutable session fields.
func (r *Repository) Update(ctx context.Context, s *models.Session) error {
	const q = `UPDATE sessions SET status = $1, title = $2, description = $3, starts_at = $4, duration_minutes = $5, max_participants = $6, thumbnail_key = $7, updated_at = $8
		WHERE id = $9`
	_, err := r.pool.Exec(ctx, q, s.Status, s.Title, s.Description, s.StartsAt, s.DurationMinutes, s.MaxParticipants, s.ThumbnailKey, s.UpdatedAt, s.ID)
	return err
}

// Delete removes a session; participant rows go with it via cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM sessions WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// AddParticipant records a join. Re-joining is a no-op on conflict.
func (r *Repository) AddParticipant(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `INSERT INTO session_participants (session_id, user_id) VALUES ($1, $2)
		ON CONFLICT (session_id, user_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, sessionID, userID)
	return err
}

// RemoveParticipant records a leave.
func (r *Repository) RemoveParticipant(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `DELETE FROM session_participants WHERE session_id = $1 AND user_id = $2`
	_, err := r.pool.Exec(ctx, q, sessionID, userID)
	return err
}

// ListAll returns the full catalog with participants, oldest first, which
// keeps the registry's catalog order stable across restarts.
func (r *Repository) ListAll(ctx context.Context) ([]models.Session, error) {
	const q = `SELECT id, kind, status, title, description, host_id, host_name, starts_at, duration_minutes, max_participants, thumbnail_key, created_at, updated_at
		FROM sessions ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Session
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Kind, &s.Status, &s.Title, &s.Description, &s.HostID, &s.HostName, &s.StartsAt, &s.DurationMinutes, &s.MaxParticipants, &s.ThumbnailKey, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		index[s.ID] = len(list)
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const pq = `SELECT session_id, user_id FROM session_participants ORDER BY joined_at ASC`
	prows, err := r.pool.Query(ctx, pq)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var sessionID, userID uuid.UUID
		if err := prows.Scan(&sessionID, &userID); err != nil {
			return nil, err
		}
		if i, ok := index[sessionID]; ok {
			list[i].Participants = append(list[i].Participants, userID)
		}
	}
	return list, prows.Err()
}
