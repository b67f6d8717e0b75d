package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one attendance row for GET /sessions/:id/attendees.
type Record struct {
	UserID         uuid.UUID  `json:"user_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	PresentSeconds int64      `json:"present_seconds"`
}

// Repository handles attendance rows. Joins open a row; leaves close the
// most recent open row and record presence time.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attendance repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin inserts a row when a participant joins a session.
func (r *Repository) LogJoin(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attendance (session_id, user_id, joined_at) VALUES ($1, $2, NOW())`,
		sessionID, userID)
	return err
}

// LogLeave closes the most recent open attendance row for this user in
// this session.
func (r *Repository) LogLeave(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attendance a SET left_at = NOW(), present_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - a.joined_at))::BIGINT)
		 FROM (SELECT id FROM attendance WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE a.id = sub.id`,
		sessionID, userID)
	return err
}

// Aggregates holds total presence time and distinct attendee count for a
// session.
type Aggregates struct {
	TotalPresentSeconds int64 `json:"total_present_seconds"`
	DistinctUsers       int   `json:"distinct_users"`
}

// GetAggregates returns presence totals from closed attendance rows. Fed to
// the nightly rollup job.
func (r *Repository) GetAggregates(ctx context.Context, sessionID uuid.UUID) (*Aggregates, error) {
	const q = `SELECT COALESCE(SUM(present_seconds), 0), COUNT(DISTINCT user_id) FROM attendance WHERE session_id = $1 AND left_at IS NOT NULL`
	var agg Aggregates
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&agg.TotalPresentSeconds, &agg.DistinctUsers)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// ListBySession returns attendance records for a session, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, joined_at, left_at, present_seconds
		 FROM attendance WHERE session_id = $1 ORDER BY joined_at DESC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.UserID, &rec.JoinedAt, &rec.LeftAt, &rec.PresentSeconds); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}
