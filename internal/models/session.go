package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionKind distinguishes group webinars from private one-on-one calls.
type SessionKind string

const (
	KindWebinar  SessionKind = "webinar"
	KindOneOnOne SessionKind = "one-on-one"
)

// SessionStatus is the lifecycle state of a session.
// scheduled → live → completed, with scheduled|live → cancelled as escape
// transitions. completed and cancelled are terminal.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusLive      SessionStatus = "live"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Session is a schedulable unit of live interaction hosted by a therapist.
// Sessions are never deleted in the normal flow, only marked cancelled or
// completed. The participant list records registered identities; live media
// state is tracked separately by the call layer.
type Session struct {
	ID              uuid.UUID     `json:"id"`
	Kind            SessionKind   `json:"kind"`
	Status          SessionStatus `json:"status"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	HostID          uuid.UUID     `json:"host_id"`
	HostName        string        `json:"host_name"`
	StartsAt        time.Time     `json:"starts_at"`
	DurationMinutes int           `json:"duration_minutes"`
	MaxParticipants int           `json:"max_participants"`
	Participants    []uuid.UUID   `json:"participants"`
	ThumbnailKey    string        `json:"thumbnail_key,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// EndsAt returns the scheduled end of the session.
func (s *Session) EndsAt() time.Time {
	return s.StartsAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// HasParticipant reports whether userID is recorded on the session.
func (s *Session) HasParticipant(userID uuid.UUID) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Availability is the seat accounting for a session.
type Availability struct {
	Available int `json:"available"`
	Total     int `json:"total"`
}
