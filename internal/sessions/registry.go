package sessions

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindhaven-health/backend/internal/models"
)

// JoinWindowBefore is how early a participant may enter before the
// scheduled start.
const JoinWindowBefore = 30 * time.Minute

// defaultWebinarCapacity applies when a webinar draft carries no explicit
// participant cap.
const defaultWebinarCapacity = 100

// Store is the write-through persistence behind the registry. The registry
// stays the in-memory source of truth; store failures are logged and do not
// fail reads. A nil Store is valid (tests, ephemeral deployments).
type Store interface {
	Insert(ctx context.Context, s *models.Session) error
	Update(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	AddParticipant(ctx context.Context, sessionID, userID uuid.UUID) error
	RemoveParticipant(ctx context.Context, sessionID, userID uuid.UUID) error
}

// Registry holds the session catalog in insertion order and answers all
// scheduling queries. It is the single source of truth for session data;
// the participant list mutates only through AddParticipant and
// RemoveParticipant.
type Registry struct {
	mu     sync.RWMutex
	order  []uuid.UUID
	byID   map[uuid.UUID]*models.Session
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byID:   make(map[uuid.UUID]*models.Session),
		store:  store,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the wall clock (tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Load hydrates the catalog, e.g. from persistence at boot. Existing
// entries are replaced; input order becomes catalog order.
func (r *Registry) Load(sessions []models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = r.order[:0]
	r.byID = make(map[uuid.UUID]*models.Session, len(sessions))
	for i := range sessions {
		s := sessions[i]
		r.order = append(r.order, s.ID)
		r.byID[s.ID] = &s
	}
}

// CreateParams is a session draft from the booking flow.
type CreateParams struct {
	Kind            models.SessionKind
	Title           string
	Description     string
	HostID          uuid.UUID
	HostName        string
	StartsAt        time.Time
	DurationMinutes int
	MaxParticipants int
	ThumbnailKey    string
}

// Create validates the draft, applies kind-specific capacity defaults
// (one-on-one always has capacity 1) and registers the session as
// scheduled with no participants.
func (r *Registry) Create(ctx context.Context, p CreateParams) (uuid.UUID, error) {
	if p.Title == "" {
		return uuid.Nil, errValidation("title is required")
	}
	if p.StartsAt.IsZero() {
		return uuid.Nil, errValidation("starts_at is required")
	}
	if p.DurationMinutes <= 0 {
		return uuid.Nil, errValidation("duration_minutes must be positive")
	}
	switch p.Kind {
	case models.KindOneOnOne:
		p.MaxParticipants = 1
	case models.KindWebinar:
		if p.MaxParticipants <= 0 {
			p.MaxParticipants = defaultWebinarCapacity
		}
	default:
		return uuid.Nil, errValidation("unknown session kind")
	}

	now := r.clock()
	s := &models.Session{
		ID:              uuid.New(),
		Kind:            p.Kind,
		Status:          models.StatusScheduled,
		Title:           p.Title,
		Description:     p.Description,
		HostID:          p.HostID,
		HostName:        p.HostName,
		StartsAt:        p.StartsAt,
		DurationMinutes: p.DurationMinutes,
		MaxParticipants: p.MaxParticipants,
		ThumbnailKey:    p.ThumbnailKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	r.mu.Lock()
	r.order = append(r.order, s.ID)
	r.byID[s.ID] = s
	r.mu.Unlock()

	r.persist(ctx, func(st Store) error { return st.Insert(ctx, s) })
	return s.ID, nil
}

// UpdateParams are the merge fields for Update; nil means keep.
type UpdateParams struct {
	Title           *string
	Description     *string
	StartsAt        *time.Time
	DurationMinutes *int
	MaxParticipants *int
	Status          *models.SessionStatus
	ThumbnailKey    *string
}

// Update merges fields into a session. Unknown ids are a silent no-op;
// callers needing existence must check Get first. Used for cancellation,
// rescheduling and status transitions.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, p UpdateParams) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("update for unknown session ignored", zap.String("session_id", id.String()))
		return
	}
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.StartsAt != nil {
		s.StartsAt = *p.StartsAt
	}
	if p.DurationMinutes != nil {
		s.DurationMinutes = *p.DurationMinutes
	}
	if p.MaxParticipants != nil && s.Kind != models.KindOneOnOne {
		s.MaxParticipants = *p.MaxParticipants
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.ThumbnailKey != nil {
		s.ThumbnailKey = *p.ThumbnailKey
	}
	s.UpdatedAt = r.now()
	snapshot := *s
	r.mu.Unlock()

	r.persist(ctx, func(st Store) error { return st.Update(ctx, &snapshot) })
}

// Remove deletes a session outright. Administrative cleanup only;
// cancellation is a status update, not deletion.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) {
	r.mu.Lock()
	if _, ok := r.byID[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.persist(ctx, func(st Store) error { return st.Delete(ctx, id) })
}

// Get returns a copy of the session.
func (r *Registry) Get(id uuid.UUID) (models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return models.Session{}, false
	}
	return copySession(s), true
}

// ListByStatus returns sessions with the given status, catalog order.
func (r *Registry) ListByStatus(status models.SessionStatus) []models.Session {
	return r.filter(func(s *models.Session) bool { return s.Status == status })
}

// ListByHost returns sessions hosted by hostID, catalog order.
func (r *Registry) ListByHost(hostID uuid.UUID) []models.Session {
	return r.filter(func(s *models.Session) bool { return s.HostID == hostID })
}

// ListToday returns sessions scheduled for the current calendar day.
func (r *Registry) ListToday() []models.Session {
	now := r.clock()
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)
	return r.filter(func(s *models.Session) bool {
		return !s.StartsAt.Before(dayStart) && s.StartsAt.Before(dayEnd)
	})
}

// ListThisWeek returns sessions starting within seven days from the start
// of the current day.
func (r *Registry) ListThisWeek() []models.Session {
	now := r.clock()
	y, m, d := now.Date()
	weekStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	weekEnd := weekStart.AddDate(0, 0, 7)
	return r.filter(func(s *models.Session) bool {
		return !s.StartsAt.Before(weekStart) && s.StartsAt.Before(weekEnd)
	})
}

// Search matches query case-insensitively against title, description and
// host name. Results come back in catalog order, not relevance-ranked.
func (r *Registry) Search(query string) []models.Session {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return r.All()
	}
	return r.filter(func(s *models.Session) bool {
		return strings.Contains(strings.ToLower(s.Title), q) ||
			strings.Contains(strings.ToLower(s.Description), q) ||
			strings.Contains(strings.ToLower(s.HostName), q)
	})
}

// All returns the whole catalog in insertion order.
func (r *Registry) All() []models.Session {
	return r.filter(func(*models.Session) bool { return true })
}

// Availability returns seat accounting. One-on-one sessions report {1,1}
// regardless of the recorded participant list; this mirrors the booking
// product's behavior and is pending a product decision before changing.
func Availability(s models.Session) models.Availability {
	if s.Kind == models.KindOneOnOne {
		return models.Availability{Available: 1, Total: 1}
	}
	avail := s.MaxParticipants - len(s.Participants)
	if avail < 0 {
		avail = 0
	}
	return models.Availability{Available: avail, Total: s.MaxParticipants}
}

// CanJoin evaluates the join-eligibility window at call time: cancelled
// sessions are never joinable; otherwise joining is allowed from 30 minutes
// before the scheduled start until the scheduled end.
func CanJoin(s models.Session, now time.Time) bool {
	if s.Status == models.StatusCancelled {
		return false
	}
	open := s.StartsAt.Add(-JoinWindowBefore)
	return !now.Before(open) && !now.After(s.EndsAt())
}

// AddParticipant records userID on the session. Idempotent: a second join
// never duplicates the entry. Returns false when the session is unknown.
func (r *Registry) AddParticipant(ctx context.Context, sessionID, userID uuid.UUID) bool {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if !s.HasParticipant(userID) {
		s.Participants = append(s.Participants, userID)
		s.UpdatedAt = r.now()
	}
	r.mu.Unlock()

	r.persist(ctx, func(st Store) error { return st.AddParticipant(ctx, sessionID, userID) })
	return true
}

// RemoveParticipant removes userID from the session. Safe to call when the
// user never joined; the list is untouched.
func (r *Registry) RemoveParticipant(ctx context.Context, sessionID, userID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for i, p := range s.Participants {
		if p == userID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			s.UpdatedAt = r.now()
			break
		}
	}
	r.mu.Unlock()

	r.persist(ctx, func(st Store) error { return st.RemoveParticipant(ctx, sessionID, userID) })
}

func (r *Registry) filter(keep func(*models.Session) bool) []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Session
	for _, id := range r.order {
		s := r.byID[id]
		if s != nil && keep(s) {
			out = append(out, copySession(s))
		}
	}
	return out
}

func (r *Registry) clock() time.Time {
	r.mu.RLock()
	now := r.now
	r.mu.RUnlock()
	return now()
}

func (r *Registry) persist(ctx context.Context, op func(Store) error) {
	if r.store == nil {
		return
	}
	if err := op(r.store); err != nil {
		r.logger.Warn("session store write failed", zap.Error(err))
	}
}

func copySession(s *models.Session) models.Session {
	out := *s
	out.Participants = make([]uuid.UUID, len(s.Participants))
	copy(out.Participants, s.Participants)
	return out
}

// ValidationError reports an invalid session draft.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

func errValidation(msg string) error { return ValidationError(msg) }
