package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindhaven-health/backend/internal/rtc"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrJoinWindow is returned when a join lands outside the eligibility
	// window or the session was cancelled.
	ErrJoinWindow = errors.New("session is not open for joining")
)

// CallFactory builds a fresh call controller for a user. Each join gets its
// own controller; they are never reused across calls.
type CallFactory func(userID uuid.UUID) *rtc.Controller

// AttendanceLog records join and leave events. Optional.
type AttendanceLog interface {
	LogJoin(ctx context.Context, sessionID, userID uuid.UUID) error
	LogLeave(ctx context.Context, sessionID, userID uuid.UUID) error
}

// Events receives session-scoped notifications for connected UI clients.
// Optional.
type Events interface {
	PublishSessionEvent(sessionID uuid.UUID, event string, payload interface{})
}

// Orchestrator ties the registry to live calls. It enforces one active call
// per user: joining a second session tears down the first, the way a user
// switching rooms would expect.
type Orchestrator struct {
	registry   *Registry
	newCall    CallFactory
	attendance AttendanceLog
	events     Events
	logger     *zap.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*activeCall
}

type activeCall struct {
	sessionID  uuid.UUID
	controller *rtc.Controller
}

// NewOrchestrator creates the join/leave coordinator. attendance and events
// may be nil.
func NewOrchestrator(registry *Registry, newCall CallFactory, attendance AttendanceLog, events Events, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:   registry,
		newCall:    newCall,
		attendance: attendance,
		events:     events,
		logger:     logger,
		active:     make(map[uuid.UUID]*activeCall),
	}
}

// JoinSession validates eligibility, registers the participant and starts
// the call. The controller is returned even when the call start fails so
// callers can surface the recorded media or connection error; the
// registration itself still stands and the user may retry.
func (o *Orchestrator) JoinSession(ctx context.Context, userID, sessionID uuid.UUID) (*rtc.Controller, error) {
	s, ok := o.registry.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !CanJoin(s, o.registry.clock()) {
		return nil, ErrJoinWindow
	}

	// A user holds at most one live call.
	o.mu.Lock()
	prev := o.active[userID]
	delete(o.active, userID)
	o.mu.Unlock()
	if prev != nil {
		o.teardown(ctx, userID, prev)
	}

	o.registry.AddParticipant(ctx, sessionID, userID)
	if o.attendance != nil {
		if err := o.attendance.LogJoin(ctx, sessionID, userID); err != nil {
			o.logger.Warn("attendance join log failed", zap.Error(err))
		}
	}
	o.publishPresence(sessionID, "participant_joined", userID)

	ctrl := o.newCall(userID)
	o.mu.Lock()
	o.active[userID] = &activeCall{sessionID: sessionID, controller: ctrl}
	o.mu.Unlock()

	if err := ctrl.Start(ctx, sessionID.String()); err != nil {
		o.logger.Warn("call start failed",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return ctrl, err
	}
	return ctrl, nil
}

// LeaveSession ends the user's call and removes them from the participant
// list. A leave without a prior join is a no-op.
func (o *Orchestrator) LeaveSession(ctx context.Context, userID uuid.UUID) {
	o.mu.Lock()
	call := o.active[userID]
	delete(o.active, userID)
	o.mu.Unlock()
	if call == nil {
		return
	}
	o.teardown(ctx, userID, call)
}

// EndCall tears down the user's media session but keeps the participant
// registration, e.g. when a host wraps up a webinar stream but attendees
// remain listed.
func (o *Orchestrator) EndCall(userID uuid.UUID) {
	o.mu.Lock()
	call := o.active[userID]
	delete(o.active, userID)
	o.mu.Unlock()
	if call == nil {
		return
	}
	call.controller.End()
}

// CallFor returns the user's active call controller, if any.
func (o *Orchestrator) CallFor(userID uuid.UUID) (*rtc.Controller, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	call, ok := o.active[userID]
	if !ok {
		return nil, false
	}
	return call.controller, true
}

// ActiveSession returns the session the user currently has a call in.
func (o *Orchestrator) ActiveSession(userID uuid.UUID) (uuid.UUID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	call, ok := o.active[userID]
	if !ok {
		return uuid.Nil, false
	}
	return call.sessionID, true
}

// Shutdown ends every active call, for graceful server stop.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	calls := o.active
	o.active = make(map[uuid.UUID]*activeCall)
	o.mu.Unlock()
	for _, call := range calls {
		call.controller.End()
	}
}

func (o *Orchestrator) teardown(ctx context.Context, userID uuid.UUID, call *activeCall) {
	call.controller.End()
	o.registry.RemoveParticipant(ctx, call.sessionID, userID)
	if o.attendance != nil {
		if err := o.attendance.LogLeave(ctx, call.sessionID, userID); err != nil {
			o.logger.Warn("attendance leave log failed", zap.Error(err))
		}
	}
	o.publishPresence(call.sessionID, "participant_left", userID)
}

func (o *Orchestrator) publishPresence(sessionID uuid.UUID, event string, userID uuid.UUID) {
	if o.events == nil {
		return
	}
	o.events.PublishSessionEvent(sessionID, event, map[string]string{"user_id": userID.String()})
	if s, ok := o.registry.Get(sessionID); ok {
		o.events.PublishSessionEvent(sessionID, "availability", Availability(s))
	}
}
