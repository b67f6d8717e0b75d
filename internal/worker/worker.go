package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindhaven-health/backend/internal/attendance"
	"github.com/mindhaven-health/backend/internal/models"
	"github.com/mindhaven-health/backend/internal/sessions"
	"github.com/mindhaven-health/backend/pkg/queue"
)

// Sweeper walks the catalog on an interval and advances session status by
// the clock: scheduled sessions go live at their start time, live sessions
// complete at their scheduled end. It also enqueues one reminder per session
// once the start is reminderLead away.
type Sweeper struct {
	registry     *sessions.Registry
	queue        *queue.Queue
	events       sessions.Events
	interval     time.Duration
	reminderLead time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	reminded map[uuid.UUID]struct{}
}

// NewSweeper creates a status sweeper. queue and events may be nil; a
// non-positive reminderLead falls back to the join window.
func NewSweeper(registry *sessions.Registry, q *queue.Queue, events sessions.Events, interval, reminderLead time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if reminderLead <= 0 {
		reminderLead = sessions.JoinWindowBefore
	}
	return &Sweeper{
		registry:     registry,
		queue:        q,
		events:       events,
		interval:     interval,
		reminderLead: reminderLead,
		logger:       logger,
		reminded:     make(map[uuid.UUID]struct{}),
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("status sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep advances statuses once against now.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	for _, sess := range s.registry.All() {
		switch sess.Status {
		case models.StatusScheduled:
			if !now.Before(sess.StartsAt.Add(-s.reminderLead)) {
				s.remindOnce(ctx, sess)
			}
			if !now.Before(sess.StartsAt) {
				s.transition(ctx, sess, models.StatusLive)
			}
		case models.StatusLive:
			if now.After(sess.EndsAt()) {
				s.transition(ctx, sess, models.StatusCompleted)
				if s.queue != nil {
					if err := s.queue.EnqueueRollup(ctx, queue.RollupPayload{SessionID: sess.ID}); err != nil {
						s.logger.Warn("rollup enqueue failed", zap.String("session_id", sess.ID.String()), zap.Error(err))
					}
				}
			}
		}
	}
}

func (s *Sweeper) transition(ctx context.Context, sess models.Session, to models.SessionStatus) {
	s.registry.Update(ctx, sess.ID, sessions.UpdateParams{Status: &to})
	s.logger.Info("session status advanced",
		zap.String("session_id", sess.ID.String()),
		zap.String("from", string(sess.Status)),
		zap.String("to", string(to)))
	if s.events != nil {
		s.events.PublishSessionEvent(sess.ID, "session_status", map[string]string{"status": string(to)})
	}
}

func (s *Sweeper) remindOnce(ctx context.Context, sess models.Session) {
	s.mu.Lock()
	_, done := s.reminded[sess.ID]
	if !done {
		s.reminded[sess.ID] = struct{}{}
	}
	s.mu.Unlock()
	if done || s.queue == nil {
		return
	}
	err := s.queue.EnqueueReminder(ctx, queue.ReminderPayload{
		SessionID: sess.ID,
		Title:     sess.Title,
		StartsAt:  sess.StartsAt,
	})
	if err != nil {
		s.logger.Warn("reminder enqueue failed", zap.String("session_id", sess.ID.String()), zap.Error(err))
	}
}

// Notifier delivers a session reminder to its participants.
type Notifier interface {
	NotifySession(ctx context.Context, sessionID uuid.UUID, event string, payload interface{}) error
}

// JobProcessor drains the worker queues: reminders fan out to participants,
// rollups aggregate attendance for completed sessions.
type JobProcessor struct {
	attendance *attendance.Repository
	queue      *queue.Queue
	notifier   Notifier
	logger     *zap.Logger
}

// NewJobProcessor creates the background job processor. notifier may be nil.
func NewJobProcessor(att *attendance.Repository, q *queue.Queue, notifier Notifier, logger *zap.Logger) *JobProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobProcessor{attendance: att, queue: q, notifier: notifier, logger: logger}
}

// Process executes one job.
func (p *JobProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeSessionReminder:
		var payload queue.ReminderPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		if p.notifier != nil {
			if err := p.notifier.NotifySession(ctx, payload.SessionID, "session_reminder", payload); err != nil {
				return fmt.Errorf("notify: %w", err)
			}
		}
		p.logger.Info("session reminder delivered",
			zap.String("session_id", payload.SessionID.String()),
			zap.Time("starts_at", payload.StartsAt))
		return nil

	case queue.JobTypeAttendanceRollup:
		var payload queue.RollupPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		agg, err := p.attendance.GetAggregates(ctx, payload.SessionID)
		if err != nil {
			return fmt.Errorf("aggregate attendance: %w", err)
		}
		p.logger.Info("attendance rollup completed",
			zap.String("session_id", payload.SessionID.String()),
			zap.Int64("total_present_seconds", agg.TotalPresentSeconds),
			zap.Int("distinct_users", agg.DistinctUsers))
		return nil

	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *JobProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("job processor stopping")
			return
		default:
		}

		job, key, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job, key); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
