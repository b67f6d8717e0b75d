package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mindhaven-health/backend/internal/models"
	"github.com/mindhaven-health/backend/internal/sessions"
)

type recordedEvent struct {
	SessionID uuid.UUID
	Event     string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) PublishSessionEvent(sessionID uuid.UUID, event string, payload interface{}) {
	f.mu.Lock()
	f.events = append(f.events, recordedEvent{SessionID: sessionID, Event: event})
	f.mu.Unlock()
}

func (f *fakeEvents) byEvent(event string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

var sweepNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newSweepFixture(t *testing.T, startsAt time.Time, duration int) (*Sweeper, *sessions.Registry, *fakeEvents, uuid.UUID) {
	t.Helper()
	reg := sessions.NewRegistry(nil, nil)
	reg.SetClock(func() time.Time { return sweepNow })
	id, err := reg.Create(context.Background(), sessions.CreateParams{
		Kind:            models.KindWebinar,
		Title:           "Sleep Hygiene Basics",
		HostID:          uuid.New(),
		StartsAt:        startsAt,
		DurationMinutes: duration,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	events := &fakeEvents{}
	return NewSweeper(reg, nil, events, time.Second, 30*time.Minute, nil), reg, events, id
}

func remindedSessions(s *Sweeper) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reminded)
}

func TestSweepRemindsInsideLeadWindow(t *testing.T) {
	sw, _, _, _ := newSweepFixture(t, sweepNow.Add(20*time.Minute), 60)

	sw.Sweep(context.Background(), sweepNow)

	if got := remindedSessions(sw); got != 1 {
		t.Fatalf("reminded sessions = %d, want 1", got)
	}

	// A second sweep must not remind again.
	sw.Sweep(context.Background(), sweepNow.Add(time.Minute))
	if got := remindedSessions(sw); got != 1 {
		t.Errorf("reminded sessions = %d after resweep, want 1", got)
	}
}

func TestSweepHoldsReminderOutsideLead(t *testing.T) {
	sw, _, _, _ := newSweepFixture(t, sweepNow.Add(2*time.Hour), 60)

	sw.Sweep(context.Background(), sweepNow)

	if got := remindedSessions(sw); got != 0 {
		t.Fatalf("reminded sessions = %d, want 0", got)
	}
}

func TestSweepGoesLiveAtStart(t *testing.T) {
	sw, reg, events, id := newSweepFixture(t, sweepNow, 60)

	sw.Sweep(context.Background(), sweepNow)

	sess, _ := reg.Get(id)
	if sess.Status != models.StatusLive {
		t.Fatalf("status = %s, want live", sess.Status)
	}
	if got := events.byEvent("session_status"); len(got) != 1 {
		t.Errorf("session_status events = %d, want 1", len(got))
	}
}

func TestSweepLeavesFutureSessionsScheduled(t *testing.T) {
	sw, reg, events, id := newSweepFixture(t, sweepNow.Add(2*time.Hour), 60)

	sw.Sweep(context.Background(), sweepNow)

	sess, _ := reg.Get(id)
	if sess.Status != models.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", sess.Status)
	}
	if got := events.byEvent("session_status"); len(got) != 0 {
		t.Errorf("session_status events = %d, want 0", len(got))
	}
}

func TestSweepCompletesPastEnd(t *testing.T) {
	sw, reg, _, id := newSweepFixture(t, sweepNow.Add(-2*time.Hour), 60)

	// First sweep takes the overdue session live, the next one completes it.
	sw.Sweep(context.Background(), sweepNow)
	sw.Sweep(context.Background(), sweepNow)

	sess, _ := reg.Get(id)
	if sess.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", sess.Status)
	}
}

func TestSweepKeepsLiveSessionUntilEnd(t *testing.T) {
	sw, reg, _, id := newSweepFixture(t, sweepNow.Add(-30*time.Minute), 60)

	sw.Sweep(context.Background(), sweepNow)
	sw.Sweep(context.Background(), sweepNow)

	sess, _ := reg.Get(id)
	if sess.Status != models.StatusLive {
		t.Fatalf("status = %s, want live", sess.Status)
	}
}

func TestSweepIgnoresCancelled(t *testing.T) {
	sw, reg, events, id := newSweepFixture(t, sweepNow.Add(-2*time.Hour), 60)
	cancelled := models.StatusCancelled
	reg.Update(context.Background(), id, sessions.UpdateParams{Status: &cancelled})

	sw.Sweep(context.Background(), sweepNow)

	sess, _ := reg.Get(id)
	if sess.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", sess.Status)
	}
	if len(events.byEvent("session_status")) != 0 {
		t.Error("cancelled session produced a status event")
	}
}
