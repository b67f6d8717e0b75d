package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mindhaven-health/backend/internal/media"
	"github.com/mindhaven-health/backend/internal/models"
	"github.com/mindhaven-health/backend/internal/rtc"
	"github.com/mindhaven-health/backend/internal/signaling"
)

type nopTransport struct{}

func (nopTransport) SetHandler(signaling.Handler)            {}
func (nopTransport) Connect(context.Context, string) error   { return nil }
func (nopTransport) Send(*signaling.Message) error           { return nil }
func (nopTransport) Close() error                            { return nil }

// deniedSource refuses all capture, like a user rejecting the permission
// prompt. Keeps orchestrator tests clear of live peer connections.
type deniedSource struct{}

func (deniedSource) CaptureUserMedia() (*media.Capture, error) { return nil, media.ErrAccessDenied }
func (deniedSource) CaptureDisplay() (*media.Capture, error)   { return nil, media.ErrAccessDenied }

type recordedEvent struct {
	sessionID uuid.UUID
	event     string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) PublishSessionEvent(sessionID uuid.UUID, event string, _ interface{}) {
	f.mu.Lock()
	f.events = append(f.events, recordedEvent{sessionID, event})
	f.mu.Unlock()
}

func (f *fakeEvents) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.event)
	}
	return out
}

type fakeAttendance struct {
	mu     sync.Mutex
	joins  int
	leaves int
}

func (f *fakeAttendance) LogJoin(context.Context, uuid.UUID, uuid.UUID) error {
	f.mu.Lock()
	f.joins++
	f.mu.Unlock()
	return nil
}

func (f *fakeAttendance) LogLeave(context.Context, uuid.UUID, uuid.UUID) error {
	f.mu.Lock()
	f.leaves++
	f.mu.Unlock()
	return nil
}

func testFactory() CallFactory {
	return func(uuid.UUID) *rtc.Controller {
		peer := rtc.NewPeer(nil, nopTransport{}, deniedSource{}, nil)
		return rtc.NewController(peer, nil)
	}
}

func newJoinableSession(t *testing.T, r *Registry) models.Session {
	t.Helper()
	return mustCreate(t, r, CreateParams{
		Kind:            models.KindWebinar,
		Title:           "group session",
		HostID:          uuid.New(),
		StartsAt:        testNow.Add(10 * time.Minute),
		DurationMinutes: 60,
		MaxParticipants: 10,
	})
}

func TestJoinUnknownSession(t *testing.T) {
	r := newTestRegistry()
	o := NewOrchestrator(r, testFactory(), nil, nil, nil)

	_, err := o.JoinSession(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestJoinOutsideWindow(t *testing.T) {
	r := newTestRegistry()
	o := NewOrchestrator(r, testFactory(), nil, nil, nil)
	s := mustCreate(t, r, CreateParams{
		Kind: models.KindWebinar, Title: "tomorrow", HostID: uuid.New(),
		StartsAt: testNow.Add(24 * time.Hour), DurationMinutes: 60,
	})

	_, err := o.JoinSession(context.Background(), uuid.New(), s.ID)
	if !errors.Is(err, ErrJoinWindow) {
		t.Fatalf("err = %v, want ErrJoinWindow", err)
	}
}

func TestJoinRecordsParticipantEvenWhenMediaFails(t *testing.T) {
	r := newTestRegistry()
	att := &fakeAttendance{}
	events := &fakeEvents{}
	o := NewOrchestrator(r, testFactory(), att, events, nil)
	s := newJoinableSession(t, r)
	user := uuid.New()

	ctrl, err := o.JoinSession(context.Background(), user, s.ID)
	if !errors.Is(err, media.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if ctrl == nil {
		t.Fatal("controller must be returned so the UI can show the failure")
	}
	if snap := ctrl.Snapshot(); snap.LastError == "" {
		t.Error("snapshot carries no error after denied media")
	}

	got, _ := r.Get(s.ID)
	if !got.HasParticipant(user) {
		t.Error("participant not recorded")
	}
	if att.joins != 1 {
		t.Errorf("attendance joins = %d, want 1", att.joins)
	}
	if _, ok := o.CallFor(user); !ok {
		t.Error("no active call registered")
	}

	names := events.names()
	if len(names) < 2 || names[0] != "participant_joined" || names[1] != "availability" {
		t.Errorf("events = %v, want participant_joined then availability", names)
	}
}

func TestJoinSecondSessionMovesUser(t *testing.T) {
	r := newTestRegistry()
	o := NewOrchestrator(r, testFactory(), nil, nil, nil)
	first := newJoinableSession(t, r)
	second := newJoinableSession(t, r)
	user := uuid.New()

	_, _ = o.JoinSession(context.Background(), user, first.ID)
	_, _ = o.JoinSession(context.Background(), user, second.ID)

	gotFirst, _ := r.Get(first.ID)
	gotSecond, _ := r.Get(second.ID)
	if gotFirst.HasParticipant(user) {
		t.Error("user still listed in abandoned session")
	}
	if !gotSecond.HasParticipant(user) {
		t.Error("user not listed in new session")
	}
	if id, _ := o.ActiveSession(user); id != second.ID {
		t.Errorf("active session = %s, want %s", id, second.ID)
	}
}

func TestLeaveSession(t *testing.T) {
	r := newTestRegistry()
	att := &fakeAttendance{}
	o := NewOrchestrator(r, testFactory(), att, nil, nil)
	s := newJoinableSession(t, r)
	user := uuid.New()

	_, _ = o.JoinSession(context.Background(), user, s.ID)
	o.LeaveSession(context.Background(), user)

	got, _ := r.Get(s.ID)
	if got.HasParticipant(user) {
		t.Error("participant still listed after leave")
	}
	if _, ok := o.CallFor(user); ok {
		t.Error("call still active after leave")
	}
	if att.leaves != 1 {
		t.Errorf("attendance leaves = %d, want 1", att.leaves)
	}
}

func TestLeaveWithoutJoinIsNoOp(t *testing.T) {
	r := newTestRegistry()
	att := &fakeAttendance{}
	o := NewOrchestrator(r, testFactory(), att, nil, nil)

	o.LeaveSession(context.Background(), uuid.New())

	if att.leaves != 0 {
		t.Errorf("attendance leaves = %d, want 0", att.leaves)
	}
}

func TestEndCallKeepsRegistration(t *testing.T) {
	r := newTestRegistry()
	o := NewOrchestrator(r, testFactory(), nil, nil, nil)
	s := newJoinableSession(t, r)
	user := uuid.New()

	_, _ = o.JoinSession(context.Background(), user, s.ID)
	o.EndCall(user)

	got, _ := r.Get(s.ID)
	if !got.HasParticipant(user) {
		t.Error("participant dropped by EndCall")
	}
	if _, ok := o.CallFor(user); ok {
		t.Error("call still active after EndCall")
	}
}

func TestShutdownEndsAllCalls(t *testing.T) {
	r := newTestRegistry()
	o := NewOrchestrator(r, testFactory(), nil, nil, nil)
	s := newJoinableSession(t, r)

	u1, u2 := uuid.New(), uuid.New()
	_, _ = o.JoinSession(context.Background(), u1, s.ID)
	_, _ = o.JoinSession(context.Background(), u2, s.ID)

	o.Shutdown()

	if _, ok := o.CallFor(u1); ok {
		t.Error("u1 call survived shutdown")
	}
	if _, ok := o.CallFor(u2); ok {
		t.Error("u2 call survived shutdown")
	}
}
