package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mindhaven-health/backend/internal/media"
)

func newDeniedController() *Controller {
	peer := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrAccessDenied}, nil)
	return NewController(peer, nil)
}

func TestControllerStartSurfacesMediaError(t *testing.T) {
	c := newDeniedController()

	err := c.Start(context.Background(), "session-1")
	if !errors.Is(err, media.ErrAccessDenied) {
		t.Fatalf("Start = %v, want ErrAccessDenied", err)
	}

	snap := c.Snapshot()
	if snap.SessionID != "session-1" {
		t.Errorf("session id = %q", snap.SessionID)
	}
	if snap.State != StateNew {
		t.Errorf("state = %s, want new", snap.State)
	}
	if snap.LastError == "" {
		t.Error("snapshot missing last error")
	}
	if snap.DurationSeconds != 0 {
		t.Errorf("duration = %d before connect", snap.DurationSeconds)
	}
}

func TestControllerStartTwice(t *testing.T) {
	c := newDeniedController()
	_ = c.Start(context.Background(), "session-1")
	if err := c.Start(context.Background(), "session-1"); err == nil {
		t.Fatal("second Start succeeded")
	}
}

func TestControllerTogglesPublish(t *testing.T) {
	c := newDeniedController()
	var updates int
	var mu sync.Mutex
	c.OnUpdate(func(CallState) {
		mu.Lock()
		updates++
		mu.Unlock()
	})

	if got := c.ToggleMute(); !got {
		t.Error("first mute toggle = false, want true")
	}
	if got := c.ToggleMute(); got {
		t.Error("second mute toggle = true, want false")
	}
	if got := c.ToggleVideo(); got {
		t.Error("first video toggle = true, want false (off)")
	}

	mu.Lock()
	defer mu.Unlock()
	if updates != 3 {
		t.Errorf("updates = %d, want 3", updates)
	}
}

func TestControllerEndIsIdempotent(t *testing.T) {
	c := newDeniedController()
	_ = c.Start(context.Background(), "session-1")

	c.End()
	c.End()

	if got := c.Snapshot().State; got != StateClosed {
		t.Errorf("state = %s after End, want closed", got)
	}
}

func TestControllerScreenShareFailureKeepsState(t *testing.T) {
	c := newDeniedController()
	sharing, err := c.ToggleScreenShare()
	if err == nil {
		t.Fatal("screen share without a call succeeded")
	}
	if sharing {
		t.Error("sharing reported true after failure")
	}
}
