package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CallState is the snapshot of an active call consumed by UI layers.
type CallState struct {
	SessionID       string          `json:"session_id"`
	State           ConnectionState `json:"state"`
	Quality         Quality         `json:"quality"`
	Muted           bool            `json:"muted"`
	VideoEnabled    bool            `json:"video_enabled"`
	ScreenSharing   bool            `json:"screen_sharing"`
	DurationSeconds int64           `json:"duration_seconds"`
	LastError       string          `json:"last_error,omitempty"`
	RemoteTracks    []RemoteTrack   `json:"remote_tracks,omitempty"`
}

// Controller orchestrates one active call: it drives the peer, keeps the
// elapsed-duration counter and publishes snapshots on every change.
type Controller struct {
	peer   *Peer
	logger *zap.Logger

	mu        sync.Mutex
	sessionID string
	started   bool
	ended     bool
	elapsed   int64
	stopTick  chan struct{}
	onUpdate  func(CallState)
}

// NewController wraps a peer for one call.
func NewController(peer *Peer, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{peer: peer, logger: logger}
	peer.OnStateChange(func(ConnectionState) { c.publish() })
	return c
}

// OnUpdate registers the snapshot subscriber (e.g. the UI hub).
func (c *Controller) OnUpdate(fn func(CallState)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Start opens the call for a session. The session id doubles as the
// signaling room id. The duration counter ticks once per second until End.
func (c *Controller) Start(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("rtc: call already started")
	}
	c.started = true
	c.sessionID = sessionID
	c.stopTick = make(chan struct{})
	stop := c.stopTick
	c.mu.Unlock()

	if err := c.peer.Open(ctx, sessionID); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				c.elapsed++
				c.mu.Unlock()
				c.publish()
			}
		}
	}()
	c.publish()
	return nil
}

// ToggleMute flips the mute flag and returns the new value.
func (c *Controller) ToggleMute() bool {
	muted := !c.peer.Muted()
	c.peer.SetMuted(muted)
	c.publish()
	return muted
}

// ToggleVideo flips camera delivery and returns whether video is now on.
func (c *Controller) ToggleVideo() bool {
	enabled := !c.peer.VideoEnabled()
	c.peer.SetVideoEnabled(enabled)
	c.publish()
	return enabled
}

// ToggleScreenShare flips display capture and returns whether sharing is
// now active. On failure the previous video source stays live.
func (c *Controller) ToggleScreenShare() (bool, error) {
	next := !c.peer.ScreenSharing()
	if err := c.peer.SetScreenSharing(next); err != nil {
		return c.peer.ScreenSharing(), err
	}
	c.publish()
	return next, nil
}

// SendMessage ships an application payload over the call's data channel.
// Best effort by contract.
func (c *Controller) SendMessage(data []byte) {
	c.peer.Send(data)
}

// End stops the duration counter and tears down the peer. Idempotent.
func (c *Controller) End() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	if c.stopTick != nil {
		close(c.stopTick)
	}
	c.mu.Unlock()

	c.peer.Close()
	c.publish()
}

// Snapshot returns the current call state for UI rendering.
func (c *Controller) Snapshot() CallState {
	c.mu.Lock()
	sessionID := c.sessionID
	elapsed := c.elapsed
	c.mu.Unlock()

	state := c.peer.State()
	snap := CallState{
		SessionID:       sessionID,
		State:           state,
		Quality:         QualityFor(state),
		Muted:           c.peer.Muted(),
		VideoEnabled:    c.peer.VideoEnabled(),
		ScreenSharing:   c.peer.ScreenSharing(),
		DurationSeconds: elapsed,
		RemoteTracks:    c.peer.RemoteTracks(),
	}
	if err := c.peer.LastError(); err != nil {
		snap.LastError = err.Error()
	}
	return snap
}

func (c *Controller) publish() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(c.Snapshot())
	}
}
