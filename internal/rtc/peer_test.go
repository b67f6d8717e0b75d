package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/mindhaven-health/backend/internal/media"
	"github.com/mindhaven-health/backend/internal/signaling"
)

type fakeTransport struct {
	mu        sync.Mutex
	handler   signaling.Handler
	sent      []*signaling.Message
	connected bool
	closed    bool
}

func (f *fakeTransport) SetHandler(h signaling.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Connect(context.Context, string) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(m *signaling.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type failingSource struct {
	err error
}

func (s failingSource) CaptureUserMedia() (*media.Capture, error) { return nil, s.err }
func (s failingSource) CaptureDisplay() (*media.Capture, error)   { return nil, s.err }

// staticSource hands out captures backed by pre-built tracks with no sample
// pumps, so peer tests can drive a real peer connection without media files.
type staticSource struct {
	mu      sync.Mutex
	display *media.Capture
}

func (s *staticSource) CaptureUserMedia() (*media.Capture, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "camera-audio", "camera")
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "camera-video", "camera")
	if err != nil {
		return nil, err
	}
	return media.NewCapture(audio, video), nil
}

func (s *staticSource) CaptureDisplay() (*media.Capture, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen-video", "screen")
	if err != nil {
		return nil, err
	}
	c := media.NewCapture(nil, video)
	s.mu.Lock()
	s.display = c
	s.mu.Unlock()
	return c, nil
}

func outgoingVideoID(t *testing.T, p *Peer) string {
	t.Helper()
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil || sender.Track() == nil {
		t.Fatal("no outgoing video sender")
	}
	return sender.Track().ID()
}

func TestOpenMediaDenied(t *testing.T) {
	tr := &fakeTransport{}
	p := NewPeer(nil, tr, failingSource{err: media.ErrAccessDenied}, nil)

	err := p.Open(context.Background(), "room-1")
	if !errors.Is(err, media.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if got := p.State(); got != StateNew {
		t.Errorf("state = %s after media failure, want new", got)
	}
	if !errors.Is(p.LastError(), media.ErrAccessDenied) {
		t.Errorf("lastError = %v", p.LastError())
	}
	tr.mu.Lock()
	connected := tr.connected
	tr.mu.Unlock()
	if connected {
		t.Error("signaling connected despite media failure")
	}
}

func TestOpenMediaErrorsAreDistinct(t *testing.T) {
	for _, want := range []error{media.ErrAccessDenied, media.ErrNotFound, media.ErrBusy} {
		p := NewPeer(nil, &fakeTransport{}, failingSource{err: want}, nil)
		if err := p.Open(context.Background(), "r"); !errors.Is(err, want) {
			t.Errorf("Open = %v, want %v", err, want)
		}
	}
}

func TestCloseBeforeOpen(t *testing.T) {
	tr := &fakeTransport{}
	p := NewPeer(nil, tr, failingSource{err: media.ErrNotFound}, nil)

	p.Close()
	if err := p.Open(context.Background(), "room-1"); err == nil {
		t.Fatal("Open after Close succeeded")
	}
	if got := p.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	p := NewPeer(nil, tr, failingSource{err: media.ErrNotFound}, nil)

	p.Close()
	p.Close()

	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Error("transport not closed")
	}
}

func TestOpenTwice(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)
	_ = p.Open(context.Background(), "room-1")
	if err := p.Open(context.Background(), "room-1"); err == nil {
		t.Fatal("second Open succeeded")
	}
}

func TestMuteToggleIsInvolution(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)

	if p.Muted() {
		t.Fatal("fresh peer starts muted")
	}
	p.SetMuted(true)
	if !p.Muted() {
		t.Error("mute not applied")
	}
	p.SetMuted(false)
	if p.Muted() {
		t.Error("unmute not applied")
	}
}

func TestVideoToggle(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)

	if !p.VideoEnabled() {
		t.Fatal("fresh peer starts with video off")
	}
	p.SetVideoEnabled(false)
	if p.VideoEnabled() {
		t.Error("video disable not applied")
	}
}

func TestScreenShareRoundTrip(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, &staticSource{}, nil)
	if err := p.Open(context.Background(), "room-1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	if got := outgoingVideoID(t, p); got != "camera-video" {
		t.Fatalf("outgoing video = %q, want camera", got)
	}

	if err := p.SetScreenSharing(true); err != nil {
		t.Fatalf("enable share: %v", err)
	}
	if !p.ScreenSharing() {
		t.Error("sharing flag not set")
	}
	if got := outgoingVideoID(t, p); got != "screen-video" {
		t.Errorf("outgoing video = %q while sharing, want screen", got)
	}

	if err := p.SetScreenSharing(false); err != nil {
		t.Fatalf("disable share: %v", err)
	}
	if p.ScreenSharing() {
		t.Error("sharing flag still set")
	}
	if got := outgoingVideoID(t, p); got != "camera-video" {
		t.Errorf("outgoing video = %q after unshare, want camera restored", got)
	}
}

func TestScreenShareAutoRevertsWhenCaptureEnds(t *testing.T) {
	src := &staticSource{}
	p := NewPeer(nil, &fakeTransport{}, src, nil)
	if err := p.Open(context.Background(), "room-1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	if err := p.SetScreenSharing(true); err != nil {
		t.Fatalf("enable share: %v", err)
	}
	src.mu.Lock()
	display := src.display
	src.mu.Unlock()

	display.End()

	if p.ScreenSharing() {
		t.Error("still sharing after display capture ended")
	}
	if got := outgoingVideoID(t, p); got != "camera-video" {
		t.Errorf("outgoing video = %q after capture end, want camera restored", got)
	}
}

func TestReconnectBoundedAttempts(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)
	defer p.Close()

	for i := 0; i < maxReconnects; i++ {
		p.handleConnectionState(webrtc.PeerConnectionStateDisconnected)
		if !errors.Is(p.LastError(), ErrTransientDisconnect) {
			t.Fatalf("attempt %d: lastError = %v, want transient", i+1, p.LastError())
		}
		if got := p.State(); got != StateDisconnected {
			t.Fatalf("attempt %d: state = %s, want disconnected", i+1, got)
		}
	}

	p.handleConnectionState(webrtc.PeerConnectionStateDisconnected)
	if !errors.Is(p.LastError(), ErrConnectionFailed) {
		t.Fatalf("lastError = %v after exhausted attempts, want terminal failure", p.LastError())
	}
	if got := p.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestReconnectCounterResetsOnConnected(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)
	defer p.Close()

	for i := 0; i < maxReconnects; i++ {
		p.handleConnectionState(webrtc.PeerConnectionStateDisconnected)
	}
	p.handleConnectionState(webrtc.PeerConnectionStateConnected)
	if err := p.LastError(); err != nil {
		t.Fatalf("lastError = %v after recovery, want nil", err)
	}

	p.handleConnectionState(webrtc.PeerConnectionStateDisconnected)
	if !errors.Is(p.LastError(), ErrTransientDisconnect) {
		t.Errorf("lastError = %v, recovery did not reset the attempt budget", p.LastError())
	}
}

func TestNegotiationTimeout(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)
	p.negotiationWindow = 20 * time.Millisecond
	p.armNegotiationTimer()

	deadline := time.Now().Add(2 * time.Second)
	for p.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if !errors.Is(p.LastError(), ErrNegotiationTimeout) {
		t.Errorf("lastError = %v, want negotiation timeout", p.LastError())
	}
}

func TestNegotiationTimerClearedOnConnected(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)
	p.negotiationWindow = 20 * time.Millisecond
	p.armNegotiationTimer()
	p.handleConnectionState(webrtc.PeerConnectionStateConnected)

	time.Sleep(80 * time.Millisecond)
	if got := p.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	if err := p.LastError(); err != nil {
		t.Errorf("lastError = %v, want nil", err)
	}
}

func TestScreenShareRequiresActiveCall(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)
	if err := p.SetScreenSharing(true); err == nil {
		t.Fatal("screen share without a call succeeded")
	}
	if p.ScreenSharing() {
		t.Error("sharing flag set despite failure")
	}
}

func TestSendWithoutDataChannelIsDropped(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)
	// Must not panic or block.
	p.Send([]byte("hello"))
}

func TestStateChangeSubscriber(t *testing.T) {
	p := NewPeer(nil, &fakeTransport{}, failingSource{err: media.ErrBusy}, nil)
	var got []ConnectionState
	var mu sync.Mutex
	p.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	p.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != StateClosed {
		t.Errorf("observed states = %v, want [closed]", got)
	}
}
