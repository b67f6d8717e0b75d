package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// Capture is one acquired set of local tracks. Enable flags gate sample
// delivery without renegotiation, mirroring track.enabled semantics: a
// disabled track stays attached to the connection but emits nothing.
type Capture struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	mu         sync.Mutex
	onEnded    func()
	endedEarly bool
	stop       chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// NewCapture wraps already-acquired tracks. Sources that feed samples
// themselves build a Capture this way and call End when their stream runs
// out.
func NewCapture(audio, video *webrtc.TrackLocalStaticSample) *Capture {
	c := &Capture{audio: audio, video: video, stop: make(chan struct{})}
	c.audioOn.Store(true)
	c.videoOn.Store(true)
	return c
}

// AudioTrack returns the local audio track, or nil for video-only captures.
func (c *Capture) AudioTrack() *webrtc.TrackLocalStaticSample { return c.audio }

// VideoTrack returns the local video track, or nil for audio-only captures.
func (c *Capture) VideoTrack() *webrtc.TrackLocalStaticSample { return c.video }

// SetAudioEnabled gates microphone sample delivery.
func (c *Capture) SetAudioEnabled(on bool) { c.audioOn.Store(on) }

// SetVideoEnabled gates camera sample delivery.
func (c *Capture) SetVideoEnabled(on bool) { c.videoOn.Store(on) }

// AudioEnabled reports whether microphone delivery is on.
func (c *Capture) AudioEnabled() bool { return c.audioOn.Load() }

// VideoEnabled reports whether camera delivery is on.
func (c *Capture) VideoEnabled() bool { return c.videoOn.Load() }

// OnEnded registers a callback fired once when the capture source stops on
// its own (e.g. a finite display capture ran out). If the source already
// ended before a callback was registered, fn fires immediately. Not fired on
// Close.
func (c *Capture) OnEnded(fn func()) {
	c.mu.Lock()
	c.onEnded = fn
	fire := c.endedEarly
	c.endedEarly = false
	c.mu.Unlock()
	if fire {
		fn()
	}
}

// End marks the capture as finished by its source, stops the pumps and fires
// the OnEnded callback at most once.
func (c *Capture) End() {
	var fn func()
	c.once.Do(func() {
		close(c.stop)
		c.mu.Lock()
		fn = c.onEnded
		if fn == nil {
			c.endedEarly = true
		}
		c.mu.Unlock()
	})
	if fn != nil {
		fn()
	}
}

// Close stops all pumps and releases the source. Idempotent. Unlike End it
// never fires OnEnded; closing is the caller's own teardown, not the source
// going away.
func (c *Capture) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}
