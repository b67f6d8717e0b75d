package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/mindhaven-health/backend/internal/media"
	"github.com/mindhaven-health/backend/internal/signaling"
)

const (
	// reconnectBackoff is the initial delay before an ICE restart attempt.
	// It doubles per attempt.
	reconnectBackoff = 3 * time.Second
	// maxReconnects bounds restart attempts before the connection is
	// declared terminally failed.
	maxReconnects = 5
	// negotiationTimeout bounds how long a call may sit without reaching
	// connected after signaling starts.
	negotiationTimeout = 30 * time.Second

	dataChannelLabel = "control"
)

// ErrTransientDisconnect is recorded while an automatic reconnect is pending.
var ErrTransientDisconnect = errors.New("connection lost, attempting to reconnect")

// ErrConnectionFailed is the terminal failure after bounded reconnects.
var ErrConnectionFailed = errors.New("connection failed")

// ErrNegotiationTimeout is recorded when a call never reaches connected.
var ErrNegotiationTimeout = errors.New("connection negotiation timed out")

// RemoteTrack describes an inbound media track for UI display.
type RemoteTrack struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Peer owns one negotiated connection: local capture, a pion
// PeerConnection, a parallel data channel and the signaling exchange for a
// room. At most one Peer is active per user; the orchestrator enforces that
// by closing the previous one before opening the next.
//
// All state is mutex-guarded; pion and transport callbacks arrive on their
// own goroutines.
type Peer struct {
	iceServers []string
	transport  signaling.Transport
	source     media.Source
	logger     *zap.Logger

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	capture     *media.Capture // camera + microphone
	screen      *media.Capture // active display capture, nil unless sharing
	videoSender *webrtc.RTPSender
	dc          *webrtc.DataChannel
	dcOpen      bool

	roomID  string
	state   ConnectionState
	lastErr error

	muted    bool
	videoOff bool
	sharing  bool

	remoteTracks []RemoteTrack

	opened bool
	closed bool

	pendingCandidates []webrtc.ICECandidateInit
	reconnects        int
	reconnectTimer    *time.Timer
	negotiationTimer  *time.Timer
	negotiationWindow time.Duration

	onState func(ConnectionState)
}

// NewPeer creates an unopened peer. The transport is owned by this peer and
// is closed with it.
func NewPeer(iceServers []string, transport signaling.Transport, source media.Source, logger *zap.Logger) *Peer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Peer{
		iceServers:        iceServers,
		transport:         transport,
		source:            source,
		logger:            logger,
		state:             StateNew,
		negotiationWindow: negotiationTimeout,
	}
}

// OnStateChange registers the state subscriber. Called outside the peer lock.
func (p *Peer) OnStateChange(fn func(ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// Open acquires local media, builds the connection and starts the signaling
// exchange for roomID. Media acquisition failures are recorded in LastError
// with their distinct taxonomy and leave the state at new. Non-blocking with
// respect to negotiation: completion and failure surface via state changes.
func (p *Peer) Open(ctx context.Context, roomID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("rtc: peer closed")
	}
	if p.opened {
		p.mu.Unlock()
		return fmt.Errorf("rtc: peer already opened")
	}
	p.opened = true
	p.roomID = roomID
	p.mu.Unlock()

	// Media first. Nothing else is acquired until the devices are ours.
	capture, err := p.source.CaptureUserMedia()
	if err != nil {
		p.setLastError(err)
		return err
	}

	p.mu.Lock()
	if p.closed {
		// Close raced the media prompt; a late grant must not revive the
		// connection.
		p.mu.Unlock()
		capture.Close()
		return fmt.Errorf("rtc: peer closed")
	}
	p.capture = capture
	p.mu.Unlock()

	pc, err := p.buildPeerConnection(capture)
	if err != nil {
		p.setLastError(err)
		p.releaseMedia()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = pc.Close()
		p.releaseMedia()
		return fmt.Errorf("rtc: peer closed")
	}
	p.pc = pc
	p.mu.Unlock()

	p.transport.SetHandler(p.handleSignal)
	if err := p.transport.Connect(ctx, roomID); err != nil {
		p.setLastError(err)
		p.Close()
		return err
	}

	p.setState(StateConnecting)
	p.armNegotiationTimer()
	return nil
}

func (p *Peer) buildPeerConnection(capture *media.Capture) (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{}
	for _, u := range p.iceServers {
		if u != "" {
			cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := pc.AddTrack(capture.AudioTrack()); err != nil {
		_ = pc.Close()
		return nil, err
	}
	videoSender, err := pc.AddTrack(capture.VideoTrack())
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	dc.OnOpen(func() {
		p.mu.Lock()
		p.dcOpen = true
		p.mu.Unlock()
	})
	dc.OnClose(func() {
		p.mu.Lock()
		p.dcOpen = false
		p.mu.Unlock()
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		payload := signaling.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}
		p.send(signaling.TypeICECandidate, payload)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		p.remoteTracks = append(p.remoteTracks, RemoteTrack{ID: track.ID(), Kind: track.Kind().String()})
		p.mu.Unlock()
		go drainRemote(track)
	})

	pc.OnConnectionStateChange(p.handleConnectionState)

	p.mu.Lock()
	p.videoSender = videoSender
	p.dc = dc
	p.mu.Unlock()
	return pc, nil
}

// drainRemote keeps RTP flowing on an inbound track. Frames are consumed and
// dropped; rendering happens on the remote UI, not in this process.
func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// handleSignal routes incoming signaling messages. The peer already in the
// room initiates the offer when a newcomer is announced; the newcomer
// answers.
func (p *Peer) handleSignal(msg *signaling.Message) {
	p.mu.Lock()
	if p.closed || p.pc == nil {
		p.mu.Unlock()
		return
	}
	pc := p.pc
	p.mu.Unlock()

	switch msg.Type {
	case signaling.TypeUserJoined:
		p.makeOffer(false)

	case signaling.TypeOffer:
		var desc signaling.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil || desc.SDP == "" {
			return
		}
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}
		if err := pc.SetRemoteDescription(offer); err != nil {
			p.logger.Warn("set remote offer failed", zap.Error(err))
			return
		}
		p.flushPendingCandidates()
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			p.logger.Warn("create answer failed", zap.Error(err))
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			p.logger.Warn("set local answer failed", zap.Error(err))
			return
		}
		p.send(signaling.TypeAnswer, signaling.SessionDescription{Type: "answer", SDP: answer.SDP})

	case signaling.TypeAnswer:
		var desc signaling.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil || desc.SDP == "" {
			return
		}
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}
		if err := pc.SetRemoteDescription(answer); err != nil {
			p.logger.Warn("set remote answer failed", zap.Error(err))
			return
		}
		p.flushPendingCandidates()

	case signaling.TypeICECandidate:
		var cand signaling.ICECandidate
		if err := json.Unmarshal(msg.Payload, &cand); err != nil || cand.Candidate == "" {
			return
		}
		init := webrtc.ICECandidateInit{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		}
		// Candidates arriving before the remote description are queued.
		p.mu.Lock()
		if pc.RemoteDescription() == nil {
			p.pendingCandidates = append(p.pendingCandidates, init)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		if err := pc.AddICECandidate(init); err != nil {
			p.logger.Debug("add ice candidate failed", zap.Error(err))
		}

	case signaling.TypeUserLeft:
		p.logger.Info("remote participant left room", zap.String("room_id", msg.RoomID))
	}
}

func (p *Peer) flushPendingCandidates() {
	p.mu.Lock()
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	pc := p.pc
	p.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			p.logger.Debug("add queued ice candidate failed", zap.Error(err))
		}
	}
}

func (p *Peer) makeOffer(iceRestart bool) {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return
	}
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		p.logger.Warn("create offer failed", zap.Error(err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		p.logger.Warn("set local offer failed", zap.Error(err))
		return
	}
	p.send(signaling.TypeOffer, signaling.SessionDescription{Type: "offer", SDP: offer.SDP})
}

// handleConnectionState folds pion state into the simplified vocabulary and
// drives the bounded reconnect loop.
func (p *Peer) handleConnectionState(s webrtc.PeerConnectionState) {
	next := fromPeerConnectionState(s)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	switch next {
	case StateConnected:
		p.reconnects = 0
		p.lastErr = nil
		p.stopNegotiationTimerLocked()
	case StateDisconnected, StateFailed:
		if p.reconnects >= maxReconnects {
			p.lastErr = ErrConnectionFailed
			p.stopReconnectTimerLocked()
			p.mu.Unlock()
			p.setState(StateFailed)
			return
		}
		p.lastErr = ErrTransientDisconnect
		delay := reconnectBackoff << p.reconnects
		p.reconnects++
		p.stopReconnectTimerLocked()
		p.reconnectTimer = time.AfterFunc(delay, p.restartNegotiation)
	}
	p.mu.Unlock()
	p.setState(next)
}

// restartNegotiation issues an ICE-restart offer after backoff.
func (p *Peer) restartNegotiation() {
	p.mu.Lock()
	if p.closed || p.pc == nil {
		p.mu.Unlock()
		return
	}
	attempt := p.reconnects
	p.mu.Unlock()

	p.logger.Info("attempting reconnect", zap.Int("attempt", attempt))
	p.setState(StateConnecting)
	p.makeOffer(true)
}

func (p *Peer) armNegotiationTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.negotiationTimer = time.AfterFunc(p.negotiationWindow, func() {
		p.mu.Lock()
		stale := !p.closed && p.state != StateConnected
		if stale {
			p.lastErr = ErrNegotiationTimeout
		}
		p.mu.Unlock()
		if stale {
			p.logger.Warn("negotiation timed out", zap.String("room_id", p.roomID))
			p.setState(StateFailed)
		}
	})
}

func (p *Peer) stopNegotiationTimerLocked() {
	if p.negotiationTimer != nil {
		p.negotiationTimer.Stop()
		p.negotiationTimer = nil
	}
}

func (p *Peer) stopReconnectTimerLocked() {
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
}

// SetMuted toggles microphone delivery without renegotiation.
func (p *Peer) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	capture := p.capture
	p.mu.Unlock()
	if capture != nil {
		capture.SetAudioEnabled(!muted)
	}
}

// Muted reports the local mute flag.
func (p *Peer) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// SetVideoEnabled toggles camera delivery without renegotiation.
func (p *Peer) SetVideoEnabled(enabled bool) {
	p.mu.Lock()
	p.videoOff = !enabled
	capture := p.capture
	p.mu.Unlock()
	if capture != nil {
		capture.SetVideoEnabled(enabled)
	}
}

// VideoEnabled reports whether camera delivery is on.
func (p *Peer) VideoEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.videoOff
}

// SetScreenSharing swaps the outgoing video between display capture and
// camera via track replacement; no renegotiation. The swap is atomic from
// the caller's view: on any failure the camera track remains active. When
// the display capture ends on its own the peer reverts to camera.
func (p *Peer) SetScreenSharing(on bool) error {
	p.mu.Lock()
	if p.closed || p.videoSender == nil || p.capture == nil {
		p.mu.Unlock()
		return fmt.Errorf("rtc: no active call")
	}
	if on == p.sharing {
		p.mu.Unlock()
		return nil
	}
	sender := p.videoSender
	camera := p.capture
	screen := p.screen
	p.mu.Unlock()

	if on {
		display, err := p.source.CaptureDisplay()
		if err != nil {
			return err
		}
		// Registered before the track swap so a capture that ends
		// immediately still triggers the revert.
		display.OnEnded(func() {
			if err := p.SetScreenSharing(false); err != nil {
				p.logger.Debug("screen share revert failed", zap.Error(err))
			}
		})
		if err := sender.ReplaceTrack(display.VideoTrack()); err != nil {
			display.Close()
			return err
		}
		p.mu.Lock()
		p.screen = display
		p.sharing = true
		p.mu.Unlock()
		return nil
	}

	if err := sender.ReplaceTrack(camera.VideoTrack()); err != nil {
		return err
	}
	if screen != nil {
		screen.Close()
	}
	p.mu.Lock()
	p.screen = nil
	p.sharing = false
	p.mu.Unlock()
	return nil
}

// ScreenSharing reports whether display capture is the outgoing video.
func (p *Peer) ScreenSharing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sharing
}

// Send delivers an application message over the data channel. Best effort:
// silently dropped when the channel is not open.
func (p *Peer) Send(data []byte) {
	p.mu.Lock()
	dc := p.dc
	open := p.dcOpen
	p.mu.Unlock()
	if dc == nil || !open {
		return
	}
	if err := dc.Send(data); err != nil {
		p.logger.Debug("data channel send dropped", zap.Error(err))
	}
}

// send marshals and ships a signaling message; failures are logged, not
// surfaced, since signaling errors materialize as connection-state changes.
func (p *Peer) send(t signaling.MessageType, payload interface{}) {
	p.mu.Lock()
	roomID := p.roomID
	p.mu.Unlock()
	msg, err := signaling.NewMessage(t, roomID, "", payload)
	if err != nil {
		p.logger.Warn("marshal signaling payload failed", zap.Error(err))
		return
	}
	if err := p.transport.Send(msg); err != nil {
		p.logger.Debug("signaling send failed", zap.Error(err))
	}
}

// State returns the current simplified connection state.
func (p *Peer) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastError returns the most recent failure, nil when healthy.
func (p *Peer) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// RemoteTracks returns the inbound tracks negotiated so far.
func (p *Peer) RemoteTracks() []RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RemoteTrack, len(p.remoteTracks))
	copy(out, p.remoteTracks)
	return out
}

func (p *Peer) setLastError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *Peer) setState(s ConnectionState) {
	p.mu.Lock()
	if p.closed && s != StateClosed {
		p.mu.Unlock()
		return
	}
	if p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *Peer) releaseMedia() {
	p.mu.Lock()
	capture := p.capture
	screen := p.screen
	p.capture = nil
	p.screen = nil
	p.mu.Unlock()
	if screen != nil {
		screen.Close()
	}
	if capture != nil {
		capture.Close()
	}
}

// Close tears the connection down: timers, media, peer connection, data
// channel and signaling subscription. Idempotent and safe to call even if
// Open never completed or never ran.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stopReconnectTimerLocked()
	p.stopNegotiationTimerLocked()
	pc := p.pc
	dc := p.dc
	p.pc = nil
	p.dc = nil
	p.dcOpen = false
	p.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	p.releaseMedia()
	if err := p.transport.Close(); err != nil {
		p.logger.Debug("transport close", zap.Error(err))
	}
	p.setState(StateClosed)
}
