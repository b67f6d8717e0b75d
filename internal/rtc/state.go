package rtc

import "github.com/pion/webrtc/v3"

// ConnectionState is the simplified lifecycle vocabulary exposed to UI.
// Raw transport states are folded into this set; subscribers never see
// pion-level detail.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// fromPeerConnectionState maps pion's state into the simplified vocabulary.
func fromPeerConnectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Quality is the derived connection-quality label shown in call UI.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
)

// QualityFor classifies a connection state. Monotonic with connection
// health: connected is excellent, negotiating is good, everything broken
// is poor.
func QualityFor(s ConnectionState) Quality {
	switch s {
	case StateConnected:
		return QualityExcellent
	case StateConnecting, StateNew:
		return QualityGood
	default:
		return QualityPoor
	}
}
