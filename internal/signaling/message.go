package signaling

import "encoding/json"

// MessageType identifies a signaling event.
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeJoinRoom     MessageType = "join-room"
	TypeLeaveRoom    MessageType = "leave-room"
	TypeUserJoined   MessageType = "user-joined"
	TypeUserLeft     MessageType = "user-left"
)

// Message is the signaling envelope exchanged with the signaling server.
// Field names are part of the wire contract and must not change.
type Message struct {
	Type     MessageType     `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	RoomID   string          `json:"roomId"`
	SenderID string          `json:"senderId"`
}

// NewMessage builds a Message, marshalling payload to JSON. A nil payload
// produces an empty payload field (join/leave carry none).
func NewMessage(t MessageType, roomID, senderID string, payload interface{}) (*Message, error) {
	m := &Message{Type: t, RoomID: roomID, SenderID: senderID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Payload = raw
	}
	return m, nil
}

// SessionDescription is the payload for offer and answer messages.
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate is the payload for ice-candidate messages.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Presence is the payload for user-joined and user-left notifications
// delivered by the signaling server.
type Presence struct {
	UserID string `json:"userId"`
}
