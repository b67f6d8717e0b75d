package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second
)

// WebSocketTransport is a Transport over a WebSocket connection to the
// external signaling server. One transport serves one room; the owning call
// constructs a fresh instance per connection attempt.
type WebSocketTransport struct {
	url      string
	senderID string
	logger   *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	roomID     string
	handler    Handler
	send       chan *Message
	done       chan struct{}
	writerDone chan struct{}
	closed     bool
}

// NewWebSocketTransport creates an unconnected transport. senderID is the
// identity attached to every outgoing message.
func NewWebSocketTransport(url, senderID string, logger *zap.Logger) *WebSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		url:        url,
		senderID:   senderID,
		logger:     logger,
		send:       make(chan *Message, 64),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// SetHandler registers the incoming-message callback. Must be called before Connect.
func (t *WebSocketTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Connect dials the signaling server, announces join-room and starts the
// read/write pumps.
func (t *WebSocketTransport) Connect(ctx context.Context, roomID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("signaling: transport closed")
	}
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("signaling: already connected")
	}
	t.roomID = roomID
	t.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	if t.closed {
		// Close raced the dial; the connection must not survive.
		t.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("signaling: transport closed")
	}
	t.conn = conn
	t.mu.Unlock()

	go t.writePump()
	go t.readPump()

	join, _ := NewMessage(TypeJoinRoom, roomID, t.senderID, nil)
	return t.Send(join)
}

// Send queues a message for delivery. Returns an error only when the
// transport is closed or the outgoing buffer is full.
func (t *WebSocketTransport) Send(m *Message) error {
	if m.SenderID == "" {
		m.SenderID = t.senderID
	}
	select {
	case <-t.done:
		return fmt.Errorf("signaling: transport closed")
	default:
	}
	select {
	case t.send <- m:
		return nil
	default:
		return fmt.Errorf("signaling: send buffer full")
	}
}

// Close announces leave-room, stops the pumps and closes the connection.
// Idempotent; safe to call before Connect.
//
// The write pump is the sole writer on the connection, so Close only signals
// it and waits for the goodbye frames to flush; writing here directly would
// race a queued message or ping inside the pump.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.done)
	if conn == nil {
		return nil
	}
	select {
	case <-t.writerDone:
	case <-time.After(writeWait):
	}
	return conn.Close()
}

func (t *WebSocketTransport) readPump() {
	t.mu.Lock()
	conn := t.conn
	handler := t.handler
	t.mu.Unlock()

	conn.SetReadLimit(65536)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Debug("signaling read ended", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		// Own echoes can come back from naive relays; drop them.
		if msg.SenderID == t.senderID {
			continue
		}
		if handler != nil {
			handler(&msg)
		}
	}
}

func (t *WebSocketTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer close(t.writerDone)

	t.mu.Lock()
	conn := t.conn
	roomID := t.roomID
	t.mu.Unlock()

	for {
		select {
		case <-t.done:
			leave, _ := NewMessage(TypeLeaveRoom, roomID, t.senderID, nil)
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(leave)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-t.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				t.logger.Debug("signaling write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
