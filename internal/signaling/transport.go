package signaling

import "context"

// Handler receives incoming signaling messages for a connected room.
// It is invoked from the transport's read loop; implementations must not
// block for long.
type Handler func(*Message)

// Transport is a bidirectional signaling channel keyed by room id.
// The signaling server itself is an external collaborator; any conforming
// relay (WebSocket, hosted service) can sit behind this interface.
//
// Lifecycle: SetHandler, Connect, Send..., Close. Close is idempotent and
// safe to call even if Connect never succeeded.
type Transport interface {
	// SetHandler registers the callback for incoming messages. Must be
	// called before Connect.
	SetHandler(h Handler)
	// Connect establishes the channel for the given room and announces the
	// local peer with a join-room message.
	Connect(ctx context.Context, roomID string) error
	// Send delivers a message to the signaling server.
	Send(m *Message) error
	// Close announces leave-room and releases the channel.
	Close() error
}
