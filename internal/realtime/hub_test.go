package realtime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newTestClient(sessionID uuid.UUID) *Client {
	return &Client{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    uuid.New(),
		send:      make(chan WSMessage, 8),
	}
}

type fakeRedis struct {
	mu        sync.Mutex
	published []string
	handlers  map[uuid.UUID]func(event string, payload []byte)
	cancelled int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{handlers: make(map[uuid.UUID]func(string, []byte))}
}

func (f *fakeRedis) PublishSessionChannel(sessionID uuid.UUID, event string, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeRedis) SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	f.handlers[sessionID] = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
	}, nil
}

func TestHubRegisterUnregisterCounts(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	sessionID := uuid.New()

	a := newTestClient(sessionID)
	b := newTestClient(sessionID)
	hub.Register(a)
	hub.Register(b)
	if got := hub.ViewerCount(sessionID); got != 2 {
		t.Fatalf("viewer count = %d, want 2", got)
	}

	hub.Unregister(a)
	if got := hub.ViewerCount(sessionID); got != 1 {
		t.Fatalf("viewer count = %d after unregister, want 1", got)
	}
	hub.Unregister(b)
	if got := hub.ViewerCount(sessionID); got != 0 {
		t.Fatalf("viewer count = %d after last leave, want 0", got)
	}
}

func TestHubBroadcastReachesRoomOnly(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	roomA, roomB := uuid.New(), uuid.New()
	inA := newTestClient(roomA)
	inB := newTestClient(roomB)
	hub.Register(inA)
	hub.Register(inB)

	hub.BroadcastToSession(roomA, "session_status", map[string]string{"status": "live"})

	select {
	case msg := <-inA.send:
		if msg.Event != "session_status" {
			t.Errorf("event = %q", msg.Event)
		}
		var body map[string]string
		if err := json.Unmarshal(msg.Data, &body); err != nil || body["status"] != "live" {
			t.Errorf("data = %s", msg.Data)
		}
	default:
		t.Fatal("room member received nothing")
	}
	select {
	case msg := <-inB.send:
		t.Fatalf("other room received %q", msg.Event)
	default:
	}
}

func TestHubPresenceHandler(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	sessionID := uuid.New()

	type presence struct {
		connected bool
		count     int
	}
	var got []presence
	hub.SetPresenceHandler(func(_, _ uuid.UUID, connected bool, count int) {
		got = append(got, presence{connected, count})
	})

	c := newTestClient(sessionID)
	hub.Register(c)
	hub.Unregister(c)

	want := []presence{{true, 1}, {false, 0}}
	if len(got) != len(want) {
		t.Fatalf("presence calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("presence[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestHubRedisSubscriptionLifecycle(t *testing.T) {
	redis := newFakeRedis()
	hub := NewHub(zap.NewNop(), redis, redis)
	sessionID := uuid.New()

	c := newTestClient(sessionID)
	hub.Register(c)

	redis.mu.Lock()
	handler := redis.handlers[sessionID]
	redis.mu.Unlock()
	if handler == nil {
		t.Fatal("no Redis subscription for the room")
	}

	// An event from another instance reaches local clients.
	handler("chat_message", []byte(`{"text":"hi"}`))
	select {
	case msg := <-c.send:
		if msg.Event != "chat_message" {
			t.Errorf("event = %q", msg.Event)
		}
	default:
		t.Fatal("cross-instance event not delivered")
	}

	hub.Unregister(c)
	redis.mu.Lock()
	cancelled := redis.cancelled
	redis.mu.Unlock()
	if cancelled != 1 {
		t.Errorf("subscription cancels = %d, want 1", cancelled)
	}
}

func TestHubPublishSessionEventFansOut(t *testing.T) {
	redis := newFakeRedis()
	hub := NewHub(zap.NewNop(), redis, redis)
	sessionID := uuid.New()
	c := newTestClient(sessionID)
	hub.Register(c)

	hub.PublishSessionEvent(sessionID, "availability", map[string]int{"available": 3})

	select {
	case msg := <-c.send:
		if msg.Event != "availability" {
			t.Errorf("event = %q", msg.Event)
		}
	default:
		t.Fatal("local client received nothing")
	}
	redis.mu.Lock()
	defer redis.mu.Unlock()
	if len(redis.published) != 1 || redis.published[0] != "availability" {
		t.Errorf("published = %v", redis.published)
	}
}

func TestHubPublishOnlySkipsLocalWhenRedisPresent(t *testing.T) {
	redis := newFakeRedis()
	hub := NewHub(zap.NewNop(), redis, redis)
	sessionID := uuid.New()
	c := newTestClient(sessionID)
	hub.Register(c)

	hub.PublishOnly(sessionID, "chat_message", map[string]string{"text": "hi"})

	select {
	case msg := <-c.send:
		t.Fatalf("local delivery %q despite publish-only", msg.Event)
	default:
	}
	redis.mu.Lock()
	defer redis.mu.Unlock()
	if len(redis.published) != 1 {
		t.Errorf("published = %v", redis.published)
	}
}
