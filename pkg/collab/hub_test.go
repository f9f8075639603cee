package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/reports"
)

type hubEnv struct {
	t     *testing.T
	hub   *Hub
	srv   *httptest.Server
	conns []*websocket.Conn
}

func newHubEnv(t *testing.T, cfg HubConfig) *hubEnv {
	t.Helper()
	env := &hubEnv{t: t, hub: NewHub(cfg)}
	upgrader := websocket.Upgrader{}
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		_ = env.hub.Serve(conn, q.Get("user"), "org1", q.Get("design"))
	}))
	return env
}

func (e *hubEnv) stop() {
	for _, c := range e.conns {
		c.Close()
	}
	e.hub.Close()
	e.srv.Close()
}

func (e *hubEnv) dial(user, design string) *websocket.Conn {
	e.t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/?user=" + user + "&design=" + design
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(e.t, err)
	e.conns = append(e.conns, conn)
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

// readType skips frames until one of type typ arrives
func readType(t *testing.T, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		if m := readMsg(t, conn); m.Type == typ {
			return m
		}
	}
	t.Fatalf("no %s message received", typ)
	return Message{}
}

// awaitPresence reads presence frames until the room lists exactly users
func awaitPresence(t *testing.T, conn *websocket.Conn, users ...string) {
	t.Helper()
	for i := 0; i < 10; i++ {
		m := readType(t, conn, TypePresence)
		if assert.ObjectsAreEqual(users, presenceUsers(t, m)) {
			return
		}
	}
	t.Fatalf("presence never became %v", users)
}

func presenceUsers(t *testing.T, m Message) []string {
	t.Helper()
	var p Presence
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	out := make([]string, len(p.Users))
	for i, u := range p.Users {
		out[i] = u.UserID
	}
	return out
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// assertQuiet proves nothing is queued for conn by round-tripping a ping
func assertQuiet(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, `{"type":"ping"}`)
	assert.Equal(t, TypePong, readMsg(t, conn).Type)
}

func TestPresenceOnJoinAndLeave(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newHubEnv(t, HubConfig{})
	defer env.stop()

	alice := env.dial("alice", "d1")
	awaitPresence(t, alice, "alice")

	bob := env.dial("bob", "d1")
	awaitPresence(t, bob, "alice", "bob")
	awaitPresence(t, alice, "alice", "bob")
	assert.Equal(t, 2, env.hub.RoomSize("d1"))

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	awaitPresence(t, alice, "alice")
	assert.Equal(t, 1, env.hub.RoomSize("d1"))
}

func TestCursorBroadcastExcludesSenderAndOtherRooms(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newHubEnv(t, HubConfig{})
	defer env.stop()

	alice := env.dial("alice", "d1")
	awaitPresence(t, alice, "alice")
	carol := env.dial("carol", "d2")
	awaitPresence(t, carol, "carol")
	bob := env.dial("bob", "d1")
	awaitPresence(t, bob, "alice", "bob")
	awaitPresence(t, alice, "alice", "bob")

	send(t, alice, `{"type":"cursor","user_id":"mallory","design_id":"d2","payload":{"x":10,"y":20}}`)

	got := readType(t, bob, TypeCursor)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "d1", got.DesignID)
	assert.JSONEq(t, `{"x":10,"y":20}`, string(got.Payload))
	assert.False(t, got.SentAt.IsZero())

	send(t, bob, `{"type":"select","payload":{"nodes":["r1"]}}`)
	sel := readType(t, alice, TypeSelect)
	assert.Equal(t, "bob", sel.UserID)

	assertQuiet(t, alice)
	assertQuiet(t, carol)
}

func TestUnsupportedAndMalformedFrames(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newHubEnv(t, HubConfig{})
	defer env.stop()

	alice := env.dial("alice", "d1")
	awaitPresence(t, alice, "alice")

	send(t, alice, `{"type":"design.deleted"}`)
	m := readMsg(t, alice)
	assert.Equal(t, TypeError, m.Type)
	assert.Contains(t, string(m.Payload), "unsupported message type")

	send(t, alice, `not json`)
	m = readMsg(t, alice)
	assert.Equal(t, TypeError, m.Type)
	assert.Contains(t, string(m.Payload), "malformed")

	assertQuiet(t, alice)
}

func TestPushToUserReachesEveryConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newHubEnv(t, HubConfig{})
	defer env.stop()

	first := env.dial("alice", "d1")
	awaitPresence(t, first, "alice")
	second := env.dial("alice", "d2")
	awaitPresence(t, second, "alice")
	other := env.dial("bob", "d1")
	awaitPresence(t, other, "alice", "bob")

	env.hub.PushToUser("alice", "notification", map[string]string{"title": "Report ready"})

	for _, conn := range []*websocket.Conn{first, second} {
		m := readType(t, conn, TypeNotification)
		assert.Equal(t, "alice", m.UserID)
		assert.JSONEq(t, `{"title":"Report ready"}`, string(m.Payload))
	}
	assertQuiet(t, other)
}

func TestDesignAndReportEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newHubEnv(t, HubConfig{})
	defer env.stop()

	alice := env.dial("alice", "d1")
	awaitPresence(t, alice, "alice")
	ctx := context.Background()

	env.hub.PublishDesignEvent(ctx, designs.Event{Type: designs.EventCreated, DesignID: "d1"})
	env.hub.PublishDesignEvent(ctx, designs.Event{Type: designs.EventUpdated, DesignID: "d1", UserID: "bob", Version: 7})
	m := readMsg(t, alice)
	assert.Equal(t, TypeDesignUpdated, m.Type)
	assert.Equal(t, "bob", m.UserID)
	assert.Contains(t, string(m.Payload), `"version":7`)

	env.hub.PublishDesignEvent(ctx, designs.Event{Type: designs.EventDeleted, DesignID: "d1", UserID: "bob"})
	assert.Equal(t, TypeDesignDeleted, readMsg(t, alice).Type)

	env.hub.PublishReportEvent(ctx, reports.Event{Type: reports.EventFailed,
		Report: &reports.Report{ID: "r1", DesignID: "d1", RequestedBy: "alice", Error: "chrome crashed"}})
	m = readMsg(t, alice)
	assert.Equal(t, TypeReportFailed, m.Type)
	assert.Contains(t, string(m.Payload), "chrome crashed")

	env.hub.PublishReportEvent(ctx, reports.Event{Type: reports.EventCompleted})
	assertQuiet(t, alice)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newHubEnv(t, HubConfig{})
	defer env.stop()

	alice := env.dial("alice", "d1")
	awaitPresence(t, alice, "alice")

	env.hub.Close()
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	late, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.srv.URL, "http")+"/?user=bob&design=d1", nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestSlowClientIsDropped(t *testing.T) {
	metrics := observability.NewTestMetrics()
	hub := NewHub(HubConfig{SendBuffer: 1, Metrics: metrics})
	slow := &Client{userID: "slow", designID: "d1", hub: hub, send: make(chan []byte, 1)}
	fast := &Client{userID: "fast", designID: "d1", hub: hub, send: make(chan []byte, 8)}
	require.NoError(t, hub.register(slow))
	require.NoError(t, hub.register(fast))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CollabConnections))

	hub.BroadcastToRoom("d1", Message{Type: TypeDesignUpdated})
	hub.BroadcastToRoom("d1", Message{Type: TypeDesignUpdated})

	assert.True(t, slow.isClosed())
	assert.False(t, fast.isClosed())
	assert.Equal(t, 1, hub.RoomSize("d1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CollabConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CollabMessagesTotal.WithLabelValues("design.updated", "out")))

	var types []MessageType
	for len(fast.send) > 0 {
		var m Message
		require.NoError(t, json.Unmarshal(<-fast.send, &m))
		types = append(types, m.Type)
	}
	assert.Equal(t, []MessageType{TypeDesignUpdated, TypeDesignUpdated, TypePresence}, types)
}

func TestRegisterAfterCloseFails(t *testing.T) {
	hub := NewHub(HubConfig{})
	hub.Close()
	err := hub.register(&Client{userID: "u", designID: "d", hub: hub, send: make(chan []byte, 1)})
	assert.ErrorIs(t, err, ErrHubClosed)
}

// memBus is an in-process Bus shared by several hubs
type memBus struct {
	mu   sync.Mutex
	subs []chan Envelope
}

func (b *memBus) Publish(_ context.Context, e Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s <- e
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	ch := make(chan Envelope, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *memBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func TestHubsRelayThroughBus(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := &memBus{}
	east := newHubEnv(t, HubConfig{Bus: bus})
	defer east.stop()
	west := newHubEnv(t, HubConfig{Bus: bus})
	defer west.stop()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, h := range []*Hub{east.hub, west.hub} {
		wg.Add(1)
		go func(h *Hub) {
			defer wg.Done()
			assert.NoError(t, h.Run(ctx))
		}(h)
	}
	defer wg.Wait()
	defer cancel()
	require.Eventually(t, func() bool { return bus.subscribers() == 2 }, 2*time.Second, 10*time.Millisecond)

	alice := east.dial("alice", "d1")
	awaitPresence(t, alice, "alice")
	bob := west.dial("bob", "d1")
	awaitPresence(t, bob, "bob")

	send(t, alice, `{"type":"cursor","payload":{"x":1}}`)
	m := readType(t, bob, TypeCursor)
	assert.Equal(t, "alice", m.UserID)

	east.hub.PublishDesignEvent(ctx, designs.Event{Type: designs.EventUpdated, DesignID: "d1", Version: 2})
	assert.Equal(t, TypeDesignUpdated, readType(t, bob, TypeDesignUpdated).Type)
	assert.Equal(t, TypeDesignUpdated, readMsg(t, alice).Type)

	west.hub.PushToUser("alice", "notification", map[string]string{"title": "hi"})
	assert.Equal(t, TypeNotification, readMsg(t, alice).Type)

	assertQuiet(t, alice)
	assertQuiet(t, bob)
}
