package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/reports"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultSendBuffer     = 64
	defaultMaxMessageSize = 64 << 10
	defaultOutboxSize     = 1024
	publishTimeout        = 2 * time.Second
)

// HubConfig configures a Hub. Zero values take defaults; Bus, Metrics and
// Logger may be nil.
type HubConfig struct {
	PingInterval   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	OutboxSize     int

	Bus     Bus
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

func (c HubConfig) withDefaults() HubConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = defaultOutboxSize
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger()
	}
	return c
}

// pongWait is how long a silent peer survives; two missed pings
func (c HubConfig) pongWait() time.Duration { return 2 * c.PingInterval }

// Hub tracks design rooms and user connections on this instance and relays
// traffic to other instances through the bus.
type Hub struct {
	id      string
	cfg     HubConfig
	bus     Bus
	metrics *observability.Metrics
	logger  *observability.Logger
	outbox  chan Envelope
	now     func() time.Time

	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	users  map[string]map[*Client]struct{}
	closed bool
}

// NewHub creates a hub with a random instance id
func NewHub(cfg HubConfig) *Hub {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Hub{
		id:      id,
		cfg:     cfg,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.WithFields(map[string]interface{}{"component": "collab", "instance": id}),
		outbox:  make(chan Envelope, cfg.OutboxSize),
		now:     func() time.Time { return time.Now().UTC() },
		rooms:   make(map[string]map[*Client]struct{}),
		users:   make(map[string]map[*Client]struct{}),
	}
}

// ID is the instance tag put on published envelopes
func (h *Hub) ID() string { return h.id }

// Serve joins conn to the room of designID and blocks until it disconnects
func (h *Hub) Serve(conn *websocket.Conn, userID, orgID, designID string) error {
	c := &Client{
		id:       uuid.NewString(),
		userID:   userID,
		orgID:    orgID,
		designID: designID,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
	}
	if err := h.register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return err
	}
	h.logger.WithFields(map[string]interface{}{"user_id": userID, "design_id": designID}).Debug("collab client joined")
	h.broadcastPresence(designID)

	go c.writePump()
	c.readPump()
	return nil
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	addClient(h.rooms, c.designID, c)
	addClient(h.users, c.userID, c)
	if h.metrics != nil {
		h.metrics.CollabConnections.Inc()
	}
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.rooms[c.designID][c]
	if present {
		removeClient(h.rooms, c.designID, c)
		removeClient(h.users, c.userID, c)
		if h.metrics != nil {
			h.metrics.CollabConnections.Dec()
		}
	}
	h.mu.Unlock()

	c.close()
	if present {
		h.broadcastPresence(c.designID)
	}
}

func addClient(index map[string]map[*Client]struct{}, key string, c *Client) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Client]struct{})
		index[key] = set
	}
	set[c] = struct{}{}
}

func removeClient(index map[string]map[*Client]struct{}, key string, c *Client) {
	if set, ok := index[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// RoomSize returns the number of local connections in a design room
func (h *Hub) RoomSize(designID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[designID])
}

// Presence lists the users connected to a design room on this instance
func (h *Hub) Presence(designID string) Presence {
	h.mu.RLock()
	counts := make(map[string]int)
	for c := range h.rooms[designID] {
		counts[c.userID]++
	}
	h.mu.RUnlock()

	p := Presence{Users: make([]PresenceUser, 0, len(counts))}
	for user, n := range counts {
		p.Users = append(p.Users, PresenceUser{UserID: user, Connections: n})
	}
	sort.Slice(p.Users, func(i, j int) bool { return p.Users[i].UserID < p.Users[j].UserID })
	return p
}

// Presence is local to the instance and is not relayed over the bus.
func (h *Hub) broadcastPresence(designID string) {
	msg := Message{Type: TypePresence, DesignID: designID, Payload: rawPayload(h.Presence(designID)), SentAt: h.now()}
	if data, err := json.Marshal(msg); err == nil {
		h.deliverRoom(designID, data, nil)
		h.count(msg.Type, "out")
	}
}

// BroadcastToRoom sends msg to everyone in the design room on every instance
func (h *Hub) BroadcastToRoom(designID string, msg Message) {
	h.broadcast(designID, msg, nil)
}

func (h *Hub) broadcast(designID string, msg Message, except *Client) {
	msg.DesignID = designID
	if msg.SentAt.IsZero() {
		msg.SentAt = h.now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode collab message")
		return
	}
	h.deliverRoom(designID, data, except)
	h.count(msg.Type, "out")
	h.publish(Envelope{Room: designID, Message: msg})
}

// PushToUser sends a message to every connection of userID on every instance
func (h *Hub) PushToUser(userID, msgType string, payload interface{}) {
	msg := Message{Type: MessageType(msgType), UserID: userID, Payload: rawPayload(payload), SentAt: h.now()}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode collab message")
		return
	}
	h.deliverUser(userID, data)
	h.count(msg.Type, "out")
	h.publish(Envelope{User: userID, Message: msg})
}

func (h *Hub) deliverRoom(designID string, data []byte, except *Client) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.rooms[designID] {
		if c != except && !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	h.dropSlow(slow)
}

func (h *Hub) deliverUser(userID string, data []byte) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.users[userID] {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	h.dropSlow(slow)
}

func (h *Hub) dropSlow(clients []*Client) {
	for _, c := range clients {
		if c.isClosed() {
			continue
		}
		h.logger.WithFields(map[string]interface{}{"user_id": c.userID, "design_id": c.designID}).
			Warn("dropping slow collab client")
		h.unregister(c)
	}
}

func (h *Hub) handleInbound(c *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(c, TypeError, errorPayload{Error: "malformed message"})
		return
	}
	h.count(msg.Type, "in")

	switch msg.Type {
	case TypePing:
		h.reply(c, TypePong, nil)
	case TypeCursor, TypeSelect:
		h.broadcast(c.designID, Message{Type: msg.Type, UserID: c.userID, Payload: msg.Payload}, c)
	default:
		h.reply(c, TypeError, errorPayload{Error: fmt.Sprintf("unsupported message type %q", msg.Type)})
	}
}

func (h *Hub) reply(c *Client, t MessageType, payload interface{}) {
	data, err := json.Marshal(Message{Type: t, DesignID: c.designID, Payload: rawPayload(payload), SentAt: h.now()})
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		h.dropSlow([]*Client{c})
	}
}

func (h *Hub) publish(e Envelope) {
	if h.bus == nil {
		return
	}
	e.Origin = h.id
	select {
	case h.outbox <- e:
	default:
		h.logger.WithField("type", e.Message.Type).Warn("collab outbox full, message not relayed")
	}
}

// Run relays the outbox to the bus and delivers envelopes from other
// instances until ctx ends. Without a bus it only waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	inbox, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("collab bus subscription closed")
			}
			h.deliverRemote(e)
		case e := <-h.outbox:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := h.bus.Publish(pctx, e); err != nil {
				h.logger.WithError(err).Warn("failed to relay collab message")
			}
			cancel()
		}
	}
}

func (h *Hub) deliverRemote(e Envelope) {
	if e.Origin == h.id {
		return
	}
	data, err := json.Marshal(e.Message)
	if err != nil {
		return
	}
	switch {
	case e.Room != "":
		h.deliverRoom(e.Room, data, nil)
	case e.User != "":
		h.deliverUser(e.User, data)
	}
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Client
	for _, set := range h.rooms {
		for c := range set {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.users = make(map[string]map[*Client]struct{})
	if h.metrics != nil {
		h.metrics.CollabConnections.Sub(float64(len(all)))
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) count(t MessageType, direction string) {
	if h.metrics != nil {
		h.metrics.CollabMessagesTotal.WithLabelValues(string(t), direction).Inc()
	}
}

// PublishDesignEvent forwards design mutations to the room of the design
func (h *Hub) PublishDesignEvent(_ context.Context, e designs.Event) {
	var t MessageType
	switch e.Type {
	case designs.EventUpdated, designs.EventAttachmentUploaded, designs.EventAttachmentDeleted:
		t = TypeDesignUpdated
	case designs.EventDeleted:
		t = TypeDesignDeleted
	default:
		return
	}
	h.BroadcastToRoom(e.DesignID, Message{
		Type:   t,
		UserID: e.UserID,
		Payload: rawPayload(map[string]interface{}{
			"event":   e.Type,
			"version": e.Version,
			"data":    e.Payload,
		}),
		SentAt: e.OccurredAt,
	})
}

// PublishReportEvent tells the requester that their report finished
func (h *Hub) PublishReportEvent(_ context.Context, e reports.Event) {
	if e.Report == nil || e.Report.RequestedBy == "" {
		return
	}
	t := TypeReportCompleted
	if e.Type == reports.EventFailed {
		t = TypeReportFailed
	}
	h.PushToUser(e.Report.RequestedBy, string(t), e.Report)
}
