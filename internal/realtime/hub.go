package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmetk3436/relay/internal/observability"
	"github.com/google/uuid"
)

const (
	outboundBuffer = 256
	busQueueSize   = 1024
	publishTimeout = 2 * time.Second
)

type Client struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Outbound chan Event

	// guarded by Hub.mu
	rooms        map[string]bool
	conversation uuid.UUID
	closed       bool
}

// Hub maps clients to rooms. Every client sits in its user room and in at
// most one conversation room.
type Hub struct {
	mu      sync.RWMutex
	log     *slog.Logger
	rooms   map[string]map[*Client]bool
	clients int

	metrics *observability.StreamingMetrics

	origin string
	busQ   chan Envelope
}

func NewHub(metrics *observability.StreamingMetrics) *Hub {
	return &Hub{
		log:     slog.With("component", "Hub"),
		rooms:   make(map[string]map[*Client]bool),
		metrics: metrics,
		origin:  uuid.NewString(),
	}
}

// Register creates a client and joins it to its user room.
func (h *Hub) Register(userID uuid.UUID) *Client {
	c := &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Outbound: make(chan Event, outboundBuffer),
		rooms:    make(map[string]bool),
	}

	h.mu.Lock()
	h.addLocked(c, UserRoom(userID))
	h.clients++
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectedClients.Inc()
	}
	h.log.Debug("Client registered", "clientID", c.ID, "userID", userID)
	return c
}

// Unregister removes the client from every room and closes its queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	for room := range c.rooms {
		h.removeLocked(c, room)
	}
	c.conversation = uuid.Nil
	c.closed = true
	close(c.Outbound)
	h.clients--
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectedClients.Dec()
	}
	h.log.Debug("Client unregistered", "clientID", c.ID)
}

// Join moves the client into the conversation room, leaving any previous one.
func (h *Hub) Join(c *Client, conversationID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed {
		return
	}
	if c.conversation != uuid.Nil {
		h.removeLocked(c, ConversationRoom(c.conversation))
	}
	c.conversation = conversationID
	h.addLocked(c, ConversationRoom(conversationID))
}

func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.conversation == uuid.Nil {
		return
	}
	h.removeLocked(c, ConversationRoom(c.conversation))
	c.conversation = uuid.Nil
}

// Conversation returns the room the client currently views.
func (h *Hub) Conversation(c *Client) (uuid.UUID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.conversation, c.conversation != uuid.Nil
}

// CloseRoom empties a conversation room.
func (h *Hub) CloseRoom(conversationID uuid.UUID) {
	room := ConversationRoom(conversationID)

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[room] {
		delete(c.rooms, room)
		if c.conversation == conversationID {
			c.conversation = uuid.Nil
		}
	}
	delete(h.rooms, room)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients
}

// Broadcast delivers ev to the conversation room. It never blocks.
func (h *Hub) Broadcast(conversationID uuid.UUID, ev Event) {
	h.publish(ConversationRoom(conversationID), ev)
}

// BroadcastToUser delivers ev to every client of the user.
func (h *Hub) BroadcastToUser(userID uuid.UUID, ev Event) {
	h.publish(UserRoom(userID), ev)
}

// Send delivers ev to a single client.
func (h *Hub) Send(c *Client, ev Event) bool {
	h.mu.RLock()
	if c.closed {
		h.mu.RUnlock()
		return false
	}
	ok := h.trySend(c, ev)
	h.mu.RUnlock()

	if !ok {
		h.evict(c)
	}
	return ok
}

func (h *Hub) publish(room string, ev Event) {
	h.deliverLocal(room, ev)

	if h.busQ == nil {
		return
	}
	select {
	case h.busQ <- Envelope{Origin: h.origin, Room: room, Event: ev}:
	default:
		h.log.Warn("Dropping bus publish; queue full", "room", room, "event", ev.Event)
	}
}

func (h *Hub) deliverLocal(room string, ev Event) {
	var lagging []*Client

	h.mu.RLock()
	for c := range h.rooms[room] {
		if !h.trySend(c, ev) {
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.evict(c)
	}
}

// evict unregisters a client that missed an event. Its queue closes after the
// buffered events, the socket goes with it and the client rejoins with a
// fresh catch-up.
func (h *Hub) evict(c *Client) {
	h.log.Warn("Evicting lagging client", "clientID", c.ID, "userID", c.UserID)
	h.Unregister(c)
}

func (h *Hub) trySend(c *Client, ev Event) bool {
	select {
	case c.Outbound <- ev:
		return true
	default:
		h.log.Warn("Dropping event; outbound buffer full", "clientID", c.ID, "event", ev.Event)
		if h.metrics != nil {
			h.metrics.DroppedEventsTotal.Inc()
		}
		return false
	}
}

func (h *Hub) addLocked(c *Client, room string) {
	c.rooms[room] = true
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
}

func (h *Hub) removeLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// AttachBus fans every broadcast out to other instances and delivers their
// broadcasts locally. It must be called before the hub is used and stops
// when ctx is cancelled.
func (h *Hub) AttachBus(ctx context.Context, bus Bus) error {
	err := bus.StartForwarder(ctx, func(env Envelope) {
		if env.Origin == h.origin {
			return
		}
		h.deliverLocal(env.Room, env.Event)
	})
	if err != nil {
		return err
	}

	h.busQ = make(chan Envelope, busQueueSize)
	go h.publishLoop(ctx, bus)
	h.log.Info("Hub attached to bus", "origin", h.origin)
	return nil
}

func (h *Hub) publishLoop(ctx context.Context, bus Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.busQ:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := bus.Publish(pctx, env); err != nil {
				h.log.Warn("Bus publish failed", "room", env.Room, "error", err)
			}
			cancel()
		}
	}
}
