package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 64 * 1024
	maxSendChannelSize = 256
)

// Inbound is one frame sent by a browser.
type Inbound struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	AIEnabled bool   `json:"ai_enabled"`
	AIName    string `json:"ai_name"`
	Filter    string `json:"filter"`
}

// Hub tracks websocket clients and the rooms they listen to. It is the
// terminal Sink: events handed to it go straight to sockets.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger.With(slog.String("component", "hub")),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
}

// Unregister removes c from the hub and from every room it listened to.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	for room, members := range h.rooms {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// Subscribe points c at room, leaving whatever room it listened to before.
func (h *Hub) Subscribe(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev := c.Room(); prev != "" && prev != room {
		h.dropLocked(prev, c.ID)
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[c.ID] = c
}

func (h *Hub) Unsubscribe(c *Client, room string) {
	h.mu.Lock()
	h.dropLocked(room, c.ID)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(room, id string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Clients returns the number of live connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver writes e to every addressed client. A disbanded room loses all of
// its subscriptions after the notice goes out.
func (h *Hub) Deliver(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var targets map[string]*Client
	if e.Room == "" {
		targets = h.clients
	} else {
		targets = h.rooms[e.Room]
	}
	dropped := 0
	for _, c := range targets {
		if !c.SendRaw(data) {
			dropped++
		}
	}
	if e.Name == RoomDisbanded && e.Room != "" {
		for _, c := range h.rooms[e.Room] {
			c.clearRoom(e.Room)
		}
		delete(h.rooms, e.Room)
	}
	if dropped > 0 {
		h.logger.Warn("dropped event for slow clients",
			slog.String("event", string(e.Name)),
			slog.Int("clients", dropped),
		)
	}
	return nil
}

// Client is one websocket connection.
type Client struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	send   chan []byte

	mu       sync.RWMutex
	isClosed bool
	room     string
	username string
}

func NewClient(ctx context.Context, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		ID:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		send:   make(chan []byte, maxSendChannelSize),
	}
}

// SetMember records which room and name this connection joined as.
func (c *Client) SetMember(room, username string) {
	c.mu.Lock()
	c.room, c.username = room, username
	c.mu.Unlock()
}

// Member returns the room and name recorded by SetMember.
func (c *Client) Member() (room, username string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room, c.username
}

func (c *Client) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Client) clearRoom(room string) {
	c.mu.Lock()
	if c.room == room {
		c.room, c.username = "", ""
	}
	c.mu.Unlock()
}

// ReadPump reads frames until the connection fails or the client closes.
func (c *Client) ReadPump(logger *slog.Logger, handle func(*Client, Inbound)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in Inbound
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("client read error", slog.String("client", c.ID), slog.String("error", err.Error()))
			}
			return
		}
		handle(c, in)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return nil
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// SendJSON queues one event for this client only.
func (c *Client) SendJSON(e Event) bool {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false
	}
	return c.SendRaw(data)
}

// SendRaw queues data without blocking; a full queue drops it.
func (c *Client) SendRaw(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return
	}
	c.isClosed = true
	c.cancel()
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
