package handlers

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Hub tracks every live connection on this node and the game rooms
// they have joined. One connection per player: a reconnect replaces
// the previous socket.
type Hub struct {
	mu      sync.RWMutex
	players map[string]*Client            // playerId -> connection
	rooms   map[string]map[string]*Client // gameId -> playerId -> connection
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		players: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger,
	}
}

// Client is one authenticated websocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	playerID string
	connID   string
	send     chan []byte

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	prev := h.players[c.playerID]
	h.players[c.playerID] = c
	h.mu.Unlock()

	if prev != nil {
		prev.closeSend()
	}
	h.logger.Info("client connected",
		zap.String("playerId", c.playerID), zap.String("connId", c.connID))
}

// unregister drops the client and reports the rooms it was in. A stale
// client (already replaced by a reconnect) leaves the replacement
// untouched.
func (h *Hub) unregister(c *Client) []string {
	h.mu.Lock()
	if h.players[c.playerID] == c {
		delete(h.players, c.playerID)
	}
	c.mu.Lock()
	joined := make([]string, 0, len(c.rooms))
	for gameID := range c.rooms {
		joined = append(joined, gameID)
		if room, ok := h.rooms[gameID]; ok && room[c.playerID] == c {
			delete(room, c.playerID)
			if len(room) == 0 {
				delete(h.rooms, gameID)
			}
		}
	}
	c.mu.Unlock()
	h.mu.Unlock()

	h.logger.Info("client disconnected",
		zap.String("playerId", c.playerID), zap.String("connId", c.connID))
	return joined
}

// Join subscribes the client to a game room.
func (h *Hub) Join(c *Client, gameID string) {
	h.mu.Lock()
	if h.rooms[gameID] == nil {
		h.rooms[gameID] = make(map[string]*Client)
	}
	h.rooms[gameID][c.playerID] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.rooms[gameID] = struct{}{}
	c.mu.Unlock()
}

// RoomBroadcast sends a frame to every member of a game room except
// excludePlayerID.
func (h *Hub) RoomBroadcast(gameID string, message []byte, excludePlayerID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for playerID, client := range h.rooms[gameID] {
		if playerID == excludePlayerID {
			continue
		}
		client.enqueue(message)
	}
}

// SendToPlayer delivers a frame to one player's connection, if they
// are connected to this node.
func (h *Hub) SendToPlayer(playerID string, message []byte) bool {
	h.mu.RLock()
	client, ok := h.players[playerID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.enqueue(message)
	return true
}

// RoomMembers lists the players of a room connected to this node.
func (h *Hub) RoomMembers(gameID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[gameID]))
	for playerID := range h.rooms[gameID] {
		out = append(out, playerID)
	}
	return out
}

// HasRoom reports whether any local client joined the room.
func (h *Hub) HasRoom(gameID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[gameID]) > 0
}

// Connected reports whether the player has a socket on this node.
func (h *Hub) Connected(playerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.players[playerID]
	return ok
}

// CloseAll tears down every connection, used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.players))
	for _, c := range h.players {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.closeSend()
	}
}

func (c *Client) enqueue(message []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- message:
	default:
		// slow consumer; drop the connection rather than block the hub
		c.closed = true
		close(c.send)
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, chanOpen := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !chanOpen {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
