// Package realtime pushes message notifications to connected operator UIs
// over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	shardCount     = 16
	writeTimeout   = 10 * time.Second
	readTimeout    = 90 * time.Second
	maxFrameBytes  = 64 * 1024
	pingFrame      = "ping"
	pongFrame      = "pong"
	closeReplaced  = "replaced by a newer connection"
	closeForbidden = "origin not allowed"
)

// ErrNotConnected is returned by Send when the user has no live socket.
var ErrNotConnected = errors.New("user not connected")

// Client is one operator socket. Writes are serialized by mu.
type Client struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex
	once   sync.Once
}

func (c *Client) write(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *Client) close(code int, reason string) {
	c.once.Do(func() {
		// WriteControl may run concurrently with WriteMessage.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

type shard struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// Hub is the per-process connection registry, keyed by user id. A user
// has at most one live connection; the newest wins.
type Hub struct {
	shards   [shardCount]*shard
	origins    map[string]struct{}
	anyOrig    bool
	originless bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates a hub accepting browser connections from allowedOrigins.
// "*" allows every origin and same-host origins are always accepted.
// Clients that send no Origin header are accepted only when allowOriginless
// is set.
func NewHub(log *slog.Logger, allowedOrigins []string, allowOriginless bool) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		origins:    map[string]struct{}{},
		originless: allowOriginless,
		logger:     log.With(slog.String("component", "realtime")),
	}
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		switch origin {
		case "":
		case "*":
			h.anyOrig = true
		default:
			h.origins[origin] = struct{}{}
		}
	}
	for i := range h.shards {
		h.shards[i] = &shard{clients: map[string]*Client{}}
	}
	// Origin is checked after the upgrade so the rejection can carry close
	// code 1008.
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return h
}

// OriginAllowed reports whether a client on origin may connect to host.
func (h *Hub) OriginAllowed(origin, host string) bool {
	origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
	if origin == "" {
		return h.originless
	}
	if h.anyOrig {
		return true
	}
	if _, ok := h.origins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, host)
}

// ServeWS upgrades the request and serves the socket until it closes or ctx
// ends.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	if !h.OriginAllowed(r.Header.Get("Origin"), r.Host) {
		h.logger.Warn("websocket origin rejected",
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("user_id", userID),
		)
		(&Client{conn: conn}).close(websocket.ClosePolicyViolation, closeForbidden)
		return nil
	}
	client := h.register(userID, conn)
	defer h.unregister(client)

	if err := h.sendTo(client, Event{Type: EventConnectionEstablished, UserID: userID}); err != nil {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		client.close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	conn.SetReadLimit(maxFrameBytes)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read ended", slog.String("user_id", userID), slog.Any("error", err))
			}
			return nil
		}
		if kind == websocket.TextMessage && strings.TrimSpace(string(data)) == pingFrame {
			if err := client.write(websocket.TextMessage, []byte(pongFrame)); err != nil {
				return nil
			}
		}
	}
}

// Send delivers ev to one user.
func (h *Hub) Send(userID string, ev Event) error {
	s := h.shardFor(userID)
	s.mu.RLock()
	client := s.clients[userID]
	s.mu.RUnlock()
	if client == nil {
		return ErrNotConnected
	}
	return h.sendTo(client, ev)
}

// Broadcast delivers ev to every connected user and returns how many
// received it. Sockets that fail are dropped; the event is not retried.
func (h *Hub) Broadcast(ev Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode realtime event failed", slog.Any("error", err))
		return 0
	}
	delivered := 0
	for _, client := range h.snapshot() {
		if err := client.write(websocket.TextMessage, data); err != nil {
			h.logger.Info("dropping broken websocket",
				slog.String("user_id", client.userID),
				slog.Any("error", err),
			)
			h.unregister(client)
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of connected users.
func (h *Hub) Count() int {
	n := 0
	for _, s := range h.shards {
		s.mu.RLock()
		n += len(s.clients)
		s.mu.RUnlock()
	}
	return n
}

// Close disconnects every client.
func (h *Hub) Close() {
	for _, client := range h.snapshot() {
		h.unregister(client)
	}
}

func (h *Hub) sendTo(client *Client, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := client.write(websocket.TextMessage, data); err != nil {
		h.unregister(client)
		return err
	}
	return nil
}

func (h *Hub) register(userID string, conn *websocket.Conn) *Client {
	client := &Client{userID: userID, conn: conn}
	s := h.shardFor(userID)
	s.mu.Lock()
	previous := s.clients[userID]
	s.clients[userID] = client
	s.mu.Unlock()
	if previous != nil {
		previous.close(websocket.CloseNormalClosure, closeReplaced)
	}
	h.logger.Info("websocket connected", slog.String("user_id", userID))
	return client
}

// unregister removes client if it is still the user's current connection
// and closes it.
func (h *Hub) unregister(client *Client) {
	s := h.shardFor(client.userID)
	s.mu.Lock()
	if s.clients[client.userID] == client {
		delete(s.clients, client.userID)
	}
	s.mu.Unlock()
	client.close(websocket.CloseNormalClosure, "")
}

func (h *Hub) snapshot() []*Client {
	var out []*Client
	for _, s := range h.shards {
		s.mu.RLock()
		for _, client := range s.clients {
			out = append(out, client)
		}
		s.mu.RUnlock()
	}
	return out
}

func (h *Hub) shardFor(userID string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(userID))
	return h.shards[f.Sum32()%shardCount]
}
