package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"mailsync/internal/services"
	"mailsync/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_ws_clients",
			Help: "Connected websocket clients.",
		},
	)
	metricWSDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_ws_dropped_clients_total",
			Help: "Websocket clients disconnected because they could not keep up.",
		},
	)
)

const (
	// Client message types.
	msgSubscribe   = "subscribe:account"
	msgUnsubscribe = "unsubscribe:account"
	msgPing        = "ping"

	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	maxFrameSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketMessage is the frame exchanged in both directions.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	AccountID uint        `json:"accountId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// StatusProvider answers subscriptions with the account's current state.
type StatusProvider interface {
	GetSyncStatus(ctx context.Context, accountID uint) (*services.SyncStatus, error)
}

type wsClient struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	accounts map[uint]bool // guarded by Hub.mu
}

// Hub fans sync events out to websocket clients subscribed to the account.
// It implements services.Broadcaster; Emit never blocks, a client whose
// buffer is full is disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	status  StatusProvider
	logger  *utils.Logger

	// A peer that sends nothing, pongs included, for pongWait is dropped.
	// pingInterval must stay below pongWait.
	pongWait     time.Duration
	pingInterval time.Duration
}

func NewHub() *Hub {
	return &Hub{
		clients:      make(map[string]*wsClient),
		logger:       utils.NewLogger("WebSocket"),
		pongWait:     pongWait,
		pingInterval: pongWait * 9 / 10,
	}
}

// SetStatusProvider wires the source of subscribe replies. The hub is built
// before the coordinator it reports on, so this happens after construction.
func (h *Hub) SetStatusProvider(status StatusProvider) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

// Emit implements services.Broadcaster.
func (h *Hub) Emit(kind services.EventKind, accountID uint, payload interface{}) {
	frame, err := json.Marshal(WebSocketMessage{Type: string(kind), AccountID: accountID, Data: payload})
	if err != nil {
		h.logger.Error("Failed to encode %s event: %v", kind, err)
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for _, c := range h.clients {
		if !c.accounts[accountID] {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Client %s is not keeping up, disconnecting", c.id)
		metricWSDropped.Inc()
		h.unregister(c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		accounts: make(map[uint]bool),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metricWSClients.Inc()
	return c
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	metricWSClients.Dec()
}

func (h *Hub) setSubscribed(c *wsClient, accountID uint, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if on {
		c.accounts[accountID] = true
	} else {
		delete(c.accounts, accountID)
	}
}

// reply queues a frame for one client. Returns false if the client is gone
// or its buffer is full.
func (h *Hub) reply(c *wsClient, msg WebSocketMessage) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// ServeWS upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error: %v", err)
		return
	}
	c := h.register(conn)
	h.logger.Debug("Client %s connected from %s", c.id, r.RemoteAddr)

	go h.writePump(c)
	h.readPump(r.Context(), c)
}

func (h *Hub) readPump(ctx context.Context, c *wsClient) {
	defer func() {
		h.unregister(c)
		h.logger.Debug("Client %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		var msg WebSocketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Client %s read error: %v", c.id, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.pongWait))

		switch msg.Type {
		case msgSubscribe:
			if msg.AccountID == 0 {
				h.reply(c, WebSocketMessage{Type: "error", Error: "accountId is required"})
				continue
			}
			h.setSubscribed(c, msg.AccountID, true)
			h.replyStatus(ctx, c, msg.AccountID)
		case msgUnsubscribe:
			h.setSubscribed(c, msg.AccountID, false)
		case msgPing:
			h.reply(c, WebSocketMessage{Type: "pong"})
		default:
			h.reply(c, WebSocketMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}

func (h *Hub) replyStatus(ctx context.Context, c *wsClient, accountID uint) {
	h.mu.RLock()
	provider := h.status
	h.mu.RUnlock()
	if provider == nil {
		return
	}

	status, err := provider.GetSyncStatus(ctx, accountID)
	if err != nil {
		h.reply(c, WebSocketMessage{Type: "error", AccountID: accountID, Error: err.Error()})
		return
	}
	h.reply(c, WebSocketMessage{
		Type:      string(services.EventSyncFinished),
		AccountID: accountID,
		Data: services.SyncStatusEvent{
			AccountID:  status.AccountID,
			LastSyncAt: status.LastSyncAt,
			Syncing:    status.Syncing,
			EmailCount: status.EmailCount,
		},
	})
}

// writePump is the connection's only writer.
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}
