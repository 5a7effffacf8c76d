package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/filtertune/internal/chain"
	"github.com/ajitpratap0/filtertune/internal/events"
	"github.com/ajitpratap0/filtertune/internal/optimizer"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Messages buffered per client before it is dropped as too slow
	clientBuffer = 64
)

// Client message types. Server messages carry an events.EventType.
const (
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
	MessageTypeHello = "hello"
)

// Message is one frame on the progress stream
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// streamClient is one WebSocket connection
type streamClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans search progress out to WebSocket clients. It implements
// optimizer.Observer and chain.Reporter. Broadcasting never blocks the
// search: when the hub is backed up the message is dropped.
type Hub struct {
	clients    map[*streamClient]bool
	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	upgrader   websocket.Upgrader

	mu sync.RWMutex
}

var (
	_ optimizer.Observer = (*Hub)(nil)
	_ chain.Reporter     = (*Hub)(nil)
)

// NewHub creates a hub. With allowedOrigins empty only same-origin
// browsers may connect.
func NewHub(allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
	return h
}

// Run serves registrations and broadcasts until ctx is done, then
// disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().
				Int("total_clients", total).
				Msg("Stream client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().
				Int("total_clients", total).
				Msg("Stream client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Too slow, drop the client
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every connected client
func (h *Hub) Broadcast(msgType string, data interface{}) error {
	msg, err := encodeMessage(msgType, data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- msg:
	default:
		log.Warn().Str("type", msgType).Msg("Stream backlog full, dropping message")
	}
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnNewBest streams a new best configuration
func (h *Hub) OnNewBest(phase optimizer.Phase, cfg filters.Config, score float64, metrics *backtest.Metrics) {
	h.broadcastOrWarn(events.EventNewBest, events.NewBestPayload(phase, cfg, score, metrics))
}

// OnPhase streams a phase completion
func (h *Hub) OnPhase(phase optimizer.Phase, bestScore float64) {
	h.broadcastOrWarn(events.EventPhaseComplete, events.NewPhasePayload(phase, bestScore))
}

// OnRunComplete streams a run completion
func (h *Hub) OnRunComplete(_ string, run backtest.RunSummary, globalBest float64) {
	h.broadcastOrWarn(events.EventRunComplete, events.NewRunPayload(run, globalBest))
}

// OnChainComplete streams the chain summary
func (h *Hub) OnChainComplete(report *backtest.ChainReport) {
	h.broadcastOrWarn(events.EventChainComplete, events.NewChainPayload(report))
}

func (h *Hub) broadcastOrWarn(typ events.EventType, payload interface{}) {
	if err := h.Broadcast(string(typ), payload); err != nil {
		log.Warn().Err(err).Str("type", string(typ)).Msg("Failed to stream event")
	}
}

// ServeWS upgrades the request and attaches the connection to the hub
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response
		log.Debug().Err(err).Msg("Stream upgrade failed")
		return
	}

	client := &streamClient{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	if hello, err := encodeMessage(MessageTypeHello, gin.H{"clients": h.ClientCount() + 1}); err == nil {
		client.send <- hello
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump consumes client frames until the connection fails
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("Stream read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump delivers hub messages and keeps the connection alive
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "search finished"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers application-level pings; anything else is ignored
func (c *streamClient) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Msg("Ignoring malformed stream message")
		return
	}

	if msg.Type == MessageTypePing {
		if pong, err := encodeMessage(MessageTypePong, struct{}{}); err == nil {
			c.trySend(pong)
		}
	}
}

// trySend queues a message for this client only. The hub may close send
// concurrently, so the send is guarded by the hub lock.
func (c *streamClient) trySend(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func encodeMessage(msgType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      raw,
	})
}
