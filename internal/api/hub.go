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

	"github.com/kvasirlabs/signalflux/internal/execution"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendBuf  = 32
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST layer already allows all origins; the stream is read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamEnvelope wraps every websocket frame with a type tag so clients
// can multiplex signals and trade events on one connection.
type streamEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts emitted signals and trade events to websocket
// subscribers. Slow clients are dropped rather than allowed to stall
// the pipeline.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// HandleWS upgrades the request and serves the client until disconnect.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientSendBuf)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Debug().Int("clients", n).Msg("Websocket client connected")

	go h.writePump(client)
	h.readPump(client)
}

// PublishSignal broadcasts one sealed signal to all subscribers.
func (h *Hub) PublishSignal(_ context.Context, sig *signal.Signal) error {
	h.broadcast("signal", sig)
	return nil
}

// PublishTradeEvent broadcasts one trade lifecycle event.
func (h *Hub) PublishTradeEvent(_ context.Context, ev *execution.Event) {
	h.broadcast("trade_event", ev)
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) broadcast(kind string, data interface{}) {
	payload, err := json.Marshal(streamEnvelope{Type: kind, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", kind).Msg("Failed to encode stream frame")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			// Backed-up client: cut it loose.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// readPump discards inbound frames; the stream is one-way. It exists to
// notice disconnects and answer control frames.
func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.drop(client)
		client.conn.Close()
	}()
	client.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
