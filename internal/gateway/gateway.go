package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"chart-stream/internal/metrics"
	"chart-stream/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Named messages on the /prices namespace.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventPriceUpdate = "priceUpdate"
	EventKlineUpdate = "klineUpdate"
)

// Envelope is the broker-agnostic message frame exchanged with clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the reply to subscribe/unsubscribe requests.
type Ack struct {
	Status  string `json:"status"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message,omitempty"`
}

// Gateway fans events out to subscription rooms over websocket. Delivery is
// volatile: a frame a client cannot take right now is dropped and the next
// frame is attempted fresh.
type Gateway struct {
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	members map[*Client]map[string]struct{}
}

func NewGateway(frontendURL string, logger *logrus.Logger) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if frontendURL == "*" || frontendURL == "" {
					return true
				}
				return r.Header.Get("Origin") == frontendURL
			},
		},
		logger:  logger,
		rooms:   make(map[string]map[*Client]struct{}),
		members: make(map[*Client]map[string]struct{}),
	}
}

// Handle upgrades an HTTP request on the /prices namespace.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	client := &Client{
		gw:   g,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	g.mu.Lock()
	g.members[client] = make(map[string]struct{})
	clients := len(g.members)
	g.mu.Unlock()
	metrics.GatewayClients.Set(float64(clients))

	g.logger.Debugf("Client connected (%d total)", clients)

	go client.writePump()
	go client.readPump()
}

// handleInbound dispatches one client message.
func (g *Gateway) handleInbound(c *Client, message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		g.reply(c, EventSubscribe, &Ack{Status: "error", Message: "invalid message"})
		return
	}

	switch env.Event {
	case EventSubscribe:
		symbol, err := parseSymbolPayload(env.Data)
		if err != nil {
			g.reply(c, EventSubscribe, &Ack{Status: "error", Message: err.Error()})
			return
		}
		g.join(c, symbol)
		g.reply(c, EventSubscribe, &Ack{Status: "success", Symbol: symbol})

	case EventUnsubscribe:
		symbol, err := parseSymbolPayload(env.Data)
		if err != nil {
			g.reply(c, EventUnsubscribe, &Ack{Status: "error", Message: err.Error()})
			return
		}
		g.leave(c, symbol)
		g.reply(c, EventUnsubscribe, &Ack{Status: "success", Symbol: symbol})

	default:
		g.logger.Debugf("Ignoring unknown client event %q", env.Event)
	}
}

// parseSymbolPayload accepts {"symbol":"btcusdt"}, the same object encoded as
// a JSON string, or a bare symbol string. The result is case-normalized.
func parseSymbolPayload(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("symbol is required")
	}

	var payload struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Symbol != "" {
		return models.NormalizeSymbol(payload.Symbol), nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		if err := json.Unmarshal([]byte(s), &payload); err == nil && payload.Symbol != "" {
			return models.NormalizeSymbol(payload.Symbol), nil
		}
		return models.NormalizeSymbol(s), nil
	}

	return "", fmt.Errorf("symbol is required")
}

func (g *Gateway) reply(c *Client, event string, ack *Ack) {
	frame, err := encodeEnvelope(event, ack)
	if err != nil {
		return
	}
	c.trySend(frame)
}

func encodeEnvelope(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Event: event, Data: raw})
}

func (g *Gateway) join(c *Client, symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[c]; !ok {
		// Already disconnected.
		return
	}
	room, ok := g.rooms[symbol]
	if !ok {
		room = make(map[*Client]struct{})
		g.rooms[symbol] = room
	}
	room[c] = struct{}{}
	g.members[c][symbol] = struct{}{}
	metrics.GatewayRooms.Set(float64(len(g.rooms)))
}

func (g *Gateway) leave(c *Client, symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveLocked(c, symbol)
}

func (g *Gateway) leaveLocked(c *Client, symbol string) {
	if room, ok := g.rooms[symbol]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(g.rooms, symbol)
		}
	}
	if rooms, ok := g.members[c]; ok {
		delete(rooms, symbol)
	}
	metrics.GatewayRooms.Set(float64(len(g.rooms)))
}

// removeClient detaches a client from every room atomically. Called on
// disconnect; no explicit unsubscribe is required.
func (g *Gateway) removeClient(c *Client) {
	g.mu.Lock()
	rooms, ok := g.members[c]
	if ok {
		for symbol := range rooms {
			g.leaveLocked(c, symbol)
		}
		delete(g.members, c)
		close(c.send)
	}
	clients := len(g.members)
	g.mu.Unlock()

	if ok {
		metrics.GatewayClients.Set(float64(clients))
		g.logger.Debugf("Client disconnected (%d total)", clients)
	}
}

// BroadcastPrice fans a priceUpdate out to the symbol's room.
func (g *Gateway) BroadcastPrice(symbol string, update *models.PriceUpdate) {
	frame, err := encodeEnvelope(EventPriceUpdate, update)
	if err != nil {
		g.logger.WithError(err).Error("Failed to encode priceUpdate")
		return
	}
	g.broadcast(symbol, EventPriceUpdate, frame)
}

// BroadcastKline fans a klineUpdate out to the symbol's room.
func (g *Gateway) BroadcastKline(symbol string, kline *models.Kline) {
	frame, err := encodeEnvelope(EventKlineUpdate, kline)
	if err != nil {
		g.logger.WithError(err).Error("Failed to encode klineUpdate")
		return
	}
	g.broadcast(symbol, EventKlineUpdate, frame)
}

func (g *Gateway) broadcast(symbol, event string, frame []byte) {
	// Sends stay under the read lock: trySend never blocks, and holding it
	// excludes removeClient from closing a send channel mid-broadcast.
	g.mu.RLock()
	defer g.mu.RUnlock()

	for c := range g.rooms[symbol] {
		if c.trySend(frame) {
			metrics.GatewayFramesSent.WithLabelValues(event).Inc()
		}
	}
}

// RoomSize reports the number of members in a symbol's room.
func (g *Gateway) RoomSize(symbol string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[symbol])
}

// ClientCount reports the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}
