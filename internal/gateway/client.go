package gateway

import (
	"time"

	"chart-stream/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	// sendBufferSize bounds the per-client outbound queue. A full buffer
	// means the client is not writable right now and the frame is dropped.
	sendBufferSize = 64
)

// Client is one downstream connection. The gateway owns its socket and room
// membership; the client only pumps bytes.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte
}

// trySend queues a frame for delivery, dropping it when the client is not
// currently writable. Never blocks.
func (c *Client) trySend(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		metrics.GatewayFramesDropped.Inc()
		return false
	}
}

// readPump consumes inbound messages until the socket breaks, then detaches
// the client from every room.
func (c *Client) readPump() {
	defer func() {
		c.gw.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.WithError(err).Debug("Client read failed")
			}
			return
		}
		c.gw.handleInbound(c, message)
	}
}

// writePump drains the send queue onto the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
