// client.go
// The read goroutine runs the admission protocol and hands chat posts to the
// manager. The write goroutine drains the client's send queue to the socket.
// Separating read/write avoids head-of-line blocking when a peer is slow.

package relay

import (
	"log/slog"
	"time"

	"presence-relay/internal/auth"
	"presence-relay/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func newClient(socket *websocket.Conn, identity auth.Identity, sendBuffer int, log *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		identity: identity,
		socket:   socket,
		send:     make(chan []byte, sendBuffer),
		log:      log.With("connection", id, "identity", identity.Username),
	}
}

func (c *Client) read(m *Manager, maxMessageSize int64, writeWait time.Duration) {
	defer func() {
		m.Remove(c)
		c.socket.Close()
	}()

	if maxMessageSize > 0 {
		c.socket.SetReadLimit(maxMessageSize)
	}

	handshake := newAdmission(c, m, writeWait)
	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				c.log.Debug("Read failed", "error", err)
			}
			return
		}

		envelope, err := protocol.Decode(message)
		if err != nil {
			m.metrics.parseErrors.Inc()
			c.log.Warn("Ignoring unparsable envelope", "error", err)
			continue
		}

		if !handshake.handle(envelope) {
			return
		}
	}
}

func (c *Client) write(writeWait time.Duration) {
	defer c.socket.Close()

	for message := range c.send {
		_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
			c.log.Debug("Write failed", "error", err)
			return
		}
	}
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// closeWith sends a close frame carrying reason. WriteControl may run
// concurrently with the writer goroutine.
func (c *Client) closeWith(reason protocol.CloseReason, writeWait time.Duration) {
	if err := c.socket.WriteControl(websocket.CloseMessage, reason.Frame(), time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Close frame not sent", "reason", reason.Text, "error", err)
	}
}
