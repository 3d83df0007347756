package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stateroom-dev/stateroom/internal/v1/logging"
	"github.com/stateroom-dev/stateroom/internal/v1/metrics"
	"github.com/stateroom-dev/stateroom/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// Client represents a single player's connection to a hosted room.
// It implements types.ClientInterface.
type Client struct {
	conn        wsConnection          // WebSocket connection for real-time communication
	room        types.Roomer          // Room interface for routing inbound events
	ID          types.SessionIdType   // Stable session identifier from the JWT subject
	DisplayName types.DisplayNameType // Human-readable name for the roster

	mu     sync.RWMutex // Protects the closed flag
	closed bool         // Track if client has been disconnected

	// Single buffered channel keeps state snapshots and broadcasts in
	// the order the room produced them. A separate priority lane would
	// let a broadcast overtake the snapshot it depends on.
	send chan []byte
}

// --- types.ClientInterface getters ---

func (c *Client) GetID() types.SessionIdType {
	return c.ID
}

func (c *Client) GetDisplayName() types.DisplayNameType {
	return c.DisplayName
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	// Closing the channel triggers the writePump to drain buffers, send
	// a CloseMessage, and then close the connection.
	close(c.send)
}

// readPump continuously processes incoming WebSocket messages from the client.
func (c *Client) readPump() {
	defer func() {
		c.room.HandleClientDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Failed to unmarshal message", zap.String("sessionId", string(c.ID)), zap.Error(err))
			continue
		}

		ctx := context.Background()
		c.room.Router(ctx, c, &msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for {
		message, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}
}

// Send satisfies types.ClientInterface.
func (c *Client) Send(msg *types.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound message", zap.Error(err))
		return
	}
	c.SendRaw(data)
}

// SendRaw satisfies types.ClientInterface and allows sending pre-serialized data
func (c *Client) SendRaw(data []byte) {
	// Check if client is closed before attempting to send
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("sessionId", string(c.ID)))
		return
	}
	c.mu.RUnlock()

	// A send can still race Disconnect closing the channel after the
	// flag check, so recover instead of crashing the broadcaster.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from panic in SendRaw", zap.String("sessionId", string(c.ID)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full or closed", zap.String("sessionId", string(c.ID)))
	}
}
