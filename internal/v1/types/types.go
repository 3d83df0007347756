package types

import (
	"context"
	"errors"

	"sync"

	"github.com/stateroom-dev/stateroom/internal/v1/auth"
	"github.com/stateroom-dev/stateroom/internal/v1/bus"
)

// --- Core Domain Types ---

// SessionIdType represents the stable opaque identifier the transport assigns
// to one connection. It keys the players roster and is attached to every
// forwarded event as event.sessionId.
type SessionIdType string

// RoomIdType represents a unique identifier for a hosted room.
type RoomIdType string

// DisplayNameType represents the human-readable name for a player.
type DisplayNameType string

// Framework event names. EventJoin and EventLeave are forwarded to the
// interpreter on roster changes; EventState and EventError are outbound only.
const (
	EventJoin  = "join"
	EventLeave = "leave"
	EventState = "state"
	EventError = "error"
)

// MaxEventNameLength bounds inbound event names. Definition event names are
// short verbs; anything longer than this is malformed or hostile.
const MaxEventNameLength = 64

// --- Wire Types ---

// Message is the JSON frame exchanged over a room socket: an event name plus
// a record payload. Payloads that are not JSON objects fail to decode and the
// frame is dropped by the reader.
type Message struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Validate ensures an inbound message is safe to route.
func (m *Message) Validate() error {
	if m.Event == "" {
		return errors.New("message event cannot be empty")
	}
	if len(m.Event) > MaxEventNameLength {
		return errors.New("message event exceeds maximum length")
	}
	return nil
}

// PlayerInfo is used internally to track roster details.
type PlayerInfo struct {
	SessionId   SessionIdType   `json:"sessionId"`
	DisplayName DisplayNameType `json:"displayName"`
}

// --- Shared Interfaces ---

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// BusService defines the interface for distributed pub/sub messaging.
type BusService interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.PubSubPayload))
	Close() error
	// Redis Set operations for cluster-wide room membership
	SetAdd(ctx context.Context, key string, value string) error
	SetRem(ctx context.Context, key string, value string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}

// ClientInterface defines the behavior required from a WebSocket client.
// This allows the room package to interact with clients without depending on the transport package.
type ClientInterface interface {
	GetID() SessionIdType
	GetDisplayName() DisplayNameType
	Send(msg *Message)
	SendRaw(data []byte)
	Disconnect() // Forcefully close the connection (e.g., on room disposal)
}

// Roomer defines the interface for room operations that a Client needs.
type Roomer interface {
	GetID() RoomIdType
	Router(ctx context.Context, client ClientInterface, msg *Message)
	HandleClientConnect(ctx context.Context, client ClientInterface)
	HandleClientDisconnect(client ClientInterface)
}
