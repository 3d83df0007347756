package room

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stateroom-dev/stateroom/internal/v1/bus"
	"github.com/stateroom-dev/stateroom/internal/v1/types"
)

// MockClient implements types.ClientInterface for testing.
type MockClient struct {
	ID          types.SessionIdType
	DisplayName types.DisplayNameType

	mu             sync.Mutex
	sent           []*types.Message
	isDisconnected bool
}

func newMockClient(id string, name string) *MockClient {
	return &MockClient{
		ID:          types.SessionIdType(id),
		DisplayName: types.DisplayNameType(name),
	}
}

func (m *MockClient) GetID() types.SessionIdType            { return m.ID }
func (m *MockClient) GetDisplayName() types.DisplayNameType { return m.DisplayName }

func (m *MockClient) Send(msg *types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
}

func (m *MockClient) SendRaw(data []byte) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, &msg)
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isDisconnected = true
}

func (m *MockClient) Disconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isDisconnected
}

// Messages returns a snapshot of everything delivered to this client.
func (m *MockClient) Messages() []*types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Message(nil), m.sent...)
}

// EventsNamed filters delivered messages by event name.
func (m *MockClient) EventsNamed(name string) []*types.Message {
	var out []*types.Message
	for _, msg := range m.Messages() {
		if msg.Event == name {
			out = append(out, msg)
		}
	}
	return out
}

// LastState returns the payload of the most recent state snapshot, or
// nil when none arrived yet.
func (m *MockClient) LastState() map[string]any {
	msgs := m.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Event == types.EventState {
			return msgs[i].Payload
		}
	}
	return nil
}

// publishedRecord captures one MockBusService.Publish call.
type publishedRecord struct {
	RoomID   string
	Event    string
	Payload  any
	SenderID string
}

// MockBusService is a mock implementation of types.BusService for testing.
type MockBusService struct {
	mu             sync.Mutex
	published      []publishedRecord
	handlers       map[string]func(bus.PubSubPayload)
	setAddCalls    []string
	setRemCalls    []string
	setMembersWith []string
	subscribeCalls int
}

func newMockBus() *MockBusService {
	return &MockBusService{handlers: make(map[string]func(bus.PubSubPayload))}
}

func (m *MockBusService) Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedRecord{RoomID: roomID, Event: event, Payload: payload, SenderID: senderID})
	return nil
}

func (m *MockBusService) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.PubSubPayload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls++
	m.handlers[roomID] = handler
}

func (m *MockBusService) SetAdd(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAddCalls = append(m.setAddCalls, key)
	return nil
}

func (m *MockBusService) SetRem(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRemCalls = append(m.setRemCalls, key)
	return nil
}

func (m *MockBusService) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.setMembersWith...), nil
}

func (m *MockBusService) Close() error {
	return nil
}

// Emit delivers a payload to the handler subscribed for its room, as
// if another instance had published it.
func (m *MockBusService) Emit(p bus.PubSubPayload) {
	m.mu.Lock()
	handler := m.handlers[p.RoomID]
	m.mu.Unlock()
	if handler != nil {
		handler(p)
	}
}

// Published returns a snapshot of all Publish calls.
func (m *MockBusService) Published() []publishedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedRecord(nil), m.published...)
}

// SetCalls returns snapshots of the SetAdd and SetRem keys seen.
func (m *MockBusService) SetCalls() (adds, rems []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.setAddCalls...), append([]string(nil), m.setRemCalls...)
}
