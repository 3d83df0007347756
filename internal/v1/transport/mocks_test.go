package transport

import (
	"context"
	"sync"
	"time"

	"github.com/stateroom-dev/stateroom/internal/v1/bus"
)

// MockBusService implements types.BusService
type MockBusService struct {
	mu             sync.Mutex
	publishCalls   int
	subscribeCalls int
	failPublish    bool
	adds           []string // keys passed to SetAdd
	rems           []string // keys passed to SetRem
	members        []string // canned SetMembers reply
}

func (m *MockBusService) Publish(_ context.Context, _ string, _ string, _ any, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishCalls++
	if m.failPublish {
		return context.DeadlineExceeded
	}
	return nil
}

func (m *MockBusService) Subscribe(_ context.Context, _ string, _ *sync.WaitGroup, _ func(bus.PubSubPayload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls++
}

func (m *MockBusService) Close() error {
	return nil
}

func (m *MockBusService) SetAdd(_ context.Context, key string, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adds = append(m.adds, key)
	return nil
}

func (m *MockBusService) SetRem(_ context.Context, key string, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rems = append(m.rems, key)
	return nil
}

func (m *MockBusService) SetMembers(_ context.Context, _ string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members, nil
}

// SetCalls snapshots the keys seen by SetAdd and SetRem.
func (m *MockBusService) SetCalls() (adds, rems []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.adds...), append([]string(nil), m.rems...)
}

// MockConnection implements wsConnection
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, nil
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error {
	return nil
}
