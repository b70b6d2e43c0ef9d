package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

type mockState int

const (
	mockIdle mockState = iota
	mockConnected
	mockClosed
)

var (
	errMockNotConnected = errors.New("bridge: mock adapter not connected")
	errMockClosed       = errors.New("bridge: mock adapter closed")
)

// MockAdapter is an in-memory Adapter for bridge tests. Inbound messages are
// injected with SimulateInbound; replies are recorded.
type MockAdapter struct {
	inbound chan InboundMessage

	mu      sync.Mutex
	state   mockState
	sent    []OutboundMessage
	sendErr error
	botID   string
}

// NewMockAdapter returns an idle MockAdapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{inbound: make(chan InboundMessage, 100)}
}

func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botID
}

func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botID = id
}

// SetSendError makes every following Send fail with err.
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockAdapter) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == mockClosed {
		return errMockClosed
	}
	m.state = mockConnected
	return nil
}

func (m *MockAdapter) Listen(context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != mockConnected {
		return nil, errMockNotConnected
	}
	return m.inbound, nil
}

func (m *MockAdapter) Send(_ context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state != mockConnected:
		return errMockNotConnected
	case m.sendErr != nil:
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Close closes the inbound channel once.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != mockClosed {
		m.state = mockClosed
		close(m.inbound)
	}
	return nil
}

func (m *MockAdapter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == mockClosed
}

// SimulateInbound queues msg as if a platform user had sent it, stamping
// the current time when msg has none.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// AllSent returns a snapshot of every recorded reply.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage(nil), m.sent...)
}

func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
