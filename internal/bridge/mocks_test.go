package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// mockConnection records publishes and lets tests deliver messages.
type mockConnection struct {
	mu           sync.Mutex
	published    []mockPublish
	handlers     map[string]func(topic string, payload []byte) error
	unsubscribed []string
	publishErr   error
	subscribeErr error
	connected    bool
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		handlers:  make(map[string]func(topic string, payload []byte) error),
		connected: true,
	}
}

func (m *mockConnection) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *mockConnection) Subscribe(topic string, _ byte, handler func(topic string, payload []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *mockConnection) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubscribed = append(m.unsubscribed, topic)
	return nil
}

func (m *mockConnection) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockConnection) setPublishError(err error) {
	m.mu.Lock()
	m.publishErr = err
	m.mu.Unlock()
}

func (m *mockConnection) getPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

func (m *mockConnection) hasHandler(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// simulateMessage delivers payload to the handler subscribed on topic.
func (m *mockConnection) simulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler := m.handlers[topic]
	m.mu.Unlock()
	if handler != nil {
		_ = handler(topic, payload)
	}
}

// mockTransport is a LocalTransport whose change stream is fed by tests.
type mockTransport struct {
	mu         sync.Mutex
	changes    chan StateRecord
	applied    []StateRecord
	applyErr   error
	subErr     error
	subBands   []string
	subOwner   string
	subscribed chan struct{}

	snapshot     []StateRecord
	snapshotErr  error
	snapshotArgs []string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		changes:    make(chan StateRecord, 16),
		subscribed: make(chan struct{}, 1),
	}
}

func (m *mockTransport) Subscribe(_ context.Context, bands []string, owner string) (<-chan StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return nil, m.subErr
	}
	m.subBands = bands
	m.subOwner = owner
	select {
	case m.subscribed <- struct{}{}:
	default:
	}
	return m.changes, nil
}

func (m *mockTransport) Snapshot(_ context.Context, bands []string, _ string) ([]StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotArgs = bands
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	out := make([]StateRecord, len(m.snapshot))
	copy(out, m.snapshot)
	return out, nil
}

func (m *mockTransport) Apply(_ context.Context, rec StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, rec)
	return nil
}

func (m *mockTransport) Owner() string { return "owner-1" }

func (m *mockTransport) getApplied() []StateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StateRecord, len(m.applied))
	copy(out, m.applied)
	return out
}

// mockConnector hands out a fixed connection.
type mockConnector struct {
	mu     sync.Mutex
	conn   *mockConnection
	err    error
	gets   int
	closes int
}

func (m *mockConnector) Get(context.Context) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	return m.conn, nil
}

func (m *mockConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// mockRecorder counts telemetry calls.
type mockRecorder struct {
	mu     sync.Mutex
	events []string
	pings  []bool
}

func (m *mockRecorder) WriteSyncEvent(direction, thingID, band string) {
	m.mu.Lock()
	m.events = append(m.events, direction+":"+thingID+"/"+band)
	m.mu.Unlock()
}

func (m *mockRecorder) WritePing(ok bool) {
	m.mu.Lock()
	m.pings = append(m.pings, ok)
	m.mu.Unlock()
}

func (m *mockRecorder) getEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// mockLogger records warnings.
type mockLogger struct {
	mu    sync.Mutex
	warns []string
}

func (m *mockLogger) Debug(string, ...any) {}
func (m *mockLogger) Info(string, ...any)  {}
func (m *mockLogger) Error(string, ...any) {}

func (m *mockLogger) Warn(msg string, _ ...any) {
	m.mu.Lock()
	m.warns = append(m.warns, msg)
	m.mu.Unlock()
}

func (m *mockLogger) getWarns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.warns...)
}

var errMock = errors.New("mock failure")

// decodePayload unmarshals an envelope payload into a map.
func decodePayload(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
