package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/mqtt"
)

func testCredentials() mqtt.Credentials {
	return mqtt.Credentials{
		Host:                     "broker.example.com",
		CertificateAuthorityPath: "/etc/cloudbridge/rootCA.pem",
		ClientCertificatePath:    "/etc/cloudbridge/cert.pem",
		ClientKeyPath:            "/etc/cloudbridge/private.pem",
		TopicPrefix:              "things/consumer-1",
	}
}

func testConfig() Config {
	return Config{
		OutBands:     []string{BandMeta, BandIState, BandOState, BandModel, BandConnection},
		InBands:      []string{BandOState},
		PingInterval: time.Hour,
		Origin:       "origin-1",
		QoS:          1,
	}
}

func createTestBridge(t *testing.T, conn *mockConnection, local *mockTransport, cfg Config) (*Bridge, *mockConnector) {
	t.Helper()
	connector := &mockConnector{conn: conn}
	b, err := New(Options{
		Credentials: testCredentials(),
		Config:      cfg,
		Connector:   connector,
		Local:       local,
		Metadata:    MetadataFunc(func() map[string]any { return map[string]any{"machine_id": "m-1"} }),
	})
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	return b, connector
}

func TestNew_Validation(t *testing.T) {
	local := newMockTransport()

	_, err := New(Options{Local: local})
	assert.ErrorIs(t, err, ErrNotConfigured)

	partial := testCredentials()
	partial.ClientKeyPath = ""
	_, err = New(Options{Credentials: partial, Local: local})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Options{Credentials: testCredentials()})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Options{Credentials: testCredentials(), Local: local, Config: Config{QoS: 3}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Options{Credentials: testCredentials(), Local: local, Config: Config{PingInterval: -time.Second}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	noPrefix := testCredentials()
	noPrefix.TopicPrefix = ""
	_, err = New(Options{Credentials: noPrefix, Local: local})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "topic prefix")
}

func TestNew_PrefixFromBrokerURL(t *testing.T) {
	creds := testCredentials()
	creds.TopicPrefix = ""
	creds.Host = "ssl://broker.example.com/things/consumer-2"

	b, err := New(Options{Credentials: creds, Local: newMockTransport()})
	require.NoError(t, err)
	assert.Equal(t, "things/consumer-2/o", b.outTopic)
	assert.Equal(t, "things/consumer-2/i/#", b.inTopic)
}

func TestNew_GeneratesOrigin(t *testing.T) {
	b1, err := New(Options{Credentials: testCredentials(), Local: newMockTransport()})
	require.NoError(t, err)
	b2, err := New(Options{Credentials: testCredentials(), Local: newMockTransport()})
	require.NoError(t, err)

	assert.Len(t, b1.Origin(), 36)
	assert.NotEqual(t, b1.Origin(), b2.Origin())
}

func TestBridge_StartStop(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	b, connector := createTestBridge(t, conn, local, testConfig())

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, Status{Connected: true, Outbound: true, Inbound: true, Pinger: true}, b.Status())
	assert.True(t, conn.hasHandler("things/consumer-1/i/#"))

	// Immediate ping on the outbound channel.
	require.Eventually(t, func() bool { return len(conn.getPublished()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "things/consumer-1/o", conn.getPublished()[0].Topic)

	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)

	b.Stop()
	b.Stop() // Idempotent

	assert.Equal(t, Status{}, b.Status())
	assert.False(t, conn.hasHandler("things/consumer-1/i/#"))
	assert.Equal(t, 1, connector.closes)
	assert.ErrorIs(t, b.Start(context.Background()), ErrStopped)
}

func TestBridge_ConnectionFailureStartsNothing(t *testing.T) {
	local := newMockTransport()
	connector := &mockConnector{err: mqtt.ErrConnectionFailed}

	b, err := New(Options{Credentials: testCredentials(), Config: testConfig(), Connector: connector, Local: local})
	require.NoError(t, err)

	err = b.Start(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, mqtt.ErrConnectionFailed)
	assert.Equal(t, Status{}, b.Status())

	local.mu.Lock()
	assert.Nil(t, local.subBands, "no local subscription after a failed connect")
	local.mu.Unlock()
}

func TestBridge_DegradedWhenInboundFails(t *testing.T) {
	conn := newMockConnection()
	conn.subscribeErr = errMock
	local := newMockTransport()
	b, _ := createTestBridge(t, conn, local, testConfig())

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, Status{Connected: true, Outbound: true, Inbound: false, Pinger: true}, b.Status())
}

func TestBridge_DegradedWithoutBands(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	cfg := testConfig()
	cfg.OutBands = nil
	cfg.PingInterval = 0
	b, _ := createTestBridge(t, conn, local, cfg)

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, Status{Connected: true, Outbound: false, Inbound: true, Pinger: false}, b.Status())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn.getPublished(), "ping disabled publishes nothing")
}

func TestBridge_OutboundCarriesOrigin(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	cfg := testConfig()
	cfg.PingInterval = 0
	b, _ := createTestBridge(t, conn, local, cfg)
	require.NoError(t, b.Start(context.Background()))

	local.changes <- StateRecord{ThingID: "lamp1", Band: "ostate", Value: json.RawMessage(`{"on":true}`)}
	require.Eventually(t, func() bool { return len(conn.getPublished()) == 1 }, time.Second, 5*time.Millisecond)

	pub := conn.getPublished()[0]
	assert.Equal(t, "things/consumer-1/o", pub.Topic)

	env := NewJSONCodec(CodecOptions{}).Decode(pub.Payload)
	require.NotNil(t, env)
	assert.Equal(t, Control{Name: ControlPut, ID: "lamp1", Band: "ostate", Source: "origin-1"}, env.Control)
}

func TestBridge_LoopPrevention(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	cfg := testConfig()
	cfg.PingInterval = 0
	b, _ := createTestBridge(t, conn, local, cfg)
	require.NoError(t, b.Start(context.Background()))

	local.changes <- StateRecord{ThingID: "lamp1", Band: "ostate", Value: json.RawMessage(`{"on":true}`)}
	require.Eventually(t, func() bool { return len(conn.getPublished()) == 1 }, time.Second, 5*time.Millisecond)

	// The cloud echoes our put back as an update with our src.
	echo := conn.getPublished()[0].Payload
	var msg map[string]any
	require.NoError(t, json.Unmarshal(echo, &msg))
	msg["c"].(map[string]any)["n"] = "updated"
	bounced, err := json.Marshal(msg)
	require.NoError(t, err)

	conn.simulateMessage("things/consumer-1/i", bounced)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, local.getApplied())
}

func TestBridge_EndToEndInbound(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	b, _ := createTestBridge(t, conn, local, testConfig())
	require.NoError(t, b.Start(context.Background()))

	conn.simulateMessage("things/consumer-1/i", []byte(`{"c":{"n":"updated","id":"lamp1","band":"ostate"},"p":{"on":false}}`))

	require.Eventually(t, func() bool { return len(local.getApplied()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	applied := local.getApplied()
	require.Len(t, applied, 1)
	assert.Equal(t, "lamp1", applied[0].ThingID)
	assert.Equal(t, "ostate", applied[0].Band)
	assert.JSONEq(t, `{"on":false}`, string(applied[0].Value))
}

func TestBridge_StopBeforeStart(t *testing.T) {
	b, connector := createTestBridge(t, newMockConnection(), newMockTransport(), testConfig())

	b.Stop()
	assert.Equal(t, 0, connector.gets)
	assert.Equal(t, 1, connector.closes)
}
