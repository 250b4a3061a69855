package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInboundTopic = "things/consumer-1/i/#"

func startTestInbound(t *testing.T, conn *mockConnection, sink LocalSink, opts InboundOptions) *Inbound {
	t.Helper()
	opts.Subscriber = conn
	opts.Sink = sink
	if opts.Codec == nil {
		opts.Codec = NewJSONCodec(CodecOptions{})
	}
	if opts.Topic == "" {
		opts.Topic = testInboundTopic
	}
	if opts.Bands == nil {
		opts.Bands = []string{BandOState}
	}
	if opts.Origin == "" {
		opts.Origin = "origin-1"
	}

	in, err := StartInbound(opts)
	require.NoError(t, err)
	t.Cleanup(in.Stop)
	return in
}

func TestInbound_AppliesUpdate(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	recorder := &mockRecorder{}
	startTestInbound(t, conn, local, InboundOptions{Recorder: recorder})

	require.True(t, conn.hasHandler(testInboundTopic))
	conn.simulateMessage("things/consumer-1/i", []byte(`{"c":{"n":"updated","id":"lamp1","band":"ostate"},"p":{"on":false}}`))

	require.Eventually(t, func() bool { return len(local.getApplied()) == 1 }, time.Second, 5*time.Millisecond)

	rec := local.getApplied()[0]
	assert.Equal(t, "lamp1", rec.ThingID)
	assert.Equal(t, "ostate", rec.Band)
	assert.JSONEq(t, `{"on":false}`, string(rec.Value))

	require.Eventually(t, func() bool { return len(recorder.getEvents()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"inbound:lamp1/ostate"}, recorder.getEvents())
}

func TestInbound_IPut(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	startTestInbound(t, conn, local, InboundOptions{})

	conn.simulateMessage("things/consumer-1/i/x", []byte(`{"c":{"n":"iput","id":"lamp1","band":"ostate"},"p":{"on":true}}`))
	require.Eventually(t, func() bool { return len(local.getApplied()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestInbound_SuppressesBounces(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	conn := newMockConnection()
	local := newMockTransport()
	startTestInbound(t, conn, local, InboundOptions{Origin: "origin-1", Metrics: metrics})

	for _, name := range []string{"updated", "iput", "put", "ping", "custom"} {
		msg := fmt.Sprintf(`{"c":{"n":%q,"id":"lamp1","band":"ostate","src":"origin-1"},"p":{"on":true}}`, name)
		conn.simulateMessage("things/consumer-1/i", []byte(msg))
	}

	// A foreign source is applied.
	conn.simulateMessage("things/consumer-1/i", []byte(`{"c":{"n":"updated","id":"lamp1","band":"ostate","src":"origin-2"},"p":{"on":true}}`))

	require.Eventually(t, func() bool { return len(local.getApplied()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, local.getApplied(), 1)
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.inboundDropped.WithLabelValues(dropBounce)))
	assert.Equal(t, float64(6), testutil.ToFloat64(metrics.inboundReceived))
}

func TestInbound_DropsWithoutApplying(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	conn := newMockConnection()
	local := newMockTransport()
	startTestInbound(t, conn, local, InboundOptions{Metrics: metrics})

	messages := map[string]string{
		dropMalformed:   `{"c":{"n":"updated","id":"lamp1"`,
		dropUnsupported: `{"c":{"n":"ping"},"p":{"timestamp":1}}`,
		dropBand:        `{"c":{"n":"updated","id":"lamp1","band":"istate"},"p":{"on":true}}`,
	}
	for _, msg := range messages {
		assert.NotPanics(t, func() {
			conn.simulateMessage("things/consumer-1/i", []byte(msg))
		})
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, local.getApplied())
	for reason := range messages {
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.inboundDropped.WithLabelValues(reason)), reason)
	}
}

func TestInbound_ApplyErrorContinues(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	conn := newMockConnection()
	local := newMockTransport()
	local.applyErr = errMock
	logger := &mockLogger{}
	startTestInbound(t, conn, local, InboundOptions{Metrics: metrics, Logger: logger})

	conn.simulateMessage("things/consumer-1/i", []byte(`{"c":{"n":"updated","id":"lamp1","band":"ostate"},"p":{}}`))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.inboundDropped.WithLabelValues(dropApply)) == 1
	}, time.Second, 5*time.Millisecond)

	local.mu.Lock()
	local.applyErr = nil
	local.mu.Unlock()

	conn.simulateMessage("things/consumer-1/i", []byte(`{"c":{"n":"updated","id":"lamp1","band":"ostate"},"p":{"on":true}}`))
	require.Eventually(t, func() bool { return len(local.getApplied()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, logger.getWarns(), "failed to apply inbound update")
}

// orderedSink records applied sequence numbers per key.
type orderedSink struct {
	mu   sync.Mutex
	seen map[string][]int
}

func (s *orderedSink) Apply(_ context.Context, rec StateRecord) error {
	var v struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return err
	}
	s.mu.Lock()
	s.seen[rec.Key()] = append(s.seen[rec.Key()], v.Seq)
	s.mu.Unlock()
	return nil
}

func (s *orderedSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, seqs := range s.seen {
		n += len(seqs)
	}
	return n
}

func TestInbound_PerKeyOrdering(t *testing.T) {
	conn := newMockConnection()
	sink := &orderedSink{seen: make(map[string][]int)}
	startTestInbound(t, conn, sink, InboundOptions{Workers: 4})

	const perKey = 200
	things := []string{"lamp1", "lamp2", "lamp3", "blind1", "sensor1"}
	for seq := range perKey {
		for _, id := range things {
			msg := fmt.Sprintf(`{"c":{"n":"updated","id":%q,"band":"ostate"},"p":{"seq":%d}}`, id, seq)
			conn.simulateMessage("things/consumer-1/i", []byte(msg))
		}
	}

	require.Eventually(t, func() bool { return sink.count() == perKey*len(things) }, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, id := range things {
		seqs := sink.seen[id+"/ostate"]
		require.Len(t, seqs, perKey, id)
		for i, seq := range seqs {
			if seq != i {
				t.Fatalf("%s applied out of order at %d: got seq %d", id, i, seq)
			}
		}
	}
}

func TestInbound_ShardForStable(t *testing.T) {
	for _, key := range []string{"lamp1/ostate", "a/b", ""} {
		first := shardFor(key, 8)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
		assert.Equal(t, first, shardFor(key, 8))
	}
}

func TestInbound_WriteIsNoop(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	in := startTestInbound(t, conn, local, InboundOptions{})

	err := in.Write(context.Background(), StateRecord{ThingID: "lamp1", Band: "ostate", Value: json.RawMessage(`{}`)})
	assert.NoError(t, err)
	assert.Empty(t, conn.getPublished())
	assert.Empty(t, local.getApplied())
}

func TestInbound_StopUnsubscribes(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	in := startTestInbound(t, conn, local, InboundOptions{})

	handler := conn.handlers[testInboundTopic]
	require.NotNil(t, handler)

	in.Stop()
	in.Stop() // Idempotent

	assert.False(t, conn.hasHandler(testInboundTopic))
	assert.Equal(t, []string{testInboundTopic}, conn.unsubscribed)

	// A late delivery from the transport is dropped.
	assert.NoError(t, handler("things/consumer-1/i", []byte(`{"c":{"n":"updated","id":"lamp1","band":"ostate"},"p":{}}`)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, local.getApplied())
}

func TestInbound_SubscribeFailure(t *testing.T) {
	conn := newMockConnection()
	conn.subscribeErr = errMock
	local := newMockTransport()

	_, err := StartInbound(InboundOptions{
		Subscriber: conn,
		Sink:       local,
		Bands:      []string{BandOState},
		Codec:      NewJSONCodec(CodecOptions{}),
		Topic:      testInboundTopic,
	})
	assert.ErrorIs(t, err, errMock)
}

func TestInbound_Validation(t *testing.T) {
	conn := newMockConnection()
	local := newMockTransport()
	codec := NewJSONCodec(CodecOptions{})

	_, err := StartInbound(InboundOptions{Subscriber: conn, Sink: local, Codec: codec, Topic: testInboundTopic})
	assert.ErrorIs(t, err, ErrNoBands)

	_, err = StartInbound(InboundOptions{Subscriber: conn, Codec: codec, Topic: testInboundTopic, Bands: []string{"ostate"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = StartInbound(InboundOptions{Subscriber: conn, Sink: local, Codec: codec, Bands: []string{"ostate"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
