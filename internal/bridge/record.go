package bridge

import (
	"context"
	"encoding/json"
	"sort"
)

// Well-known band names.
const (
	BandMeta       = "meta"
	BandIState     = "istate"
	BandOState     = "ostate"
	BandModel      = "model"
	BandConnection = "connection"
)

// StateRecord is one band of one thing's state, the unit exchanged between
// the local state transport and the bridge.
type StateRecord struct {
	ThingID string          `json:"thing_id"`
	Band    string          `json:"band"`
	Value   json.RawMessage `json:"value"`
}

// Key returns the per-key ordering identity "thing_id/band".
func (r StateRecord) Key() string {
	return r.ThingID + "/" + r.Band
}

// LocalSource streams local state changes.
type LocalSource interface {
	// Subscribe returns a channel of changes for the given bands, read with
	// the permissions of owner. The channel is closed when ctx is done.
	Subscribe(ctx context.Context, bands []string, owner string) (<-chan StateRecord, error)
}

// LocalSnapshotter is implemented by sources that can list the state they
// already hold. Outbound sync publishes the snapshot once after subscribing
// so the cloud starts from the current state rather than from the next
// change.
type LocalSnapshotter interface {
	Snapshot(ctx context.Context, bands []string, owner string) ([]StateRecord, error)
}

// LocalSink applies state received from the cloud.
type LocalSink interface {
	Apply(ctx context.Context, rec StateRecord) error
}

// LocalTransport is the local state collaborator consumed by the bridge.
// This interface is satisfied by *thingstate.Store.
type LocalTransport interface {
	LocalSource
	LocalSink

	// Owner returns the identity used as permission context for Subscribe.
	Owner() string
}

// Publisher sends a message to a topic.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Subscriber registers and removes topic handlers.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
}

// Logger is the logging interface used by the bridge.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Recorder receives sync traffic for telemetry.
// This interface is satisfied by *influxdb.Client.
type Recorder interface {
	WriteSyncEvent(direction, thingID, band string)
	WritePing(ok bool)
}

// Directions reported to the Recorder.
const (
	directionOutbound = "outbound"
	directionInbound  = "inbound"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type nopRecorder struct{}

func (nopRecorder) WriteSyncEvent(string, string, string) {}
func (nopRecorder) WritePing(bool)                        {}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

// bandSet is an immutable set of band names.
type bandSet map[string]struct{}

func newBandSet(bands []string) bandSet {
	set := make(bandSet, len(bands))
	for _, b := range bands {
		if b != "" {
			set[b] = struct{}{}
		}
	}
	return set
}

func (s bandSet) has(band string) bool {
	_, ok := s[band]
	return ok
}

func (s bandSet) sorted() []string {
	out := make([]string, 0, len(s))
	for b := range s {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}
