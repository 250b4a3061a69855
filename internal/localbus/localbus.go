// Package localbus connects the local Gray Logic MQTT bus to the thing
// state store.
//
// Thing state published on graylogic/things/{id}/{band} is written to the
// store with Put. Changes applied from the cloud are published back to
// graylogic/things/{id}/{band}/set for the owning bridge to act on. The set
// topics sit one level deeper than the state wildcard, so the bus never
// hears its own writes.
package localbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-cloudbridge/internal/bridge"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/mqtt"
)

// Client is the subset of *mqtt.Client used by the bus.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// StateWriter stores local state changes.
// This interface is satisfied by *thingstate.Store.
type StateWriter interface {
	Put(ctx context.Context, rec bridge.StateRecord) (bool, error)
}

// Logger is the logging interface used by the bus.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Options configures a Bus.
type Options struct {
	// Client is the local broker connection.
	Client Client

	// Store receives local state.
	Store StateWriter

	// QoS for the subscription and set publishes.
	QoS byte

	// Logger is optional.
	Logger Logger
}

// Bus mirrors local thing state into the store.
type Bus struct {
	client Client
	store  StateWriter
	qos    byte
	topics mqtt.Topics
	logger Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a bus. Call Start to subscribe.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("localbus: mqtt client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("localbus: state store is required")
	}
	return &Bus{
		client: opts.Client,
		store:  opts.Store,
		qos:    opts.QoS,
		logger: opts.Logger,
	}, nil
}

// Start subscribes to every thing state topic. Retained states delivered
// on subscribe seed the store.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	topic := b.topics.AllThingStates()
	if err := b.client.Subscribe(topic, b.qos, b.handleState); err != nil {
		b.cancel()
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	b.running = true
	b.logInfo("local bus started", "topic", topic)
	return nil
}

// Stop unsubscribes from the state topics. Safe to call multiple times.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false

	err := b.client.Unsubscribe(b.topics.AllThingStates())
	b.cancel()
	if err != nil {
		return fmt.Errorf("unsubscribing local state: %w", err)
	}
	return nil
}

// PublishSet asks the local owner of rec to adopt its value. It matches
// thingstate.ApplyHook so it can be registered with Store.SetOnApply.
func (b *Bus) PublishSet(_ context.Context, rec bridge.StateRecord) {
	topic := b.topics.ThingSet(rec.ThingID, rec.Band)
	if err := b.client.Publish(topic, rec.Value, b.qos, false); err != nil {
		b.logWarn("failed to publish cloud change locally", "topic", topic, "error", err)
		return
	}
	b.logDebug("published cloud change locally", "topic", topic)
}

// handleState stores one local state message.
func (b *Bus) handleState(topic string, payload []byte) error {
	thingID, band, ok := b.topics.ParseThingState(topic)
	if !ok {
		b.logDebug("ignoring local message", "topic", topic)
		return nil
	}

	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()

	changed, err := b.store.Put(ctx, bridge.StateRecord{ThingID: thingID, Band: band, Value: payload})
	if err != nil {
		return fmt.Errorf("storing %s/%s: %w", thingID, band, err)
	}
	if changed {
		b.logDebug("local state changed", "thing_id", thingID, "band", band)
	}
	return nil
}

func (b *Bus) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bus) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

func (b *Bus) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, keysAndValues...)
	}
}
