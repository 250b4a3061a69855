package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/mqtt"
)

// ErrStopped is returned when Start is called after Stop.
var ErrStopped = errors.New("bridge: stopped")

// Config is the immutable bridge configuration.
type Config struct {
	// OutBands are pushed to the cloud.
	OutBands []string

	// InBands are accepted from the cloud.
	InBands []string

	// PingInterval between liveness pings. Zero disables pinging.
	PingInterval time.Duration

	// UseCompactModel prunes "model" payloads to their iot:model descriptor.
	UseCompactModel bool

	// Origin identifies this bridge in the "src" field. Empty generates a UUID.
	Origin string

	// QoS for every publish and subscription (0, 1 or 2).
	QoS byte

	// InboundWorkers is the number of inbound apply workers. Default: 4.
	InboundWorkers int

	// Version is reported in ping metadata.
	Version string
}

// Connection is the shared cloud session.
type Connection interface {
	Publisher
	Subscriber
	IsConnected() bool
}

// Connector hands out the single cloud connection.
// This interface is satisfied by *mqtt.Manager via NewManagerConnector.
type Connector interface {
	Get(ctx context.Context) (Connection, error)
	Close() error
}

// Options holds the collaborators for a bridge.
type Options struct {
	// Credentials for the cloud broker. Required.
	Credentials mqtt.Credentials

	// Config is the bridge configuration.
	Config Config

	// Connector overrides the default mqtt.Manager backed connector.
	Connector Connector

	// Local is the local state transport. Required.
	Local LocalTransport

	// Metadata overrides the default controller metadata sent in pings.
	Metadata MetadataProvider

	// Logger, Metrics and Recorder are optional.
	Logger   Logger
	Metrics  *Metrics
	Recorder Recorder
}

// Status reports which parts of a bridge are running.
type Status struct {
	Connected bool `json:"connected"`
	Outbound  bool `json:"outbound"`
	Inbound   bool `json:"inbound"`
	Pinger    bool `json:"pinger"`
}

// Bridge composes outbound sync, inbound sync and the pinger over one
// cloud connection.
//
// A bridge whose outbound or inbound setup failed keeps running the parts
// that started; Status shows which.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       Config
	local     LocalTransport
	connector Connector
	metadata  MetadataProvider
	codec     Codec

	outTopic string
	inTopic  string

	logger   Logger
	metrics  *Metrics
	recorder Recorder

	mu       sync.Mutex
	conn     Connection
	outbound *Outbound
	inbound  *Inbound
	pinger   *Pinger
	started  bool
	stopped  bool
}

// New validates opts and creates a bridge. Call Start to connect.
//
// Returns ErrNotConfigured when no credentials exist yet, and errors
// wrapping ErrInvalidConfig for anything else that is missing or invalid.
func New(opts Options) (*Bridge, error) {
	if err := opts.Credentials.Validate(); err != nil {
		if errors.Is(err, mqtt.ErrNotConfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("%w: local state transport is required", ErrInvalidConfig)
	}
	prefix := opts.Credentials.Prefix()
	if prefix == "" {
		return nil, fmt.Errorf("%w: topic prefix is required (set it or put it in the broker URL path)", ErrInvalidConfig)
	}

	cfg := opts.Config
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("%w: qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	if cfg.PingInterval < 0 {
		return nil, fmt.Errorf("%w: ping interval must not be negative", ErrInvalidConfig)
	}
	if cfg.InboundWorkers < 0 {
		return nil, fmt.Errorf("%w: inbound workers must not be negative", ErrInvalidConfig)
	}
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}

	logger := loggerOrNop(opts.Logger)

	connector := opts.Connector
	if connector == nil {
		connector = NewManagerConnector(mqtt.NewManager(mqtt.ManagerOptions{
			Credentials: opts.Credentials,
			ClientID:    "cloudbridge-" + cfg.Origin,
			Logger:      logger,
		}))
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = NewControllerMetadata(ControllerOptions{
			MachineID: cfg.Origin,
			Version:   cfg.Version,
			Owner:     opts.Local.Owner(),
		})
	}

	return &Bridge{
		cfg:       cfg,
		local:     opts.Local,
		connector: connector,
		metadata:  metadata,
		codec: NewJSONCodec(CodecOptions{
			CompactModel: cfg.UseCompactModel,
			Source:       cfg.Origin,
		}),
		outTopic: mqtt.TopicFor(prefix, mqtt.Outbound),
		inTopic:  mqtt.InboundSubtree(prefix),
		logger:   logger,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
	}, nil
}

// Origin returns the id stamped into outbound envelopes.
func (b *Bridge) Origin() string {
	return b.cfg.Origin
}

// Start obtains the cloud connection, then starts outbound sync, inbound
// sync and the pinger in that order.
//
// ctx bounds connection setup only; the sync loops run until Stop.
// A connection failure returns an error wrapping ErrConnection and starts
// nothing. Outbound or inbound failures are logged and the bridge runs
// degraded.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}
	if b.started {
		return ErrAlreadyStarted
	}

	conn, err := b.connector.Get(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	b.conn = conn

	runCtx := context.WithoutCancel(ctx)

	outbound, err := StartOutbound(runCtx, OutboundOptions{
		Publisher: conn,
		Source:    b.local,
		Bands:     b.cfg.OutBands,
		Owner:     b.local.Owner(),
		Codec:     b.codec,
		Topic:     b.outTopic,
		QoS:       b.cfg.QoS,
		Logger:    b.logger,
		Metrics:   b.metrics,
		Recorder:  b.recorder,
	})
	if err != nil {
		b.logger.Warn("outbound sync not started, running degraded", "error", err)
	} else {
		b.outbound = outbound
	}

	inbound, err := StartInbound(InboundOptions{
		Subscriber: conn,
		Sink:       b.local,
		Bands:      b.cfg.InBands,
		Origin:     b.cfg.Origin,
		Codec:      b.codec,
		Topic:      b.inTopic,
		QoS:        b.cfg.QoS,
		Workers:    b.cfg.InboundWorkers,
		Logger:     b.logger,
		Metrics:    b.metrics,
		Recorder:   b.recorder,
	})
	if err != nil {
		b.logger.Warn("inbound sync not started, running degraded", "error", err)
	} else {
		b.inbound = inbound
	}

	b.pinger = StartPinger(PingerOptions{
		Publisher: conn,
		Interval:  b.cfg.PingInterval,
		Metadata:  b.metadata,
		Codec:     b.codec,
		Topic:     b.outTopic,
		QoS:       b.cfg.QoS,
		Logger:    b.logger,
		Metrics:   b.metrics,
		Recorder:  b.recorder,
	})

	b.started = true
	b.logger.Info("cloud bridge started",
		"origin", b.cfg.Origin,
		"outbound", b.outbound != nil,
		"inbound", b.inbound != nil,
		"pinger", b.pinger.Running(),
	)
	return nil
}

// Stop tears down inbound sync, the pinger and outbound sync, then
// releases the cloud connection. Safe to call multiple times, and on a
// bridge that never started.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true

	// Unsubscribe and stop the ticker before the connection goes away.
	if b.inbound != nil {
		b.inbound.Stop()
		b.inbound = nil
	}
	if b.pinger != nil {
		b.pinger.Stop()
		b.pinger = nil
	}
	if b.outbound != nil {
		b.outbound.Stop()
		b.outbound = nil
	}

	if err := b.connector.Close(); err != nil {
		b.logger.Warn("error releasing cloud connection", "error", err)
	}
	b.conn = nil
	b.started = false

	b.logger.Info("cloud bridge stopped")
}

// Status reports the running parts.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		Connected: b.conn != nil && b.conn.IsConnected(),
		Outbound:  b.outbound != nil,
		Inbound:   b.inbound != nil,
		Pinger:    b.pinger != nil && b.pinger.Running(),
	}
}

// managerConnector adapts *mqtt.Manager to Connector.
type managerConnector struct {
	manager *mqtt.Manager
}

// NewManagerConnector wraps an mqtt.Manager as a Connector.
func NewManagerConnector(m *mqtt.Manager) Connector {
	return managerConnector{manager: m}
}

func (c managerConnector) Get(ctx context.Context) (Connection, error) {
	client, err := c.manager.Get(ctx)
	if err != nil {
		return nil, err
	}
	return clientConnection{Client: client}, nil
}

func (c managerConnector) Close() error {
	return c.manager.Close()
}

// clientConnection adapts *mqtt.Client to Connection.
type clientConnection struct {
	*mqtt.Client
}

func (c clientConnection) Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error {
	return c.Client.Subscribe(topic, qos, handler)
}
