package bridge

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

const (
	// defaultInboundWorkers is the number of apply workers when unset.
	defaultInboundWorkers = 4

	// shardQueueSize is the per-worker backlog before the receive path blocks.
	shardQueueSize = 64

	// dropUnsupported marks envelopes that are not state updates (pings, puts).
	dropUnsupported = "unsupported"
)

// InboundOptions configures inbound sync.
type InboundOptions struct {
	// Subscriber is the cloud connection.
	Subscriber Subscriber

	// Sink applies received state locally.
	Sink LocalSink

	// Bands limits which bands are applied. Empty is an error.
	Bands []string

	// Origin is this bridge's id. Envelopes whose src matches are bounces.
	Origin string

	// Codec decodes envelopes.
	Codec Codec

	// Topic is the subscription, usually mqtt.InboundSubtree(prefix).
	Topic string

	// QoS for the subscription.
	QoS byte

	// Workers is the number of apply goroutines. Default: 4.
	Workers int

	// Logger, Metrics and Recorder are optional.
	Logger   Logger
	Metrics  *Metrics
	Recorder Recorder
}

// Inbound applies cloud "updated"/"iput" envelopes to local state.
//
// Records for the same thing and band are always handled by the same
// worker, so they are applied in the order they were received. Different
// keys may be applied concurrently.
type Inbound struct {
	subscriber Subscriber
	sink       LocalSink
	codec      Codec
	bands      bandSet
	origin     string
	topic      string

	logger   Logger
	metrics  *Metrics
	recorder Recorder

	shards []chan StateRecord

	// stopped guards shards against sends after close.
	stopped bool
	mu      sync.RWMutex

	// Shutdown coordination
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// StartInbound starts the apply workers and subscribes to the inbound topic.
func StartInbound(opts InboundOptions) (*Inbound, error) {
	if opts.Subscriber == nil || opts.Sink == nil || opts.Codec == nil {
		return nil, fmt.Errorf("%w: inbound requires subscriber, sink and codec", ErrInvalidConfig)
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("%w: inbound topic is empty", ErrInvalidConfig)
	}

	bands := newBandSet(opts.Bands)
	if len(bands) == 0 {
		return nil, ErrNoBands
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultInboundWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	in := &Inbound{
		subscriber: opts.Subscriber,
		sink:       opts.Sink,
		codec:      opts.Codec,
		bands:      bands,
		origin:     opts.Origin,
		topic:      opts.Topic,
		logger:     loggerOrNop(opts.Logger),
		metrics:    opts.Metrics,
		recorder:   recorderOrNop(opts.Recorder),
		shards:     make([]chan StateRecord, workers),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := range in.shards {
		in.shards[i] = make(chan StateRecord, shardQueueSize)
		in.wg.Add(1)
		go in.worker(in.shards[i])
	}

	if err := in.subscriber.Subscribe(in.topic, opts.QoS, in.handleMessage); err != nil {
		in.shutdown()
		return nil, fmt.Errorf("subscribing to %s: %w", in.topic, err)
	}

	in.logger.Info("inbound sync started", "topic", in.topic, "bands", bands.sorted(), "workers", workers)
	return in, nil
}

// Write is a no-op. Inbound sync never sends to the cloud.
func (in *Inbound) Write(_ context.Context, _ StateRecord) error {
	return nil
}

// Stop unsubscribes, then drains and stops the workers. No Apply call is
// in flight once Stop returns. Safe to call multiple times.
func (in *Inbound) Stop() {
	in.stopOnce.Do(func() {
		if err := in.subscriber.Unsubscribe(in.topic); err != nil {
			in.logger.Warn("inbound unsubscribe failed", "topic", in.topic, "error", err)
		}
		in.shutdown()
		in.logger.Info("inbound sync stopped")
	})
}

// shutdown cancels pending applies, closes the shard queues and waits.
func (in *Inbound) shutdown() {
	in.cancel()

	in.mu.Lock()
	in.stopped = true
	for _, shard := range in.shards {
		close(shard)
	}
	in.mu.Unlock()

	in.wg.Wait()
}

// handleMessage is the subscription handler. It never returns an error:
// every failure is a dropped message.
func (in *Inbound) handleMessage(topic string, payload []byte) error {
	in.metrics.recordReceived()

	env := in.codec.Decode(payload)
	if env == nil {
		in.logger.Debug("dropping malformed inbound message", "topic", topic, "bytes", len(payload))
		in.metrics.recordInboundDropped(dropMalformed)
		return nil
	}

	// Echo of our own publish, whatever the control name.
	if in.origin != "" && env.Control.Source == in.origin {
		in.logger.Debug("dropping bounced message", "name", env.Control.Name, "thing_id", env.Control.ID)
		in.metrics.recordInboundDropped(dropBounce)
		return nil
	}

	thingID, band, ok := in.codec.DecodeUpdate(env)
	if !ok {
		in.logger.Debug("ignoring inbound message", "name", env.Control.Name, "topic", topic)
		in.metrics.recordInboundDropped(dropUnsupported)
		return nil
	}

	if !in.bands.has(band) {
		in.logger.Debug("ignoring update for unsynced band", "thing_id", thingID, "band", band)
		in.metrics.recordInboundDropped(dropBand)
		return nil
	}

	in.dispatch(StateRecord{ThingID: thingID, Band: band, Value: env.Payload})
	return nil
}

// dispatch queues rec on the worker owning its key.
func (in *Inbound) dispatch(rec StateRecord) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if in.stopped {
		in.metrics.recordInboundDropped(dropStopped)
		return
	}

	select {
	case in.shards[shardFor(rec.Key(), len(in.shards))] <- rec:
	case <-in.ctx.Done():
		in.metrics.recordInboundDropped(dropStopped)
	}
}

func (in *Inbound) worker(queue <-chan StateRecord) {
	defer in.wg.Done()

	for rec := range queue {
		in.apply(rec)
	}
}

func (in *Inbound) apply(rec StateRecord) {
	if in.ctx.Err() != nil {
		in.metrics.recordInboundDropped(dropStopped)
		return
	}

	if err := in.sink.Apply(in.ctx, rec); err != nil {
		in.logger.Warn("failed to apply inbound update",
			"thing_id", rec.ThingID, "band", rec.Band, "error", err)
		in.metrics.recordInboundDropped(dropApply)
		return
	}

	in.metrics.recordApplied()
	in.recorder.WriteSyncEvent(directionInbound, rec.ThingID, rec.Band)
	in.logger.Debug("applied inbound update", "thing_id", rec.ThingID, "band", rec.Band)
}

// shardFor maps a key onto one of n workers.
func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n)) // #nosec G115 -- n is a small positive worker count
}
