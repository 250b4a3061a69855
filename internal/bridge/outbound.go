package bridge

import (
	"context"
	"fmt"
	"sync"
)

// OutboundOptions configures outbound sync.
type OutboundOptions struct {
	// Publisher is the cloud connection.
	Publisher Publisher

	// Source streams local state changes. When it also implements
	// LocalSnapshotter, the current state is published first.
	Source LocalSource

	// Bands limits which bands are pushed. Empty is an error.
	Bands []string

	// Owner is the permission context passed to Source.Subscribe.
	Owner string

	// Codec encodes put envelopes.
	Codec Codec

	// Topic is the outbound channel, usually mqtt.TopicFor(prefix, mqtt.Outbound).
	Topic string

	// QoS for publishes.
	QoS byte

	// Logger, Metrics and Recorder are optional.
	Logger   Logger
	Metrics  *Metrics
	Recorder Recorder
}

// Outbound pushes local state changes to the cloud as "put" envelopes.
//
// Failed encodes and publishes are logged and the record is dropped; the
// next change for the same key publishes the newer value.
type Outbound struct {
	publisher Publisher
	codec     Codec
	bands     bandSet
	topic     string
	qos       byte

	logger   Logger
	metrics  *Metrics
	recorder Recorder

	// Shutdown coordination
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// StartOutbound subscribes to the local source and starts publishing.
//
// After subscribing, a source implementing LocalSnapshotter is asked for its
// current state, which is published before any queued change. Changes that
// race with the snapshot are delivered after it, so the last publish for a
// key is always the newest value.
//
// The subscription lives until Stop is called or ctx is cancelled.
func StartOutbound(ctx context.Context, opts OutboundOptions) (*Outbound, error) {
	if opts.Publisher == nil || opts.Source == nil || opts.Codec == nil {
		return nil, fmt.Errorf("%w: outbound requires publisher, source and codec", ErrInvalidConfig)
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("%w: outbound topic is empty", ErrInvalidConfig)
	}

	bands := newBandSet(opts.Bands)
	if len(bands) == 0 {
		return nil, ErrNoBands
	}

	o := &Outbound{
		publisher: opts.Publisher,
		codec:     opts.Codec,
		bands:     bands,
		topic:     opts.Topic,
		qos:       opts.QoS,
		logger:    loggerOrNop(opts.Logger),
		metrics:   opts.Metrics,
		recorder:  recorderOrNop(opts.Recorder),
	}

	subCtx, cancel := context.WithCancel(ctx)
	changes, err := opts.Source.Subscribe(subCtx, bands.sorted(), opts.Owner)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribing to local state: %w", err)
	}
	o.cancel = cancel

	snapshotter, _ := opts.Source.(LocalSnapshotter)

	o.wg.Add(1)
	go o.run(subCtx, snapshotter, bands.sorted(), opts.Owner, changes)

	o.logger.Info("outbound sync started", "topic", o.topic, "bands", bands.sorted())
	return o, nil
}

// Stop cancels the local subscription and waits for the publish loop.
// Safe to call multiple times.
func (o *Outbound) Stop() {
	o.stopOnce.Do(func() {
		o.cancel()
		o.wg.Wait()
		o.logger.Info("outbound sync stopped")
	})
}

func (o *Outbound) run(ctx context.Context, snapshotter LocalSnapshotter, bands []string, owner string, changes <-chan StateRecord) {
	defer o.wg.Done()

	if snapshotter != nil {
		o.publishSnapshot(ctx, snapshotter, bands, owner)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-changes:
			if !ok {
				return
			}
			o.publish(rec)
		}
	}
}

// publishSnapshot sends the state the source held when outbound started.
// A failed snapshot is logged; live changes still flow.
func (o *Outbound) publishSnapshot(ctx context.Context, snapshotter LocalSnapshotter, bands []string, owner string) {
	records, err := snapshotter.Snapshot(ctx, bands, owner)
	if err != nil {
		o.logger.Warn("initial state copy failed", "error", err)
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		o.publish(rec)
	}
	o.logger.Info("initial state copied", "records", len(records))
}

// publish encodes and sends one record. Failures drop the record.
func (o *Outbound) publish(rec StateRecord) {
	// Sources are not trusted to honour the band filter.
	if !o.bands.has(rec.Band) {
		o.logger.Debug("ignoring change for unsynced band", "thing_id", rec.ThingID, "band", rec.Band)
		return
	}

	payload, err := o.codec.EncodePut(rec)
	if err != nil {
		o.logger.Warn("dropping outbound update: encode failed",
			"thing_id", rec.ThingID, "band", rec.Band, "error", err)
		o.metrics.recordOutboundDropped()
		return
	}

	if err := o.publisher.Publish(o.topic, payload, o.qos, false); err != nil {
		o.logger.Warn("dropping outbound update: publish failed",
			"thing_id", rec.ThingID, "band", rec.Band, "topic", o.topic, "error", err)
		o.metrics.recordOutboundDropped()
		return
	}

	o.metrics.recordPublished()
	o.recorder.WriteSyncEvent(directionOutbound, rec.ThingID, rec.Band)
	o.logger.Debug("published state", "thing_id", rec.ThingID, "band", rec.Band)
}
