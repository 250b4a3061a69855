package bridge

import (
	"fmt"
	"sync"
	"time"
)

// DefaultPingInterval is used when no interval is configured.
const DefaultPingInterval = 5 * time.Minute

// MetadataProvider supplies controller metadata for each ping.
type MetadataProvider interface {
	Metadata() map[string]any
}

// MetadataFunc adapts a function to MetadataProvider.
type MetadataFunc func() map[string]any

// Metadata calls f.
func (f MetadataFunc) Metadata() map[string]any { return f() }

// PingerOptions configures the liveness pinger.
type PingerOptions struct {
	// Publisher is the cloud connection.
	Publisher Publisher

	// Interval between pings. Zero disables pinging.
	Interval time.Duration

	// Metadata is sampled before every ping. Optional.
	Metadata MetadataProvider

	// Codec encodes ping envelopes.
	Codec Codec

	// Topic is the outbound channel.
	Topic string

	// QoS for publishes.
	QoS byte

	// Logger, Metrics and Recorder are optional.
	Logger   Logger
	Metrics  *Metrics
	Recorder Recorder
}

// Pinger publishes a ping envelope immediately and then every interval.
// Failures are logged and the schedule continues.
type Pinger struct {
	publisher Publisher
	metadata  MetadataProvider
	codec     Codec
	topic     string
	qos       byte
	interval  time.Duration
	running   bool

	logger   Logger
	metrics  *Metrics
	recorder Recorder

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// StartPinger starts the ping loop. With a zero interval (or no publisher)
// it logs a warning and returns a pinger that never publishes.
func StartPinger(opts PingerOptions) *Pinger {
	p := &Pinger{
		publisher: opts.Publisher,
		metadata:  opts.Metadata,
		codec:     opts.Codec,
		topic:     opts.Topic,
		qos:       opts.QoS,
		interval:  opts.Interval,
		logger:    loggerOrNop(opts.Logger),
		metrics:   opts.Metrics,
		recorder:  recorderOrNop(opts.Recorder),
		done:      make(chan struct{}),
	}

	if p.interval <= 0 {
		p.logger.Warn("ping is turned off")
		return p
	}
	if p.publisher == nil || p.codec == nil || p.topic == "" {
		p.logger.Warn("ping is turned off: no publisher configured")
		return p
	}

	p.running = true
	p.wg.Add(1)
	go p.loop()

	p.logger.Info("pinger started", "topic", p.topic, "interval", p.interval)
	return p
}

// Running reports whether the ping loop was started.
func (p *Pinger) Running() bool {
	return p.running
}

// Stop stops the ticker and waits for the loop to exit.
// Safe to call multiple times.
func (p *Pinger) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

// PingNow samples metadata and publishes one ping.
func (p *Pinger) PingNow() error {
	var meta map[string]any
	if p.metadata != nil {
		meta = p.metadata.Metadata()
	}

	payload, err := p.codec.EncodePing(meta)
	if err != nil {
		return fmt.Errorf("encoding ping: %w", err)
	}
	return p.publisher.Publish(p.topic, payload, p.qos, false)
}

func (p *Pinger) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Publish initial ping
	p.ping()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.ping()
		}
	}
}

func (p *Pinger) ping() {
	err := p.PingNow()
	p.metrics.recordPing(err == nil)
	p.recorder.WritePing(err == nil)
	if err != nil {
		p.logger.Warn("ping failed", "topic", p.topic, "error", err)
		return
	}
	p.logger.Debug("pinged", "topic", p.topic)
}
