// Package bridge keeps local thing state synchronised with a cloud MQTT
// broker.
//
// A Bridge owns one cloud connection and runs three parts over it:
//
//   - Outbound: the current local state, then every change, becomes "put"
//     envelopes on <prefix>/o.
//   - Inbound: "updated"/"iput" envelopes on <prefix>/i/# are applied to
//     local state, in receive order per thing and band.
//   - Pinger: a "ping" envelope with controller metadata on <prefix>/o,
//     immediately and then on a fixed interval.
//
// # Envelope
//
// Every message is a JSON object with a control block and a payload:
//
//	{"c":{"n":"put","id":"lamp1","band":"ostate","src":"<origin>"},"p":{"on":true,"timestamp":1700000000}}
//
// Messages that do not parse are dropped silently; the broker may carry
// traffic from unrelated producers.
//
// # Loop Prevention
//
// Outbound envelopes carry the bridge origin in "src". Inbound envelopes
// with the same src are bounces of our own publishes and are never applied.
//
// A band synced in both directions reports each applied cloud update back
// once as a put. The local store ignores writes of an unchanged value, so
// that put is the only hop.
//
// # Usage
//
//	b, err := bridge.New(bridge.Options{
//	    Credentials: creds,
//	    Config:      bridge.Config{OutBands: outBands, InBands: inBands, PingInterval: 5 * time.Minute},
//	    Local:       store,
//	    Logger:      log,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Stop()
package bridge
