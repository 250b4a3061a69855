// Package mqtt provides MQTT connectivity for the Gray Logic cloud bridge.
//
// This package manages:
//   - The cloud broker session over mutual TLS (Credentials, Manager)
//   - The local Gray Logic broker session with auto-reconnect and LWT
//   - Message publishing with bounded waits
//   - Topic subscriptions, restored exactly once per topic on reconnect
//   - Cloud channel naming (TopicFor, InboundSubtree) and local topic builders
//
// # Architecture
//
// The bridge holds two sessions:
//
//	Local Gray Logic broker ↔ cloudbridge ↔ Cloud broker (<prefix>/o, <prefix>/i)
//
// The cloud session is owned by a Manager. Concurrent first callers of
// Manager.Get share one connection attempt; the resulting Client is cached
// until Close. The Manager never retries on its own.
//
// # Security Considerations
//
//   - The cloud session requires TLS 1.2+ with a client certificate
//   - Private key material is read once per connection attempt and never logged
//   - The local broker may run without TLS on a trusted network
//
// # Usage
//
//	mgr := mqtt.NewManager(mqtt.ManagerOptions{Credentials: creds, ClientID: "bridge-1"})
//	defer mgr.Close()
//
//	client, err := mgr.Get(ctx)
//	if err != nil {
//	    return err
//	}
//	err = client.Subscribe(mqtt.InboundSubtree(creds.Prefix()), 0,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
package mqtt
