package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// syncMeasurement is the measurement all cloud bridge points are written to.
const syncMeasurement = "cloudbridge_sync"

// Event kinds recorded in the "event" tag.
const (
	eventSync = "sync"
	eventPing = "ping"
)

// WriteSyncEvent records one state record crossing the bridge.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - direction: "outbound" (local to cloud) or "inbound" (cloud to local)
//   - thingID: The thing whose state moved
//   - band: The band that moved (e.g. "ostate")
//
// Example:
//
//	client.WriteSyncEvent("outbound", "lamp-kitchen", "ostate")
func (c *Client) WriteSyncEvent(direction, thingID, band string) {
	c.writePoint(syncEventPoint(direction, thingID, band, time.Now()))
}

// WritePing records the outcome of one liveness ping.
func (c *Client) WritePing(ok bool) {
	c.writePoint(pingPoint(ok, time.Now()))
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// writePoint hands p to the batching writer when connected.
func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() || c.writeAPI == nil {
		return
	}
	c.writeAPI.WritePoint(p)
}

// syncEventPoint builds the point for WriteSyncEvent.
// Thing id is a field rather than a tag to keep series cardinality bounded.
func syncEventPoint(direction, thingID, band string, ts time.Time) *write.Point {
	return write.NewPoint(
		syncMeasurement,
		map[string]string{
			"event":     eventSync,
			"direction": direction,
			"band":      band,
		},
		map[string]any{
			"thing_id": thingID,
			"count":    1,
		},
		ts,
	)
}

// pingPoint builds the point for WritePing.
func pingPoint(ok bool, ts time.Time) *write.Point {
	result := "ok"
	if !ok {
		result = "error"
	}
	return write.NewPoint(
		syncMeasurement,
		map[string]string{
			"event":  eventPing,
			"result": result,
		},
		map[string]any{
			"count": 1,
		},
		ts,
	)
}
