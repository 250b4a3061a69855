// Package influxdb records cloud bridge sync traffic in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched non-blocking writes, and health monitoring.
//
// # Purpose
//
// Every record the bridge pushes to or applies from the cloud, and every
// liveness ping, becomes a point in the cloudbridge_sync measurement:
//
//	cloudbridge_sync,event=sync,direction=outbound,band=ostate thing_id="lamp",count=1i
//	cloudbridge_sync,event=ping,result=ok count=1i
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteSyncEvent("outbound", "lamp-kitchen", "ostate")
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are reported via the
// SetOnError callback. Connection and health check errors are returned directly.
package influxdb
