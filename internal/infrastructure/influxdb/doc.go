// Package influxdb provides time-series telemetry storage for breezecore.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes, and health monitoring.
//
// # Purpose
//
// This package records:
//   - Device state snapshots (fan speed, brightness, on/off channels)
//   - Availability transitions (online/offline)
//   - Ad-hoc device metrics
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off, carry on
//	}
//	defer client.Close()
//
//	client.WriteDeviceState("fan-office", true, 60.0, false, 0)
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
