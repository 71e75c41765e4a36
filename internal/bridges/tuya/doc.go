// Package tuya bridges Tuya-protocol fan/light devices on the local
// network to MQTT.
//
// # Layers
//
// Codec frames and encrypts Tuya local protocol 3.3 messages. LocalClient
// speaks the protocol to one device over TCP and matches replies to
// requests by sequence number. Session sits above the transport and keeps
// a best-effort view of the device: a short-TTL state cache, a fixed
// per-operation timeout, a consecutive-failure threshold that marks the
// device offline, and an exponential backoff reconnect cycle. Bridge
// connects sessions to MQTT command, state, ack, and availability topics,
// persists state changes, and reports health.
//
// # Resilience model
//
// Getters answer from cache and never return an error; a stale cache
// triggers a bounded pull first. Setters write through to the device but
// update the cache optimistically, so the published state always follows
// the last user request even when the device misses the write. Three
// consecutive connection failures mark the device offline; reconnect
// attempts then run at 5s, 10s, 20s, and settle into a 300s heartbeat
// until the device answers.
package tuya
