// Package device provides the device registry for breezecore.
//
// The registry persists one row per configured Tuya unit: its local network
// addressing (host, port, protocol version), the last confirmed state
// snapshot, and a coarse health status. The bridge keeps the registry in
// sync as sessions observe state changes and availability transitions.
//
// # Repositories
//
// Two SQLite-backed repositories are provided:
//
//   - SQLiteRepository persists devices (see Repository for the contract)
//   - SQLiteStateHistoryRepository keeps an append-only log of state
//     snapshots for the history API
//
// Both are safe for concurrent use; writes are serialised through the
// single-connection pool configured by the database package.
//
// # State
//
// Device state is a free-form JSON map. The bridge writes the canonical
// keys fan_active, fan_speed, light_active and brightness, with speed and
// brightness expressed as percentages.
package device
