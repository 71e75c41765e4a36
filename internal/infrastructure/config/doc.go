// Package config loads and validates Breeze Core configuration.
//
// Configuration is read from a YAML file, merged over hardcoded defaults,
// and finally overridden by BREEZECORE_* environment variables. Secrets
// (MQTT credentials, InfluxDB token) should be supplied via environment
// variables rather than committed to the config file.
//
// The session section hoists every timing constant of the device session
// manager into one explicit record so the resilience policy is auditable
// and testable with shortened durations.
package config
