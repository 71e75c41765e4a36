package mqtt

import "fmt"

// Topic prefixes for the breezecore MQTT hierarchy.
//
// All bridge topics use the flat scheme: breezecore/{category}/{protocol}/{id}
// where protocol identifies the device bridge (currently "tuya").
const (
	// TopicPrefixBridge is the base for all bridge topics.
	// Flat scheme: breezecore/{category}/{protocol}/{device_id_or_request_id}
	TopicPrefixBridge = "breezecore"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "breezecore/system"
)

// Topics provides builders for breezecore MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("tuya", "fan-office")
//	// Returns: "breezecore/state/tuya/fan-office"
type Topics struct{}

// DeviceState returns the topic for device state updates from a bridge.
//
// Example: breezecore/state/tuya/fan-office
func (Topics) DeviceState(protocol, deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// DeviceCommand returns the topic for commands to a device.
//
// Example: breezecore/command/tuya/fan-office
func (Topics) DeviceCommand(protocol, deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// DeviceAck returns the topic for command acknowledgements.
//
// Example: breezecore/ack/tuya/fan-office
func (Topics) DeviceAck(protocol, deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// DeviceAvailability returns the topic for device online/offline status.
//
// Example: breezecore/availability/tuya/fan-office
func (Topics) DeviceAvailability(protocol, deviceID string) string {
	return fmt.Sprintf("%s/availability/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeRequest returns the topic for requests to a bridge.
//
// Example: breezecore/request/tuya/req-abc123
func (Topics) BridgeRequest(protocol, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefixBridge, protocol, requestID)
}

// BridgeResponse returns the topic for request responses from a bridge.
//
// Example: breezecore/response/tuya/req-abc123
func (Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefixBridge, protocol, requestID)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: breezecore/health/tuya
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// SystemStatus returns the system status topic.
//
// Example: breezecore/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceCommands returns a pattern matching all commands for a protocol.
//
// Pattern: breezecore/command/tuya/+
func (Topics) AllDeviceCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefixBridge, protocol)
}

// AllBridgeRequests returns a pattern matching all requests for a protocol.
//
// Pattern: breezecore/request/tuya/+
func (Topics) AllBridgeRequests(protocol string) string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefixBridge, protocol)
}

// AllDeviceStates returns a pattern matching all device state updates.
//
// Pattern: breezecore/state/+/+
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/state/+/+", TopicPrefixBridge)
}
