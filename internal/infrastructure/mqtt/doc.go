// Package mqtt provides the MQTT transport layer for breezecore.
//
// It wraps github.com/eclipse/paho.mqtt.golang with connection management,
// automatic reconnection, subscription restoration, and breezecore's topic
// scheme.
//
// # Topic Scheme
//
// Bridge topics follow a flat layout:
//
//	breezecore/state/{protocol}/{device_id}        retained device state
//	breezecore/command/{protocol}/{device_id}      commands to a device
//	breezecore/ack/{protocol}/{device_id}          command acknowledgements
//	breezecore/availability/{protocol}/{device_id} retained online/offline
//	breezecore/request/{protocol}/{request_id}     request/response queries
//	breezecore/response/{protocol}/{request_id}
//	breezecore/health/{protocol}                   bridge health reports
//	breezecore/system/status                       service LWT and status
//
// Use the Topics helper to build topic strings rather than formatting them
// inline.
//
// # Reliability
//
// The client configures a Last Will and Testament on breezecore/system/status
// so subscribers learn about unexpected disconnects, and re-subscribes all
// tracked topics when the paho auto-reconnect succeeds. Message handlers run
// with panic recovery so a misbehaving handler cannot take down the receive
// loop.
package mqtt
