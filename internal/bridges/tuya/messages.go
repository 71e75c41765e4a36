package tuya

import (
	"time"

	"github.com/google/uuid"
)

// Protocol is the identifier used in MQTT topics for this bridge.
const Protocol = "tuya"

// Commands accepted on the device command topic.
const (
	CommandFanOn         = "fan_on"
	CommandFanOff        = "fan_off"
	CommandSetFanSpeed   = "set_fan_speed"
	CommandLightOn       = "light_on"
	CommandLightOff      = "light_off"
	CommandSetBrightness = "set_brightness"
	CommandRefresh       = "refresh"
)

// Request actions accepted on the bridge request topic.
const (
	RequestGetState    = "get_state"
	RequestListDevices = "list_devices"
	RequestBridgeStats = "bridge_stats"
)

// AckStatus is the outcome of a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
	AckTimeout  AckStatus = "timeout"
)

// Error codes carried in acks and responses.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeDeviceNotFound    = "DEVICE_NOT_FOUND"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// CommandMessage is an inbound device command.
type CommandMessage struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source,omitempty"`
}

// AckMessage reports the outcome of a command, correlated by CommandID.
type AckMessage struct {
	ID        string    `json:"id"`
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError describes a command failure.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateMessage is the retained device state published after every change.
type StateMessage struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceID    string    `json:"device_id"`
	FanActive   bool      `json:"fan_active"`
	FanSpeed    float64   `json:"fan_speed"`
	LightActive bool      `json:"light_active"`
	Brightness  float64   `json:"brightness"`
	Online      bool      `json:"online"`
	LastUpdate  time.Time `json:"last_update"`
}

// AvailabilityMessage is the retained per-device availability marker.
type AvailabilityMessage struct {
	DeviceID  string    `json:"device_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// RequestMessage is an inbound bridge-level query.
type RequestMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	DeviceID  string    `json:"device_id,omitempty"`
}

// ResponseMessage answers a RequestMessage on the response topic keyed by
// the request ID.
type ResponseMessage struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed request.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthStatus summarises the bridge's condition.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the periodic bridge health report.
type HealthMessage struct {
	ID         string           `json:"id"`
	Timestamp  time.Time        `json:"timestamp"`
	BridgeID   string           `json:"bridge_id"`
	Protocol   string           `json:"protocol"`
	Version    string           `json:"version"`
	Status     HealthStatus     `json:"status"`
	UptimeS    int64            `json:"uptime_s"`
	Connection ConnectionStatus `json:"connection"`
	Statistics BridgeStatistics `json:"statistics"`
}

// ConnectionStatus reports connectivity at health-report time.
type ConnectionStatus struct {
	MQTTConnected bool `json:"mqtt_connected"`
	DevicesOnline int  `json:"devices_online"`
	DevicesTotal  int  `json:"devices_total"`
}

// BridgeStatistics are cumulative counters since bridge start.
type BridgeStatistics struct {
	CommandsProcessed uint64 `json:"commands_processed"`
	CommandErrors     uint64 `json:"command_errors"`
	StatePublishes    uint64 `json:"state_publishes"`
	RequestsProcessed uint64 `json:"requests_processed"`
}

// NewAck builds a success ack for a command.
func NewAck(cmd *CommandMessage, status AckStatus) *AckMessage {
	return &AckMessage{
		ID:        uuid.NewString(),
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Status:    status,
	}
}

// NewAckError builds a failure ack with a machine-readable code.
func NewAckError(cmd *CommandMessage, code, message string) *AckMessage {
	ack := NewAck(cmd, AckFailed)
	if code == ErrCodeTimeout {
		ack.Status = AckTimeout
	}
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage captures a session state snapshot for publishing.
func NewStateMessage(deviceID string, state DeviceState) *StateMessage {
	return &StateMessage{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		DeviceID:    deviceID,
		FanActive:   state.FanActive,
		FanSpeed:    state.FanSpeed,
		LightActive: state.LightActive,
		Brightness:  state.Brightness,
		Online:      state.Online,
		LastUpdate:  state.LastUpdate,
	}
}

// NewResponse builds a success response for a request.
func NewResponse(req *RequestMessage, data any) *ResponseMessage {
	return &ResponseMessage{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

// NewResponseError builds a failure response.
func NewResponseError(req *RequestMessage, code, message string) *ResponseMessage {
	return &ResponseMessage{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}
