package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvalett/breezecore/internal/device"
	"github.com/nvalett/breezecore/internal/infrastructure/config"
	"github.com/nvalett/breezecore/internal/infrastructure/mqtt"
)

// MQTTClient is the broker surface the bridge needs. Satisfied by
// mqtt.Client.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Telemetry receives time-series writes. Satisfied by influxdb.Client.
// A nil Telemetry disables the writes.
type Telemetry interface {
	WriteDeviceState(deviceID string, fanActive bool, fanSpeed float64, lightActive bool, brightness float64)
	WriteAvailability(deviceID string, online bool)
}

// ClientFactory builds a transport for one configured device. Overridable
// for tests.
type ClientFactory func(cfg config.DeviceConfig) (DeviceClient, error)

// BridgeOptions configure the bridge.
type BridgeOptions struct {
	BridgeID       string
	Version        string
	QoS            byte
	HealthInterval time.Duration
	Session        SessionConfig
	ClientFactory  ClientFactory
}

// Bridge connects configured devices to MQTT: it subscribes to command
// and request topics, drives one Session per device, publishes retained
// state and availability, and persists state history.
type Bridge struct {
	opts      BridgeOptions
	mqtt      MQTTClient
	devices   device.Repository
	history   device.StateHistoryRepository
	telemetry Telemetry
	topics    mqtt.Topics

	mu       sync.Mutex
	sessions map[string]*Session
	started  bool

	health   *HealthReporter
	stopOnce sync.Once

	commandsProcessed atomic.Uint64
	commandErrors     atomic.Uint64
	statePublishes    atomic.Uint64
	requestsProcessed atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. The repositories are required; telemetry
// is optional.
func NewBridge(opts BridgeOptions, mqttClient MQTTClient, devices device.Repository, history device.StateHistoryRepository, telemetry Telemetry) (*Bridge, error) {
	if mqttClient == nil {
		return nil, fmt.Errorf("tuya: mqtt client is required")
	}
	if devices == nil {
		return nil, fmt.Errorf("tuya: device repository is required")
	}
	if history == nil {
		return nil, fmt.Errorf("tuya: state history repository is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = "tuya-bridge"
	}
	if opts.ClientFactory == nil {
		opts.ClientFactory = newDeviceTransport
	}

	b := &Bridge{
		opts:      opts,
		mqtt:      mqttClient,
		devices:   devices,
		history:   history,
		telemetry: telemetry,
		sessions:  make(map[string]*Session),
	}
	b.health = NewHealthReporter(opts.BridgeID, opts.Version, opts.HealthInterval, mqttClient, b)
	return b, nil
}

// newDeviceTransport is the production ClientFactory.
func newDeviceTransport(cfg config.DeviceConfig) (DeviceClient, error) {
	return NewLocalClient(LocalClientConfig{
		DeviceID: cfg.DeviceID,
		Host:     cfg.Host,
		Port:     cfg.Port,
		LocalKey: []byte(cfg.LocalKey),
	})
}

// SetLogger attaches a logger and propagates it to the health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

// Start creates a session per configured device, subscribes to the
// command and request topics, and begins health reporting.
func (b *Bridge) Start(ctx context.Context, configs []config.DeviceConfig) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("tuya: bridge already started")
	}
	b.started = true
	b.mu.Unlock()

	for _, cfg := range configs {
		if err := b.addDevice(ctx, cfg); err != nil {
			return fmt.Errorf("adding device %q: %w", cfg.ID, err)
		}
	}

	if err := b.mqtt.Subscribe(b.topics.AllDeviceCommands(Protocol), b.opts.QoS, b.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	if err := b.mqtt.Subscribe(b.topics.AllBridgeRequests(Protocol), b.opts.QoS, b.handleRequestMessage); err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}

	b.health.Start()
	b.logInfo("bridge started", "devices", len(configs))
	return nil
}

// addDevice wires one device: transport, session, and callbacks.
func (b *Bridge) addDevice(ctx context.Context, cfg config.DeviceConfig) error {
	client, err := b.opts.ClientFactory(cfg)
	if err != nil {
		return err
	}

	id := cfg.ID
	session, err := NewSession(client, b.opts.Session, SessionCallbacks{
		OnOnlineChanged: func(online bool) { b.handleOnlineChanged(id, online) },
		OnStateChanged:  func(state DeviceState) { b.handleStateChanged(id, state) },
	})
	if err != nil {
		return err
	}

	b.loggerMu.RLock()
	if b.logger != nil {
		session.SetLogger(b.logger)
		if lc, ok := client.(*LocalClient); ok {
			lc.SetLogger(b.logger)
		}
	}
	b.loggerMu.RUnlock()

	if err := session.Start(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.sessions[id] = session
	b.mu.Unlock()

	b.logInfo("device session started", "device", id, "host", cfg.Host)
	return nil
}

// Stop shuts down health reporting, subscriptions, and all sessions.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.health.Stop()

		_ = b.mqtt.Unsubscribe(b.topics.AllDeviceCommands(Protocol))
		_ = b.mqtt.Unsubscribe(b.topics.AllBridgeRequests(Protocol))

		b.mu.Lock()
		sessions := b.sessions
		b.sessions = make(map[string]*Session)
		b.mu.Unlock()

		for id, session := range sessions {
			session.Destroy()
			b.logInfo("device session stopped", "device", id)
		}

		b.logInfo("bridge stopped")
	})
}

// session looks up the session for a logical device ID.
func (b *Bridge) session(deviceID string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[deviceID]
	return s, ok
}

// handleCommandMessage routes an inbound command by its topic device ID.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return fmt.Errorf("tuya: unexpected command topic %q", topic)
	}
	deviceID := parts[3]

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandErrors.Add(1)
		return fmt.Errorf("tuya: decoding command: %w", err)
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = deviceID
	}

	b.commandsProcessed.Add(1)

	session, ok := b.session(deviceID)
	if !ok {
		b.commandErrors.Add(1)
		b.publishAck(NewAckError(&cmd, ErrCodeDeviceNotFound, fmt.Sprintf("unknown device %q", deviceID)))
		return nil
	}

	if err := b.executeCommand(session, &cmd); err != nil {
		b.commandErrors.Add(1)
		b.publishAck(NewAckError(&cmd, classifyCommandError(err), err.Error()))
		return nil
	}

	b.publishAck(NewAck(&cmd, AckAccepted))
	return nil
}

// executeCommand dispatches one command against a session.
func (b *Bridge) executeCommand(session *Session, cmd *CommandMessage) error {
	ctx := context.Background()

	switch cmd.Command {
	case CommandFanOn:
		return session.SetFanActive(ctx, true)
	case CommandFanOff:
		return session.SetFanActive(ctx, false)
	case CommandSetFanSpeed:
		pct, err := percentParameter(cmd.Parameters, "speed")
		if err != nil {
			return err
		}
		return session.SetFanSpeed(ctx, pct)
	case CommandLightOn:
		return session.SetLightActive(ctx, true)
	case CommandLightOff:
		return session.SetLightActive(ctx, false)
	case CommandSetBrightness:
		pct, err := percentParameter(cmd.Parameters, "brightness")
		if err != nil {
			return err
		}
		return session.SetBrightness(ctx, pct)
	case CommandRefresh:
		return session.Refresh()
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, cmd.Command)
	}
}

var (
	errUnknownCommand = errors.New("tuya: unknown command")
	errBadParameter   = errors.New("tuya: invalid parameter")
)

// percentParameter extracts a [0,100] numeric parameter.
func percentParameter(params map[string]any, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", errBadParameter, key)
	}
	var pct float64
	switch v := raw.(type) {
	case float64:
		pct = v
	case int:
		pct = float64(v)
	default:
		return 0, fmt.Errorf("%w: %q must be numeric", errBadParameter, key)
	}
	if pct < 0 || pct > 100 {
		return 0, fmt.Errorf("%w: %q out of range [0,100]", errBadParameter, key)
	}
	return pct, nil
}

// classifyCommandError maps an execution failure to an ack error code.
func classifyCommandError(err error) string {
	switch {
	case errors.Is(err, ErrDeviceOffline):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrOperationTimeout):
		return ErrCodeTimeout
	case errors.Is(err, errBadParameter):
		return ErrCodeInvalidParameters
	case errors.Is(err, errUnknownCommand):
		return ErrCodeInvalidCommand
	case isConnectionError(err):
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeBridgeError
	}
}

// handleRequestMessage answers bridge-level queries on the response topic
// matching the request ID from the topic.
func (b *Bridge) handleRequestMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return fmt.Errorf("tuya: unexpected request topic %q", topic)
	}
	requestID := parts[3]

	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("tuya: decoding request: %w", err)
	}
	if req.ID == "" {
		req.ID = requestID
	}

	b.requestsProcessed.Add(1)
	b.publishResponse(requestID, b.answer(&req))
	return nil
}

// answer builds the response for one request.
func (b *Bridge) answer(req *RequestMessage) *ResponseMessage {
	switch req.Action {
	case RequestGetState:
		session, ok := b.session(req.DeviceID)
		if !ok {
			return NewResponseError(req, ErrCodeDeviceNotFound, fmt.Sprintf("unknown device %q", req.DeviceID))
		}
		return NewResponse(req, NewStateMessage(req.DeviceID, session.State()))

	case RequestListDevices:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		devices, err := b.devices.List(ctx)
		if err != nil {
			return NewResponseError(req, ErrCodeBridgeError, err.Error())
		}
		return NewResponse(req, devices)

	case RequestBridgeStats:
		return NewResponse(req, b.Statistics())

	default:
		return NewResponseError(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// handleOnlineChanged publishes availability and records device health.
func (b *Bridge) handleOnlineChanged(deviceID string, online bool) {
	msg := AvailabilityMessage{
		DeviceID:  deviceID,
		Online:    online,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("encoding availability", "device", deviceID, "error", err)
	} else if err := b.mqtt.Publish(b.topics.DeviceAvailability(Protocol, deviceID), payload, b.opts.QoS, true); err != nil {
		b.logError("publishing availability", "device", deviceID, "error", err)
	}

	status := device.HealthStatusOnline
	if !online {
		status = device.HealthStatusOffline
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.devices.UpdateHealth(ctx, deviceID, status, time.Now().UTC()); err != nil {
		b.logError("recording device health", "device", deviceID, "error", err)
	}

	if b.telemetry != nil {
		b.telemetry.WriteAvailability(deviceID, online)
	}
}

// handleStateChanged publishes retained state and persists the change.
func (b *Bridge) handleStateChanged(deviceID string, state DeviceState) {
	msg := NewStateMessage(deviceID, state)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("encoding state", "device", deviceID, "error", err)
	} else if err := b.mqtt.Publish(b.topics.DeviceState(Protocol, deviceID), payload, b.opts.QoS, true); err != nil {
		b.logError("publishing state", "device", deviceID, "error", err)
	} else {
		b.statePublishes.Add(1)
	}

	persisted := device.State{
		"fan_active":   state.FanActive,
		"fan_speed":    state.FanSpeed,
		"light_active": state.LightActive,
		"brightness":   state.Brightness,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.devices.UpdateState(ctx, deviceID, persisted); err != nil {
		b.logError("persisting device state", "device", deviceID, "error", err)
	}
	if err := b.history.RecordStateChange(ctx, deviceID, persisted, device.StateHistorySourceSession); err != nil {
		b.logError("recording state history", "device", deviceID, "error", err)
	}

	if b.telemetry != nil {
		b.telemetry.WriteDeviceState(deviceID, state.FanActive, state.FanSpeed, state.LightActive, state.Brightness)
	}
}

// publishAck sends a command outcome to the ack topic.
func (b *Bridge) publishAck(ack *AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("encoding ack", "device", ack.DeviceID, "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.DeviceAck(Protocol, ack.DeviceID), payload, b.opts.QoS, false); err != nil {
		b.logError("publishing ack", "device", ack.DeviceID, "error", err)
	}
}

// publishResponse sends a request answer keyed by the request ID.
func (b *Bridge) publishResponse(requestID string, resp *ResponseMessage) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logError("encoding response", "request", requestID, "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.BridgeResponse(Protocol, requestID), payload, b.opts.QoS, false); err != nil {
		b.logError("publishing response", "request", requestID, "error", err)
	}
}

// Statistics returns cumulative counters since start.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		CommandsProcessed: b.commandsProcessed.Load(),
		CommandErrors:     b.commandErrors.Load(),
		StatePublishes:    b.statePublishes.Load(),
		RequestsProcessed: b.requestsProcessed.Load(),
	}
}

// DeviceCounts reports how many sessions are online.
func (b *Bridge) DeviceCounts() (online, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		total++
		if s.State().Online {
			online++
		}
	}
	return online, total
}

// MQTTConnected reports broker connectivity for health reporting.
func (b *Bridge) MQTTConnected() bool {
	return b.mqtt.IsConnected()
}

func (b *Bridge) logInfo(msg string, args ...any) {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	if b.logger != nil {
		b.logger.Info(msg, args...)
	}
}

func (b *Bridge) logError(msg string, args ...any) {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	if b.logger != nil {
		b.logger.Error(msg, args...)
	}
}
