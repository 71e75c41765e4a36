package tuya

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nvalett/breezecore/internal/device"
	"github.com/nvalett/breezecore/internal/infrastructure/config"
	"github.com/nvalett/breezecore/internal/infrastructure/mqtt"
)

type publishedMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// mockMQTT records publishes and subscriptions.
type mockMQTT struct {
	mu            sync.Mutex
	published     []publishedMessage
	subscriptions map[string]mqtt.MessageHandler
	connected     bool
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{
		subscriptions: make(map[string]mqtt.MessageHandler),
		connected:     true,
	}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMessage{topic, payload, qos, retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[topic] = handler
	return nil
}

func (m *mockMQTT) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, topic)
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// messagesOn returns all publishes to topics containing the fragment.
func (m *mockMQTT) messagesOn(fragment string) []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMessage
	for _, msg := range m.published {
		if strings.Contains(msg.Topic, fragment) {
			out = append(out, msg)
		}
	}
	return out
}

// mockRepository records registry writes.
type mockRepository struct {
	mu           sync.Mutex
	devices      []device.Device
	stateWrites  map[string]device.State
	healthWrites map[string]device.HealthStatus
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		stateWrites:  make(map[string]device.State),
		healthWrites: make(map[string]device.HealthStatus),
	}
}

func (r *mockRepository) GetByID(ctx context.Context, id string) (*device.Device, error) {
	return nil, device.ErrDeviceNotFound
}

func (r *mockRepository) List(ctx context.Context) ([]device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Device{}, r.devices...), nil
}

func (r *mockRepository) Create(ctx context.Context, d *device.Device) error { return nil }
func (r *mockRepository) Upsert(ctx context.Context, d *device.Device) error { return nil }
func (r *mockRepository) Delete(ctx context.Context, id string) error        { return nil }

func (r *mockRepository) UpdateState(ctx context.Context, id string, state device.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateWrites[id] = state
	return nil
}

func (r *mockRepository) UpdateHealth(ctx context.Context, id string, status device.HealthStatus, checkedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthWrites[id] = status
	return nil
}

// mockHistory records state history writes.
type mockHistory struct {
	mu      sync.Mutex
	records []string
}

func (h *mockHistory) RecordStateChange(ctx context.Context, deviceID string, state device.State, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, deviceID)
	return nil
}

func (h *mockHistory) GetHistory(ctx context.Context, deviceID string, limit int) ([]device.StateHistoryEntry, error) {
	return nil, nil
}

type bridgeFixture struct {
	bridge  *Bridge
	mqtt    *mockMQTT
	repo    *mockRepository
	history *mockHistory
	client  *fakeClient
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	f := &bridgeFixture{
		mqtt:    newMockMQTT(),
		repo:    newMockRepository(),
		history: &mockHistory{},
		client:  &fakeClient{getReply: map[string]any{}},
	}

	opts := BridgeOptions{
		BridgeID: "tuya-bridge-test",
		Version:  "test",
		Session:  slowRetryConfig(),
		ClientFactory: func(cfg config.DeviceConfig) (DeviceClient, error) {
			return f.client, nil
		},
	}

	bridge, err := NewBridge(opts, f.mqtt, f.repo, f.history, nil)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	f.bridge = bridge

	devices := []config.DeviceConfig{{
		ID:       "fan-office",
		Name:     "Office Fan",
		DeviceID: "bf0123456789test",
		LocalKey: string(testKey),
		Host:     "127.0.0.1",
		Port:     6668,
	}}
	if err := bridge.Start(context.Background(), devices); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(bridge.Stop)

	return f
}

// sendCommand delivers a command through the subscribed handler and
// returns the resulting ack.
func (f *bridgeFixture) sendCommand(t *testing.T, deviceID string, cmd CommandMessage) *AckMessage {
	t.Helper()

	var topics mqtt.Topics
	f.mqtt.mu.Lock()
	handler := f.mqtt.subscriptions[topics.AllDeviceCommands(Protocol)]
	acksBefore := len(f.mqtt.messagesOnLocked("/ack/"))
	f.mqtt.mu.Unlock()
	if handler == nil {
		t.Fatal("bridge did not subscribe to the command topic")
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := handler(topics.DeviceCommand(Protocol, deviceID), payload); err != nil {
		t.Fatalf("command handler error = %v", err)
	}

	acks := f.mqtt.messagesOn("/ack/")
	if len(acks) <= acksBefore {
		t.Fatal("no ack published")
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[len(acks)-1].Payload, &ack); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	return &ack
}

// messagesOnLocked is messagesOn for callers already holding the lock.
func (m *mockMQTT) messagesOnLocked(fragment string) []publishedMessage {
	var out []publishedMessage
	for _, msg := range m.published {
		if strings.Contains(msg.Topic, fragment) {
			out = append(out, msg)
		}
	}
	return out
}

func TestNewBridgeValidation(t *testing.T) {
	repo := newMockRepository()
	history := &mockHistory{}

	if _, err := NewBridge(BridgeOptions{}, nil, repo, history, nil); err == nil {
		t.Error("NewBridge(nil mqtt) error = nil, want error")
	}
	if _, err := NewBridge(BridgeOptions{}, newMockMQTT(), nil, history, nil); err == nil {
		t.Error("NewBridge(nil repo) error = nil, want error")
	}
	if _, err := NewBridge(BridgeOptions{}, newMockMQTT(), repo, nil, nil); err == nil {
		t.Error("NewBridge(nil history) error = nil, want error")
	}
}

func TestBridgeStartSubscribes(t *testing.T) {
	f := newBridgeFixture(t)

	var topics mqtt.Topics
	f.mqtt.mu.Lock()
	defer f.mqtt.mu.Unlock()
	if f.mqtt.subscriptions[topics.AllDeviceCommands(Protocol)] == nil {
		t.Error("missing command subscription")
	}
	if f.mqtt.subscriptions[topics.AllBridgeRequests(Protocol)] == nil {
		t.Error("missing request subscription")
	}
}

func TestBridgeCommandFanOn(t *testing.T) {
	f := newBridgeFixture(t)

	ack := f.sendCommand(t, "fan-office", CommandMessage{ID: "cmd-1", Command: CommandFanOn})
	if ack.Status != AckAccepted {
		t.Fatalf("ack status = %q, want %q (error: %+v)", ack.Status, AckAccepted, ack.Error)
	}
	if ack.CommandID != "cmd-1" {
		t.Errorf("ack CommandID = %q, want cmd-1", ack.CommandID)
	}

	f.client.mu.Lock()
	sent := f.client.lastSet
	f.client.mu.Unlock()
	if sent[DPFanActive] != true {
		t.Errorf("device received %v, want dps %s=true", sent, DPFanActive)
	}

	// The optimistic update publishes retained state and persists it.
	states := f.mqtt.messagesOn("/state/")
	if len(states) == 0 {
		t.Fatal("no state message published")
	}
	if !states[len(states)-1].Retained {
		t.Error("state message not retained")
	}

	f.repo.mu.Lock()
	persisted := f.repo.stateWrites["fan-office"]
	f.repo.mu.Unlock()
	if active, _ := persisted["fan_active"].(bool); !active {
		t.Errorf("persisted state = %v, want fan_active=true", persisted)
	}

	f.history.mu.Lock()
	recorded := len(f.history.records)
	f.history.mu.Unlock()
	if recorded == 0 {
		t.Error("no state history recorded")
	}
}

func TestBridgeCommandSetFanSpeed(t *testing.T) {
	f := newBridgeFixture(t)

	ack := f.sendCommand(t, "fan-office", CommandMessage{
		ID:         "cmd-2",
		Command:    CommandSetFanSpeed,
		Parameters: map[string]any{"speed": float64(60)},
	})
	if ack.Status != AckAccepted {
		t.Fatalf("ack status = %q, want %q", ack.Status, AckAccepted)
	}

	f.client.mu.Lock()
	sent := f.client.lastSet
	f.client.mu.Unlock()
	if sent[DPFanSpeed] != 4 {
		t.Errorf("native speed sent = %v, want 4", sent[DPFanSpeed])
	}
}

func TestBridgeCommandMissingParameter(t *testing.T) {
	f := newBridgeFixture(t)

	ack := f.sendCommand(t, "fan-office", CommandMessage{ID: "cmd-3", Command: CommandSetBrightness})
	if ack.Status != AckFailed {
		t.Fatalf("ack status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidParameters {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeInvalidParameters)
	}
}

func TestBridgeCommandUnknown(t *testing.T) {
	f := newBridgeFixture(t)

	ack := f.sendCommand(t, "fan-office", CommandMessage{ID: "cmd-4", Command: "self_destruct"})
	if ack.Status != AckFailed {
		t.Fatalf("ack status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeInvalidCommand)
	}
}

func TestBridgeCommandUnknownDevice(t *testing.T) {
	f := newBridgeFixture(t)

	ack := f.sendCommand(t, "fan-garage", CommandMessage{ID: "cmd-5", Command: CommandFanOn})
	if ack.Status != AckFailed {
		t.Fatalf("ack status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeDeviceNotFound {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeDeviceNotFound)
	}
}

func TestBridgeCommandWriteFailure(t *testing.T) {
	f := newBridgeFixture(t)

	f.client.mu.Lock()
	f.client.setErr = errRefused
	f.client.mu.Unlock()

	ack := f.sendCommand(t, "fan-office", CommandMessage{ID: "cmd-6", Command: CommandLightOn})
	if ack.Status != AckFailed {
		t.Fatalf("ack status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeDeviceUnreachable {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeDeviceUnreachable)
	}
}

func TestBridgeRequestGetState(t *testing.T) {
	f := newBridgeFixture(t)

	var topics mqtt.Topics
	f.mqtt.mu.Lock()
	handler := f.mqtt.subscriptions[topics.AllBridgeRequests(Protocol)]
	f.mqtt.mu.Unlock()
	if handler == nil {
		t.Fatal("bridge did not subscribe to the request topic")
	}

	req := RequestMessage{ID: "req-1", Action: RequestGetState, DeviceID: "fan-office"}
	payload, _ := json.Marshal(req)
	if err := handler(topics.BridgeRequest(Protocol, "req-1"), payload); err != nil {
		t.Fatalf("request handler error = %v", err)
	}

	responses := f.mqtt.messagesOn("/response/")
	if len(responses) != 1 {
		t.Fatalf("responses published = %d, want 1", len(responses))
	}
	if want := topics.BridgeResponse(Protocol, "req-1"); responses[0].Topic != want {
		t.Errorf("response topic = %q, want %q", responses[0].Topic, want)
	}

	var resp ResponseMessage
	if err := json.Unmarshal(responses[0].Payload, &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success {
		t.Errorf("response failed: %+v", resp.Error)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want req-1", resp.RequestID)
	}
}

func TestBridgeRequestUnknownAction(t *testing.T) {
	f := newBridgeFixture(t)

	var topics mqtt.Topics
	f.mqtt.mu.Lock()
	handler := f.mqtt.subscriptions[topics.AllBridgeRequests(Protocol)]
	f.mqtt.mu.Unlock()

	payload, _ := json.Marshal(RequestMessage{ID: "req-2", Action: "reboot_world"})
	if err := handler(topics.BridgeRequest(Protocol, "req-2"), payload); err != nil {
		t.Fatalf("request handler error = %v", err)
	}

	responses := f.mqtt.messagesOn("/response/")
	var resp ResponseMessage
	if err := json.Unmarshal(responses[len(responses)-1].Payload, &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Success {
		t.Error("response Success = true, want false")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("response error = %+v, want code %s", resp.Error, ErrCodeInvalidCommand)
	}
}

func TestBridgeStatistics(t *testing.T) {
	f := newBridgeFixture(t)

	_ = f.sendCommand(t, "fan-office", CommandMessage{ID: "c1", Command: CommandFanOn})
	_ = f.sendCommand(t, "fan-office", CommandMessage{ID: "c2", Command: "bogus"})

	stats := f.bridge.Statistics()
	if stats.CommandsProcessed != 2 {
		t.Errorf("CommandsProcessed = %d, want 2", stats.CommandsProcessed)
	}
	if stats.CommandErrors != 1 {
		t.Errorf("CommandErrors = %d, want 1", stats.CommandErrors)
	}
}

func TestBridgeDeviceCounts(t *testing.T) {
	f := newBridgeFixture(t)

	online, total := f.bridge.DeviceCounts()
	if total != 1 || online != 1 {
		t.Errorf("DeviceCounts() = (%d, %d), want (1, 1)", online, total)
	}
}

func TestBridgeStop(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.Stop()

	var topics mqtt.Topics
	f.mqtt.mu.Lock()
	_, hasCommands := f.mqtt.subscriptions[topics.AllDeviceCommands(Protocol)]
	f.mqtt.mu.Unlock()
	if hasCommands {
		t.Error("command subscription survived Stop")
	}
	if f.client.IsConnected() {
		t.Error("device client still connected after Stop")
	}

	// Stop twice is safe.
	f.bridge.Stop()
}

func TestHealthReporterPublishes(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.health.PublishNow()

	reports := f.mqtt.messagesOn("/health/")
	if len(reports) == 0 {
		t.Fatal("no health report published")
	}

	var msg HealthMessage
	if err := json.Unmarshal(reports[len(reports)-1].Payload, &msg); err != nil {
		t.Fatalf("decoding health report: %v", err)
	}
	if msg.Status != HealthHealthy {
		t.Errorf("health status = %q, want %q", msg.Status, HealthHealthy)
	}
	if msg.Protocol != Protocol {
		t.Errorf("protocol = %q, want %q", msg.Protocol, Protocol)
	}
	if msg.Connection.DevicesTotal != 1 {
		t.Errorf("DevicesTotal = %d, want 1", msg.Connection.DevicesTotal)
	}
}

func TestHealthReporterDegradedWhenBrokerDown(t *testing.T) {
	f := newBridgeFixture(t)

	f.mqtt.mu.Lock()
	f.mqtt.connected = false
	f.mqtt.mu.Unlock()

	f.bridge.health.PublishNow()

	reports := f.mqtt.messagesOn("/health/")
	var msg HealthMessage
	if err := json.Unmarshal(reports[len(reports)-1].Payload, &msg); err != nil {
		t.Fatalf("decoding health report: %v", err)
	}
	if msg.Status != HealthDegraded {
		t.Errorf("health status = %q, want %q", msg.Status, HealthDegraded)
	}
}
