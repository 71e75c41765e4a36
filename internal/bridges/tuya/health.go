package tuya

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvalett/breezecore/internal/infrastructure/mqtt"
)

// defaultHealthInterval is the period between health reports.
const defaultHealthInterval = 30 * time.Second

// HealthSource exposes the live figures the reporter publishes.
type HealthSource interface {
	Statistics() BridgeStatistics
	DeviceCounts() (online, total int)
	MQTTConnected() bool
}

// HealthReporter periodically publishes bridge health to the health topic.
type HealthReporter struct {
	bridgeID  string
	version   string
	interval  time.Duration
	publisher MQTTClient
	source    HealthSource
	topics    mqtt.Topics
	startTime time.Time

	closeCh  chan struct{}
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a reporter. Interval <= 0 takes the default.
func NewHealthReporter(bridgeID, version string, interval time.Duration, publisher MQTTClient, source HealthSource) *HealthReporter {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthReporter{
		bridgeID:  bridgeID,
		version:   version,
		interval:  interval,
		publisher: publisher,
		source:    source,
		startTime: time.Now(),
		closeCh:   make(chan struct{}),
	}
}

// SetLogger attaches a logger.
func (r *HealthReporter) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Start publishes a starting report and begins the periodic loop.
func (r *HealthReporter) Start() {
	r.publish(HealthStarting)
	go r.reportLoop()
}

// Stop halts the loop and publishes a final stopping report.
func (r *HealthReporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.closeCh)
		r.publish(HealthStopping)
	})
}

// PublishNow emits an immediate report outside the regular cadence.
func (r *HealthReporter) PublishNow() {
	r.publish(r.determineStatus())
}

func (r *HealthReporter) reportLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			r.publish(r.determineStatus())
		}
	}
}

// determineStatus degrades when the broker link is down or every device
// is unreachable.
func (r *HealthReporter) determineStatus() HealthStatus {
	if !r.source.MQTTConnected() {
		return HealthDegraded
	}
	online, total := r.source.DeviceCounts()
	if total > 0 && online == 0 {
		return HealthDegraded
	}
	return HealthHealthy
}

func (r *HealthReporter) publish(status HealthStatus) {
	online, total := r.source.DeviceCounts()
	msg := HealthMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		BridgeID:  r.bridgeID,
		Protocol:  Protocol,
		Version:   r.version,
		Status:    status,
		UptimeS:   int64(time.Since(r.startTime).Seconds()),
		Connection: ConnectionStatus{
			MQTTConnected: r.source.MQTTConnected(),
			DevicesOnline: online,
			DevicesTotal:  total,
		},
		Statistics: r.source.Statistics(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		r.logError("encoding health report", "error", err)
		return
	}

	if err := r.publisher.Publish(r.topics.BridgeHealth(Protocol), payload, 1, true); err != nil {
		r.logError("publishing health report", "error", err)
	}
}

func (r *HealthReporter) logError(msg string, args ...any) {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	if r.logger != nil {
		r.logger.Error(msg, args...)
	}
}
