package tuya

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Default session tuning values.
const (
	// DefaultCacheTTL is how long a decoded state stays fresh.
	DefaultCacheTTL = 500 * time.Millisecond

	// DefaultOperationTimeout bounds every network operation.
	DefaultOperationTimeout = 1 * time.Second

	// DefaultRefreshInterval drives the background state pull.
	DefaultRefreshInterval = 10 * time.Second

	// DefaultRetryBaseDelay is the first reconnect backoff step.
	DefaultRetryBaseDelay = 5 * time.Second

	// DefaultRetryMaxDelay caps the backoff and paces the steady
	// reconnect heartbeat once retries are exhausted.
	DefaultRetryMaxDelay = 300 * time.Second

	// DefaultMaxRetries is how many escalating retries run before the
	// backoff cycle falls back to the max-delay heartbeat.
	DefaultMaxRetries = 3

	// DefaultMaxTimeouts is how many consecutive connection failures
	// mark the device offline.
	DefaultMaxTimeouts = 3

	// DefaultFailFastWindow suppresses network attempts right after a
	// run of timeouts so callers get the cached value immediately.
	DefaultFailFastWindow = 5 * time.Second
)

// DeviceState is the session's view of the device. The session replaces
// the whole struct on every update, so a returned copy is never mutated
// behind the caller's back.
type DeviceState struct {
	FanActive   bool
	FanSpeed    float64 // percentage [0,100]
	LightActive bool
	Brightness  float64 // percentage [0,100]

	Online     bool
	LastUpdate time.Time

	RetryCount            int
	ConsecutiveTimeouts   int
	LastConnectionAttempt time.Time
	LastError             string
}

// SessionConfig carries the session tuning values. Zero fields take the
// documented defaults.
type SessionConfig struct {
	CacheTTL         time.Duration
	OperationTimeout time.Duration
	RefreshInterval  time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	MaxRetries       int
	MaxTimeouts      int
	FailFastWindow   time.Duration
}

// withDefaults fills unset fields.
func (c SessionConfig) withDefaults() SessionConfig {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxTimeouts <= 0 {
		c.MaxTimeouts = DefaultMaxTimeouts
	}
	if c.FailFastWindow <= 0 {
		c.FailFastWindow = DefaultFailFastWindow
	}
	return c
}

// SessionCallbacks receive state changes. Both are optional and are
// invoked without the session lock held.
type SessionCallbacks struct {
	// OnOnlineChanged fires once per online/offline transition.
	OnOnlineChanged func(online bool)

	// OnStateChanged fires when a tracked value changes, including
	// optimistic updates from setters.
	OnStateChanged func(state DeviceState)
}

// Session keeps a best-effort, always-available view of one device.
// Getters answer from cache within the freshness window and never return
// an error; setters write through to the device, update the cache
// optimistically, and surface write failures to the caller. A run of
// consecutive connection failures marks the device offline and hands
// control to the backoff scheduler until the device answers again.
type Session struct {
	client    DeviceClient
	cfg       SessionConfig
	callbacks SessionCallbacks

	mu           sync.Mutex
	state        *DeviceState
	reconnecting bool
	retryTimer   *time.Timer
	closed       bool

	closeCh   chan struct{}
	closeOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewSession creates a session for the given transport. The initial state
// is optimistically online so the first getter attempts a real pull.
// Call Start to connect and begin the refresh loop.
func NewSession(client DeviceClient, cfg SessionConfig, callbacks SessionCallbacks) (*Session, error) {
	if client == nil {
		return nil, fmt.Errorf("tuya: device client is required")
	}

	s := &Session{
		client:    client,
		cfg:       cfg.withDefaults(),
		callbacks: callbacks,
		state:     &DeviceState{Online: true},
		closeCh:   make(chan struct{}),
	}

	client.SetOnData(s.handleStatusPush)
	client.SetOnDisconnect(s.handleDisconnect)

	return s, nil
}

// SetLogger attaches a logger. Safe to call at any time.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// Start connects to the device and launches the background refresh loop.
// A failed initial connect does not fail Start; it marks the device
// offline and lets the backoff scheduler recover.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	err := s.client.Connect(connectCtx)
	cancel()
	if err != nil {
		s.logWarn("initial connect failed", "error", err)
		s.recordFailure(err)
	} else {
		go s.refresh(false)
	}

	go s.refreshLoop()
	return nil
}

// Destroy cancels all timers, detaches from the transport, and closes
// the connection. The session cannot be restarted.
func (s *Session) Destroy() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
		s.mu.Unlock()

		close(s.closeCh)
		s.client.SetOnData(nil)
		s.client.SetOnDisconnect(nil)
		_ = s.client.Close()
	})
}

// State returns a copy of the current device state.
func (s *Session) State() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.state
}

// FanActive returns the cached fan switch state, pulling fresh data
// first when the cache is stale and the device is reachable.
func (s *Session) FanActive() bool {
	s.refreshIfStale()
	return s.State().FanActive
}

// FanSpeed returns the cached fan speed percentage.
func (s *Session) FanSpeed() float64 {
	s.refreshIfStale()
	return s.State().FanSpeed
}

// LightActive returns the cached light switch state.
func (s *Session) LightActive() bool {
	s.refreshIfStale()
	return s.State().LightActive
}

// Brightness returns the cached brightness percentage.
func (s *Session) Brightness() float64 {
	s.refreshIfStale()
	return s.State().Brightness
}

// SetFanActive switches the fan. The cache is updated before the write
// so the upstream view always matches the user's last request.
func (s *Session) SetFanActive(ctx context.Context, on bool) error {
	s.applyOptimistic(func(st *DeviceState) { st.FanActive = on })
	return s.write(ctx, map[string]any{DPFanActive: on})
}

// SetFanSpeed sets the fan speed from a percentage.
func (s *Session) SetFanSpeed(ctx context.Context, pct float64) error {
	native := PercentToFanSpeed(pct)
	s.applyOptimistic(func(st *DeviceState) { st.FanSpeed = FanSpeedToPercent(native) })
	return s.write(ctx, map[string]any{DPFanSpeed: native})
}

// SetLightActive switches the light.
func (s *Session) SetLightActive(ctx context.Context, on bool) error {
	s.applyOptimistic(func(st *DeviceState) { st.LightActive = on })
	return s.write(ctx, map[string]any{DPLightActive: on})
}

// SetBrightness sets the light brightness from a percentage.
func (s *Session) SetBrightness(ctx context.Context, pct float64) error {
	native := PercentToBrightness(pct)
	s.applyOptimistic(func(st *DeviceState) { st.Brightness = BrightnessToPercent(native) })
	return s.write(ctx, map[string]any{DPBrightness: native})
}

// Refresh forces a state pull, subject to the freshness and offline
// checks. Exposed for command-driven refreshes from the bridge.
func (s *Session) Refresh() error {
	return s.refresh(false)
}

// refreshIfStale is the getter-side guard: answer from cache when it is
// fresh, the device is offline, or a recent run of timeouts makes another
// attempt pointless. Otherwise pull synchronously within the operation
// timeout so the getter still returns quickly.
func (s *Session) refreshIfStale() {
	s.mu.Lock()
	if s.closed || s.isFreshLocked() || !s.state.Online || s.failFastLocked() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.refresh(false); err != nil {
		s.logDebug("getter refresh failed, serving cached state", "error", err)
	}
}

// isFreshLocked reports cache freshness. Caller holds mu.
func (s *Session) isFreshLocked() bool {
	return time.Since(s.state.LastUpdate) < s.cfg.CacheTTL
}

// failFastLocked reports whether the short-circuit window after a run of
// timeouts is still open. Caller holds mu.
func (s *Session) failFastLocked() bool {
	return s.state.ConsecutiveTimeouts >= s.cfg.MaxTimeouts &&
		time.Since(s.state.LastConnectionAttempt) < s.cfg.FailFastWindow
}

// refresh pulls the device state. fromRetry marks invocations from the
// backoff scheduler, which are allowed to run while offline.
func (s *Session) refresh(fromRetry bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.isFreshLocked() {
		s.mu.Unlock()
		return nil
	}
	if !fromRetry && !s.state.Online && s.state.RetryCount >= s.cfg.MaxRetries {
		// The retry timer owns polling once the backoff is exhausted.
		s.mu.Unlock()
		return nil
	}
	reconnecting := s.reconnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
	defer cancel()

	s.mutateState(func(st *DeviceState) { st.LastConnectionAttempt = time.Now() })

	if !s.client.IsConnected() {
		if err := s.client.Connect(ctx); err != nil {
			s.recordFailure(err)
			return err
		}
	}

	dps, err := s.client.Get(ctx)
	if err != nil {
		s.recordFailure(err)
		return err
	}

	return s.handleReply(dps, reconnecting)
}

// handleReply runs a decoded dps map through validation and applies it.
func (s *Session) handleReply(dps map[string]any, reconnecting bool) error {
	hasData, err := ValidateReply(dps, reconnecting)
	if err != nil {
		s.mutateState(func(st *DeviceState) { st.LastError = err.Error() })
		s.logWarn("malformed device reply", "error", err)
		return err
	}

	if !hasData {
		// Proof of life without data. Clear the failure run and, when
		// offline, complete the reconnect so the next poll carries state.
		s.mutateState(func(st *DeviceState) { st.ConsecutiveTimeouts = 0 })
		s.markOnline()
		return nil
	}

	var snapshot DeviceState
	changed := false
	s.mu.Lock()
	next := *s.state
	changed = ApplyDPS(&next, dps)
	next.LastUpdate = time.Now()
	next.ConsecutiveTimeouts = 0
	next.LastError = ""
	s.state = &next
	s.reconnecting = false
	snapshot = next
	s.mu.Unlock()

	s.markOnline()

	if changed && s.callbacks.OnStateChanged != nil {
		s.callbacks.OnStateChanged(snapshot)
	}
	return nil
}

// handleStatusPush applies unsolicited state pushes from the device.
func (s *Session) handleStatusPush(dps map[string]any) {
	s.mu.Lock()
	reconnecting := s.reconnecting
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.handleReply(dps, reconnecting); err != nil {
		s.logDebug("ignoring unusable status push", "error", err)
	}
}

// handleDisconnect reacts to the transport losing its socket.
func (s *Session) handleDisconnect() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.logWarn("device connection lost")
	s.markOffline()
}

// write performs a set operation. The optimistic cache update has already
// happened; this only moves bytes and classifies the outcome.
func (s *Session) write(ctx context.Context, dps map[string]any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.state.Online || s.failFastLocked() {
		s.mu.Unlock()
		return ErrDeviceOffline
	}
	s.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	s.mutateState(func(st *DeviceState) { st.LastConnectionAttempt = time.Now() })

	if !s.client.IsConnected() {
		if err := s.client.Connect(opCtx); err != nil {
			s.recordFailure(err)
			return err
		}
	}

	if _, err := s.client.Set(opCtx, dps); err != nil {
		s.recordFailure(err)
		return err
	}

	s.mutateState(func(st *DeviceState) {
		st.ConsecutiveTimeouts = 0
		st.LastError = ""
	})
	s.markOnline()
	return nil
}

// applyOptimistic updates the cache with a user-requested value before
// the network write, bumping the freshness timestamp so the upstream view
// reflects the request even if the device never acknowledges it.
func (s *Session) applyOptimistic(mutate func(*DeviceState)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	next := *s.state
	mutate(&next)
	next.LastUpdate = time.Now()
	s.state = &next
	snapshot := next
	s.mu.Unlock()

	if s.callbacks.OnStateChanged != nil {
		s.callbacks.OnStateChanged(snapshot)
	}
}

// mutateState replaces the state struct with a mutated copy.
func (s *Session) mutateState(mutate func(*DeviceState)) {
	s.mu.Lock()
	next := *s.state
	mutate(&next)
	s.state = &next
	s.mu.Unlock()
}

// recordFailure classifies an operation error. Connection errors count
// toward the offline threshold; protocol errors are recorded but do not
// drive the state machine.
func (s *Session) recordFailure(err error) {
	if !isConnectionError(err) {
		s.mutateState(func(st *DeviceState) { st.LastError = err.Error() })
		s.logWarn("device protocol error", "error", err)
		return
	}

	var crossed bool
	s.mu.Lock()
	next := *s.state
	next.ConsecutiveTimeouts++
	next.LastError = err.Error()
	s.state = &next
	crossed = next.Online && next.ConsecutiveTimeouts >= s.cfg.MaxTimeouts
	s.mu.Unlock()

	s.logDebug("device connection error", "error", err, "consecutive_timeouts", s.State().ConsecutiveTimeouts)

	if crossed {
		s.markOffline()
	}
}

// markOffline transitions to offline, notifying once and starting the
// backoff scheduler. Repeated calls while already offline do nothing.
func (s *Session) markOffline() {
	s.mu.Lock()
	if s.closed || !s.state.Online {
		s.mu.Unlock()
		return
	}
	next := *s.state
	next.Online = false
	s.state = &next
	s.reconnecting = true
	s.mu.Unlock()

	s.logWarn("device offline")
	if s.callbacks.OnOnlineChanged != nil {
		s.callbacks.OnOnlineChanged(false)
	}

	s.scheduleRetry()
}

// markOnline transitions to online, resetting the failure counters and
// cancelling any pending retry. Safe to call while already online.
func (s *Session) markOnline() {
	s.mu.Lock()
	if s.closed || s.state.Online {
		s.mu.Unlock()
		return
	}
	next := *s.state
	next.Online = true
	next.RetryCount = 0
	next.ConsecutiveTimeouts = 0
	next.LastConnectionAttempt = time.Time{}
	next.LastError = ""
	s.state = &next
	s.reconnecting = false
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	s.logInfo("device online")
	if s.callbacks.OnOnlineChanged != nil {
		s.callbacks.OnOnlineChanged(true)
	}
}

// advanceRetryDelay steps the backoff cycle and returns the delay for the
// next attempt: base<<n capped at the max, then a reset and one max-delay
// heartbeat before the cycle restarts. It mutates RetryCount.
func (s *Session) advanceRetryDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.state
	defer func() { s.state = &next }()

	if next.RetryCount >= s.cfg.MaxRetries {
		next.RetryCount = 0
		return s.cfg.RetryMaxDelay
	}

	delay := s.cfg.RetryBaseDelay << next.RetryCount
	if delay > s.cfg.RetryMaxDelay {
		delay = s.cfg.RetryMaxDelay
	}
	next.RetryCount++
	return delay
}

// scheduleRetry arms the single reconnect timer, replacing any pending
// one so retries never stack.
func (s *Session) scheduleRetry() {
	delay := s.advanceRetryDelay()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, s.retryAttempt)
	s.mu.Unlock()

	s.logDebug("reconnect scheduled", "delay", delay)
}

// retryAttempt is the timer body: try a refresh and, if the device is
// still unreachable, arm the next step of the backoff cycle.
func (s *Session) retryAttempt() {
	if err := s.refresh(true); err != nil {
		s.logDebug("reconnect attempt failed", "error", err)
	}

	s.mu.Lock()
	stillOffline := !s.closed && !s.state.Online
	s.mu.Unlock()

	if stillOffline {
		s.scheduleRetry()
	}
}

// refreshLoop is the recurring background pull.
func (s *Session) refreshLoop() {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			if err := s.refresh(false); err != nil {
				s.logDebug("scheduled refresh failed", "error", err)
			}
		}
	}
}

// connection failure signatures, matched case-insensitively against the
// error text when no sentinel matches.
var connectionErrorSignatures = []string{
	"connection refused",
	"connection reset",
	"host is unreachable",
	"no route to host",
	"network is unreachable",
	"timed out",
	"timeout",
	"broken pipe",
	"i/o deadline",
}

// isConnectionError reports whether err is a network failure rather than
// a protocol problem.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrOperationTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range connectionErrorSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func (s *Session) logInfo(msg string, args ...any) {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Session) logWarn(msg string, args ...any) {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Session) logDebug(msg string, args ...any) {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
