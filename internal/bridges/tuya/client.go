package tuya

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Connection tuning values.
const (
	// dialTimeout bounds the TCP connect to the device.
	dialTimeout = 5 * time.Second

	// heartbeatInterval keeps the device from dropping an idle socket.
	heartbeatInterval = 10 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 5 * time.Second

	// readBufferSize is sized for the largest realistic status frame.
	readBufferSize = 4096
)

// Logger receives structured log events from the client. Satisfied by
// logging.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// DeviceClient is the transport a session drives. Implementations carry
// no retry policy of their own; reconnection decisions belong to the
// session layer.
type DeviceClient interface {
	// Connect dials the device and starts the receive loop.
	Connect(ctx context.Context) error

	// Get requests the current datapoint values.
	Get(ctx context.Context) (map[string]any, error)

	// Set writes datapoint values and returns the device's reply.
	Set(ctx context.Context, dps map[string]any) (map[string]any, error)

	// IsConnected reports whether the transport currently holds a socket.
	IsConnected() bool

	// SetOnData registers a callback for unsolicited status pushes.
	SetOnData(fn func(dps map[string]any))

	// SetOnDisconnect registers a callback for unexpected socket loss.
	// It does not fire on an explicit Close.
	SetOnDisconnect(fn func())

	// Close tears down the connection. Safe to call repeatedly.
	Close() error
}

// LocalClient speaks the Tuya local protocol to one device over TCP.
// One request is matched to its reply by frame sequence number, so
// concurrent Get and Set calls are safe.
type LocalClient struct {
	deviceID string
	addr     string
	codec    *Codec

	seq atomic.Uint32

	mu        sync.Mutex
	conn      net.Conn
	pending   map[uint32]chan *Frame
	closeCh   chan struct{}
	closeOnce *sync.Once

	onData       func(dps map[string]any)
	onDisconnect func()
	onDataMu     sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
}

// LocalClientConfig carries the addressing and key for one device.
type LocalClientConfig struct {
	DeviceID string
	Host     string
	Port     int
	LocalKey []byte
}

// NewLocalClient creates a client for the given device. It does not dial;
// call Connect before issuing requests.
func NewLocalClient(cfg LocalClientConfig) (*LocalClient, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("tuya: device id is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("tuya: host is required")
	}
	codec, err := NewCodec(cfg.LocalKey)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 6668
	}
	return &LocalClient{
		deviceID: cfg.DeviceID,
		addr:     net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port)),
		codec:    codec,
	}, nil
}

// SetLogger attaches a logger. Safe to call at any time.
func (c *LocalClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// SetOnData registers the callback invoked for unsolicited status pushes.
func (c *LocalClient) SetOnData(fn func(dps map[string]any)) {
	c.onDataMu.Lock()
	c.onData = fn
	c.onDataMu.Unlock()
}

// SetOnDisconnect registers the callback invoked when the socket is lost
// outside an explicit Close.
func (c *LocalClient) SetOnDisconnect(fn func()) {
	c.onDataMu.Lock()
	c.onDisconnect = fn
	c.onDataMu.Unlock()
}

// Connect dials the device and starts the receive and heartbeat loops.
// A client that was closed or lost its socket can be connected again.
func (c *LocalClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.conn = conn
	c.pending = make(map[uint32]chan *Frame)
	c.closeCh = make(chan struct{})
	c.closeOnce = &sync.Once{}
	closeCh := c.closeCh
	c.mu.Unlock()

	c.logDebug("device connected", "device_id", c.deviceID, "addr", c.addr)

	go c.receiveLoop(conn, closeCh)
	go c.heartbeatLoop(closeCh)

	return nil
}

// IsConnected reports whether the client holds a live socket.
func (c *LocalClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears down the connection and fails all pending requests.
func (c *LocalClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	once := c.closeOnce
	closeCh := c.closeCh
	pending := c.pending
	c.conn = nil
	c.pending = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	once.Do(func() { close(closeCh) })

	for _, ch := range pending {
		close(ch)
	}

	return conn.Close()
}

// Get requests the current datapoint values from the device.
func (c *LocalClient) Get(ctx context.Context) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"gwId":  c.deviceID,
		"devId": c.deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("tuya: encoding query: %w", err)
	}
	return c.request(ctx, CmdDPQuery, body)
}

// Set writes datapoint values to the device.
func (c *LocalClient) Set(ctx context.Context, dps map[string]any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"devId": c.deviceID,
		"uid":   c.deviceID,
		"t":     fmt.Sprintf("%d", time.Now().Unix()),
		"dps":   dps,
	})
	if err != nil {
		return nil, fmt.Errorf("tuya: encoding control: %w", err)
	}
	return c.request(ctx, CmdControl, body)
}

// request sends one frame and waits for the matching reply or ctx expiry.
func (c *LocalClient) request(ctx context.Context, cmd uint32, body []byte) (map[string]any, error) {
	seq := c.seq.Add(1)

	frame, err := c.codec.EncodeCommand(seq, cmd, body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	replyCh := make(chan *Frame, 1)
	c.pending[seq] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: writing frame: %w", ErrConnectionFailed, err)
	}
	c.framesSent.Add(1)

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrNotConnected
		}
		return c.parseReply(reply)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrOperationTimeout, ctx.Err())
	}
}

// parseReply decrypts a reply frame and extracts its dps map. Empty
// payloads produce an empty map: the device answered but sent no body.
func (c *LocalClient) parseReply(frame *Frame) (map[string]any, error) {
	raw, err := c.codec.DecodePayload(frame.Payload)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return map[string]any{}, nil
	}

	var doc struct {
		DPS map[string]any `json:"dps"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	if doc.DPS == nil {
		return map[string]any{}, nil
	}
	return doc.DPS, nil
}

// receiveLoop reads frames from the socket until it closes, dispatching
// replies to waiters and status pushes to the onData callback.
func (c *LocalClient) receiveLoop(conn net.Conn, closeCh chan struct{}) {
	buf := make([]byte, 0, readBufferSize)
	readBuf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(readBuf)
		if err != nil {
			select {
			case <-closeCh:
			default:
				c.logDebug("device socket closed", "device_id", c.deviceID, "error", err)
				c.teardown(conn, closeCh)
			}
			return
		}
		buf = append(buf, readBuf[:n]...)

		for {
			frame, consumed, err := DecodeFrame(buf)
			if err != nil {
				c.logWarn("discarding desynchronised stream", "device_id", c.deviceID, "error", err)
				c.teardown(conn, closeCh)
				return
			}
			if frame == nil {
				break
			}
			buf = buf[consumed:]
			c.framesReceived.Add(1)
			c.dispatch(frame)
		}
	}
}

// dispatch routes a frame to its waiter or the status push callback.
func (c *LocalClient) dispatch(frame *Frame) {
	c.mu.Lock()
	ch, waiting := c.pending[frame.Seq]
	if waiting {
		delete(c.pending, frame.Seq)
	}
	c.mu.Unlock()

	if waiting {
		ch <- frame
		return
	}

	if frame.Cmd != CmdStatus {
		return
	}

	dps, err := c.parseReply(frame)
	if err != nil {
		c.logWarn("dropping unparseable status push", "device_id", c.deviceID, "error", err)
		return
	}

	c.onDataMu.RLock()
	fn := c.onData
	c.onDataMu.RUnlock()
	if fn != nil {
		fn(dps)
	}
}

// heartbeatLoop keeps the socket alive. The device replies with the same
// sequence number, so heartbeats flow through the normal request path.
func (c *LocalClient) heartbeatLoop(closeCh chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			_, err := c.request(ctx, CmdHeartbeat, nil)
			cancel()
			if err != nil {
				c.logDebug("heartbeat failed", "device_id", c.deviceID, "error", err)
			}
		}
	}
}

// teardown closes the socket after a read or framing failure so that
// IsConnected turns false and pending requests unblock.
func (c *LocalClient) teardown(conn net.Conn, closeCh chan struct{}) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	once := c.closeOnce
	pending := c.pending
	c.conn = nil
	c.pending = nil
	c.mu.Unlock()

	once.Do(func() { close(closeCh) })
	for _, ch := range pending {
		close(ch)
	}
	_ = conn.Close()

	c.onDataMu.RLock()
	fn := c.onDisconnect
	c.onDataMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Stats returns frame counters for health reporting.
func (c *LocalClient) Stats() (sent, received uint64) {
	return c.framesSent.Load(), c.framesReceived.Load()
}

func (c *LocalClient) logDebug(msg string, args ...any) {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func (c *LocalClient) logWarn(msg string, args ...any) {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}
