// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timebridge-io/timebridge/lib/clock"
	"github.com/timebridge-io/timebridge/lib/config"
	"github.com/timebridge-io/timebridge/lib/secret"
	"github.com/timebridge-io/timebridge/security"
	"github.com/timebridge-io/timebridge/terminal"
)

// writeTimeout bounds a single live send. A stuck write is treated as
// a failed send; the message falls back to the queue.
const writeTimeout = 10 * time.Second

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Conn is one live duplex connection to the cloud. The production
// implementation wraps a websocket; tests substitute an in-memory
// pair.
type Conn interface {
	// Write sends one encoded envelope.
	Write(ctx context.Context, data []byte) error

	// Read blocks for the next inbound envelope. A clean remote
	// close returns io.EOF; anything else is an abnormal failure.
	Read(ctx context.Context) ([]byte, error)

	// Close tears the connection down immediately.
	Close() error
}

// Dialer opens a Conn. The bridge supplies auth headers; the dialer
// owns transport establishment.
type Dialer func(ctx context.Context, wsURL string, header http.Header) (Conn, error)

// Handler receives inbound traffic. The agent implements it, routing
// commands to terminal links and sync requests to the scheduler.
type Handler interface {
	// HandleCommand executes one device_command and returns the
	// outcome for the command_response envelope.
	HandleCommand(ctx context.Context, cmd DeviceCommand) CommandOutcome

	// HandleSyncRequest triggers synchronization for one device, or
	// all cloud-enabled devices when req.DeviceID is empty.
	HandleSyncRequest(ctx context.Context, req SyncRequest)
}

// Config configures a Bridge.
type Config struct {
	// URL is the realtime websocket endpoint.
	URL string

	// APIKey authenticates the connection.
	APIKey *secret.Buffer

	// OrganizationID is sent as the X-Organization-ID header.
	OrganizationID string

	// Signer signs the connection handshake.
	Signer *security.Signer

	// Devices is the full registry; only cloud-enabled entries are
	// registered and counted.
	Devices []config.Device

	// QueueCapacity bounds the outbound message queue. Zero means
	// 1000.
	QueueCapacity int

	// DrainInterval is how often queued messages are retried. Zero
	// means 10s.
	DrainInterval time.Duration

	// HeartbeatInterval is how often liveness is reported. Zero
	// means 30s.
	HeartbeatInterval time.Duration

	// ReconnectDelay applies after a clean connection close;
	// ReconnectErrorDelay after an abnormal one. Zero means 5s and
	// 15s.
	ReconnectDelay      time.Duration
	ReconnectErrorDelay time.Duration

	// SpoolPath, when set, persists undelivered messages across
	// restarts.
	SpoolPath        string
	SpoolCompression CompressionTag

	// Handler receives inbound commands and sync requests.
	Handler Handler

	// UnknownHook, when set, receives messages of unrecognized
	// type. They are logged regardless.
	UnknownHook func(messageType string, raw []byte)

	// Dialer overrides transport establishment. Nil means the
	// production websocket dialer.
	Dialer Dialer

	// Clock drives timers. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured output. Nil means slog.Default().
	Logger *slog.Logger
}

// Bridge owns the cloud connection and the outbound queue.
type Bridge struct {
	wsURL               string
	apiKey              *secret.Buffer
	organizationID      string
	signer              *security.Signer
	devices             []config.Device
	drainInterval       time.Duration
	heartbeatInterval   time.Duration
	reconnectDelay      time.Duration
	reconnectErrorDelay time.Duration
	spoolPath           string
	spoolCompression    CompressionTag
	handler             Handler
	unknownHook         func(string, []byte)
	dialer              Dialer
	clock               clock.Clock
	logger              *slog.Logger

	queue     *Queue
	state     atomic.Int32
	published atomic.Uint64

	connMu sync.Mutex
	conn   Conn

	heartbeatMu   sync.Mutex
	lastHeartbeat time.Time
}

// New creates a Bridge. Run must be called for it to do anything.
func New(cfg Config) *Bridge {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	drain := cfg.DrainInterval
	if drain <= 0 {
		drain = 10 * time.Second
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	reconnect := cfg.ReconnectDelay
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	reconnectError := cfg.ReconnectErrorDelay
	if reconnectError <= 0 {
		reconnectError = 15 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cloudEnabled []config.Device
	for _, device := range cfg.Devices {
		if device.CloudEnabled {
			cloudEnabled = append(cloudEnabled, device)
		}
	}

	return &Bridge{
		wsURL:               cfg.URL,
		apiKey:              cfg.APIKey,
		organizationID:      cfg.OrganizationID,
		signer:              cfg.Signer,
		devices:             cloudEnabled,
		drainInterval:       drain,
		heartbeatInterval:   heartbeat,
		reconnectDelay:      reconnect,
		reconnectErrorDelay: reconnectError,
		spoolPath:           cfg.SpoolPath,
		spoolCompression:    cfg.SpoolCompression,
		handler:             cfg.Handler,
		unknownHook:         cfg.UnknownHook,
		dialer:              dialer,
		clock:               clk,
		logger:              logger.With("component", "bridge"),
		queue:               NewQueue(capacity),
	}
}

// State reports the connection lifecycle phase.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
}

// QueueDepth reports the number of undelivered messages.
func (b *Bridge) QueueDepth() int { return b.queue.Len() }

// Evicted reports messages dropped to queue overflow since start.
func (b *Bridge) Evicted() uint64 { return b.queue.Evicted() }

// Published reports messages delivered to the cloud since start.
func (b *Bridge) Published() uint64 { return b.published.Load() }

// LastHeartbeatResponse reports when the cloud last acknowledged a
// heartbeat. Zero before the first acknowledgement.
func (b *Bridge) LastHeartbeatResponse() time.Time {
	b.heartbeatMu.Lock()
	defer b.heartbeatMu.Unlock()
	return b.lastHeartbeat
}

func (b *Bridge) liveConn() Conn {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn
}

func (b *Bridge) setConn(conn Conn) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	b.conn = conn
}

// Publish delivers one encoded envelope: an immediate send over the
// live connection when one exists, otherwise the queue. Queue
// admission always succeeds; overflow evicts the oldest entry.
func (b *Bridge) Publish(ctx context.Context, data []byte) {
	if conn := b.liveConn(); conn != nil {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, data)
		cancel()
		if err == nil {
			b.published.Add(1)
			return
		}
		b.logger.Warn("live send failed, queueing message",
			"error", err,
			"queue_depth", b.queue.Len(),
		)
	}
	b.queue.Push(Message{Data: data, QueuedAt: b.clock.Now()})
}

// PublishEvent encodes and publishes one attendance event. The only
// possible error is an encoding failure; delivery itself is
// at-least-once and asynchronous.
func (b *Bridge) PublishEvent(ctx context.Context, event terminal.AttendanceEvent) error {
	data, err := EncodeAttendance(event, b.clock.Now())
	if err != nil {
		return err
	}
	b.Publish(ctx, data)
	return nil
}

// Run connects and serves until ctx is cancelled. The reconnect loop
// never gives up: a failed dial or dropped connection waits out the
// appropriate delay and tries again. On exit, undelivered messages
// are spooled to disk.
func (b *Bridge) Run(ctx context.Context) error {
	b.loadSpool()

	for ctx.Err() == nil {
		b.setState(StateConnecting)
		conn, err := b.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.setState(StateReconnecting)
			b.logger.Warn("cloud connection failed",
				"error", err,
				"retry_in", b.reconnectErrorDelay,
			)
			if !b.sleep(ctx, b.reconnectErrorDelay) {
				break
			}
			continue
		}

		b.setState(StateConnected)
		b.setConn(conn)
		b.logger.Info("cloud connection established",
			"devices", len(b.devices),
			"queue_depth", b.queue.Len(),
		)

		clean := b.session(ctx, conn)

		b.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			break
		}

		b.setState(StateReconnecting)
		delay := b.reconnectErrorDelay
		if clean {
			delay = b.reconnectDelay
		}
		b.logger.Info("cloud connection lost",
			"clean", clean,
			"retry_in", delay,
		)
		if !b.sleep(ctx, delay) {
			break
		}
	}

	b.setState(StateDisconnected)
	b.saveSpool()
	return ctx.Err()
}

// sleep waits for d or cancellation; false means cancelled.
func (b *Bridge) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-b.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) loadSpool() {
	if b.spoolPath == "" {
		return
	}
	messages, err := ReadSpool(b.spoolPath)
	if err != nil {
		b.logger.Warn("discarding unreadable spool", "path", b.spoolPath, "error", err)
		return
	}
	if len(messages) > 0 {
		b.queue.Restore(messages)
		b.logger.Info("restored spooled messages", "count", len(messages))
	}
}

func (b *Bridge) saveSpool() {
	if b.spoolPath == "" {
		return
	}
	snapshot := b.queue.Snapshot()
	if err := WriteSpool(b.spoolPath, snapshot, b.spoolCompression); err != nil {
		b.logger.Error("failed to spool undelivered messages",
			"error", err,
			"count", len(snapshot),
		)
		return
	}
	if len(snapshot) > 0 {
		b.logger.Info("spooled undelivered messages",
			"count", len(snapshot),
			"compression", b.spoolCompression.String(),
		)
	}
}

// dial opens the websocket with the signed handshake headers.
func (b *Bridge) dial(ctx context.Context) (Conn, error) {
	parsed, err := url.Parse(b.wsURL)
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid websocket URL: %w", err)
	}

	timestamp := b.clock.Now().Unix()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.apiKey.String())
	header.Set("X-Organization-ID", b.organizationID)
	header.Set("X-Timestamp", fmt.Sprintf("%d", timestamp))
	header.Set("X-Signature", b.signer.Sign(http.MethodGet, parsed.Path, nil, timestamp))

	return b.dialer(ctx, b.wsURL, header)
}

// session serves one established connection: registration, then the
// heartbeat/drain timers alongside the read loop, until the
// connection fails or ctx is cancelled. Returns whether the
// connection ended with a clean close.
func (b *Bridge) session(ctx context.Context, conn Conn) bool {
	if err := b.register(ctx, conn); err != nil {
		b.logger.Warn("device registration failed", "error", err)
		return false
	}
	if err := b.sendHeartbeat(ctx, conn); err != nil {
		b.logger.Warn("initial heartbeat failed", "error", err)
		return false
	}

	readErr := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go b.readLoop(readCtx, conn, readErr)

	heartbeat := b.clock.NewTicker(b.heartbeatInterval)
	defer heartbeat.Stop()
	drain := b.clock.NewTicker(b.drainInterval)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			return false

		case err := <-readErr:
			return errors.Is(err, io.EOF)

		case <-heartbeat.C:
			if err := b.sendHeartbeat(ctx, conn); err != nil {
				b.logger.Warn("heartbeat send failed", "error", err)
			}

		case <-drain.C:
			b.drain(ctx, conn)
		}
	}
}

// register announces every cloud-enabled device. Registration is
// idempotent on the cloud side and repeated on every reconnect.
func (b *Bridge) register(ctx context.Context, conn Conn) error {
	for _, device := range b.devices {
		data, err := EncodeRegister(device.ID, device.Name, string(device.Transport), b.clock.Now())
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(writeCtx, data)
		cancel()
		if err != nil {
			return fmt.Errorf("registering device %s: %w", device.ID, err)
		}
	}
	return nil
}

func (b *Bridge) sendHeartbeat(ctx context.Context, conn Conn) error {
	data, err := EncodeHeartbeat(b.clock.Now(), b.queue.Len(), len(b.devices), b.queue.Evicted())
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, data)
}

// drain resends queued messages front-first over the live connection,
// stopping at the first failure so relative order is preserved. The
// next tick resumes where this one stopped.
func (b *Bridge) drain(ctx context.Context, conn Conn) {
	for {
		message, ok := b.queue.Peek()
		if !ok {
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, message.Data)
		cancel()
		if err != nil {
			b.logger.Warn("queue drain stopped at failed send",
				"error", err,
				"remaining", b.queue.Len(),
			)
			return
		}
		b.queue.Pop()
		b.published.Add(1)
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn Conn, readErr chan<- error) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			readErr <- err
			return
		}
		b.dispatch(ctx, data)
	}
}

// dispatch routes one inbound envelope by type. Unrecognized types go
// to the hook when one is configured, and are always logged.
func (b *Bridge) dispatch(ctx context.Context, data []byte) {
	messageType, err := decodeHeader(data)
	if err != nil {
		b.logger.Warn("dropping malformed inbound message", "error", err)
		return
	}

	switch messageType {
	case TypeDeviceCommand:
		var cmd DeviceCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.logger.Warn("dropping malformed device_command", "error", err)
			return
		}
		b.handleCommand(ctx, cmd)

	case TypeSyncRequest:
		var req SyncRequest
		if err := json.Unmarshal(data, &req); err != nil {
			b.logger.Warn("dropping malformed sync_request", "error", err)
			return
		}
		if b.handler == nil {
			b.logger.Warn("sync_request received with no handler configured")
			return
		}
		b.handler.HandleSyncRequest(ctx, req)

	case TypeHeartbeatResponse:
		b.heartbeatMu.Lock()
		b.lastHeartbeat = b.clock.Now()
		b.heartbeatMu.Unlock()

	default:
		b.logger.Warn("unrecognized inbound message type", "type", messageType)
		if b.unknownHook != nil {
			b.unknownHook(messageType, data)
		}
	}
}

func (b *Bridge) handleCommand(ctx context.Context, cmd DeviceCommand) {
	var outcome CommandOutcome
	if b.handler == nil {
		outcome = CommandOutcome{Message: "no command handler configured"}
	} else {
		outcome = b.handler.HandleCommand(ctx, cmd)
	}

	response, err := EncodeCommandResponse(cmd, outcome, b.clock.Now())
	if err != nil {
		b.logger.Error("failed to encode command response",
			"command", cmd.Command,
			"device_id", cmd.DeviceID,
			"error", err,
		)
		return
	}
	b.Publish(ctx, response)
}
