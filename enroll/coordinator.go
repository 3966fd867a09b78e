// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package enroll drives biometric template capture on a terminal. A
// capture needs the terminal taken away from its users for the
// duration: the coordinator disables it, starts the firmware's
// capture flow, and hands it back when the capture ends or is
// abandoned. Terminals whose firmware has no capture command fall
// back to manual mode, where the operator enrolls through the
// terminal's own menu.
package enroll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/timebridge-io/timebridge/lib/clock"
	"github.com/timebridge-io/timebridge/terminal"
)

// State is a device's enrollment phase.
type State string

const (
	// StateIdle means no enrollment is active.
	StateIdle State = "idle"

	// StateAwaitingCapture means a hardware capture is running and
	// the terminal is deliberately disabled until End.
	StateAwaitingCapture State = "awaiting_capture"

	// StateManualMode means the operator is enrolling through the
	// terminal's own interface; the terminal stays enabled.
	StateManualMode State = "manual_mode"
)

// Result reports a coordinator call.
type Result struct {
	OK      bool   `json:"success"`
	Message string `json:"message,omitempty"`

	// ManualMode is set when the terminal supports no capture
	// command and the operator must use its own interface.
	ManualMode bool `json:"manual_mode,omitempty"`
}

// Config configures a Coordinator.
type Config struct {
	// VerifyAttempts bounds Verify's listing retries. Zero means 3.
	VerifyAttempts int

	// VerifyBackoff separates Verify attempts. Zero means 1s.
	VerifyBackoff time.Duration

	// Clock drives the backoff. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured output. Nil means slog.Default().
	Logger *slog.Logger
}

// Coordinator tracks per-device enrollment state. Calls for the same
// device are serialized by the caller (the agent's admin surface);
// the coordinator guards only its own state map.
//
// Invariant: every call leaves the terminal enabled, except a Start
// that deliberately parks it in AwaitingCapture.
type Coordinator struct {
	verifyAttempts int
	verifyBackoff  time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	mu     sync.Mutex
	states map[string]State
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	attempts := cfg.VerifyAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.VerifyBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		verifyAttempts: attempts,
		verifyBackoff:  backoff,
		clock:          clk,
		logger:         logger.With("component", "enroll"),
		states:         make(map[string]State),
	}
}

// StateOf reports a device's current enrollment phase.
func (c *Coordinator) StateOf(deviceID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[deviceID]; ok {
		return state
	}
	return StateIdle
}

func (c *Coordinator) setState(deviceID string, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state == StateIdle {
		delete(c.states, deviceID)
		return
	}
	c.states[deviceID] = state
}

// Start disables the terminal and begins a capture for userID's slot.
// The capture commands are probed in a fixed order against the
// driver's declared capabilities; the first that succeeds wins and
// the terminal stays disabled in AwaitingCapture. A driver with no
// capture capability is re-enabled immediately and the result signals
// manual mode.
func (c *Coordinator) Start(ctx context.Context, driver terminal.Driver, deviceID, userID string) Result {
	if current := c.StateOf(deviceID); current != StateIdle {
		return Result{Message: fmt.Sprintf("enrollment already active (state %s)", current)}
	}

	if err := driver.SetEnabled(ctx, false); err != nil {
		return Result{Message: fmt.Sprintf("disabling terminal: %v", err)}
	}

	uid, err := c.captureSlot(ctx, driver, userID)
	if err != nil {
		c.reenable(ctx, driver, deviceID)
		return Result{Message: err.Error()}
	}

	caps := driver.Capabilities()
	probes := []struct {
		supported bool
		name      string
		start     func(context.Context, int) error
	}{
		{caps.StartCapture, "start_capture", driver.StartCapture},
		{caps.EnrollCommand, "enroll_command", driver.EnrollCommand},
		{caps.CaptureSample, "capture_sample", driver.CaptureSample},
	}

	supported := false
	for _, probe := range probes {
		if !probe.supported {
			continue
		}
		supported = true
		if err := probe.start(ctx, uid); err != nil {
			c.logger.Warn("capture command failed, trying next",
				"device_id", deviceID,
				"command", probe.name,
				"error", err,
			)
			continue
		}
		c.setState(deviceID, StateAwaitingCapture)
		c.logger.Info("capture started",
			"device_id", deviceID,
			"command", probe.name,
			"uid", uid,
		)
		return Result{OK: true}
	}

	// The terminal goes back to its users either way; what differs
	// is whether the operator proceeds at the terminal's own menu.
	c.reenable(ctx, driver, deviceID)
	if !supported {
		c.setState(deviceID, StateManualMode)
		return Result{OK: true, ManualMode: true, Message: "terminal has no capture command; use its own enrollment menu"}
	}
	return Result{Message: "every supported capture command failed"}
}

// captureSlot resolves the terminal slot the capture targets: the
// existing user's slot, or the next free one for a new user.
func (c *Coordinator) captureSlot(ctx context.Context, driver terminal.Driver, userID string) (int, error) {
	users, err := driver.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing users: %w", err)
	}
	maxUID := 0
	for _, user := range users {
		if userID != "" && user.UserID == userID {
			return user.UID, nil
		}
		if user.UID > maxUID {
			maxUID = user.UID
		}
	}
	return maxUID + 1, nil
}

// End abandons any in-flight capture and unconditionally re-enables
// the terminal. Callable from any state; this is the recovery path
// for a stuck session.
func (c *Coordinator) End(ctx context.Context, driver terminal.Driver, deviceID string) Result {
	if err := driver.CancelCapture(ctx); err != nil {
		c.logger.Warn("capture cancel failed",
			"device_id", deviceID,
			"error", err,
		)
	}

	err := driver.SetEnabled(ctx, true)
	c.setState(deviceID, StateIdle)
	if err != nil {
		c.logger.Error("failed to re-enable terminal after enrollment",
			"device_id", deviceID,
			"error", err,
		)
		return Result{Message: fmt.Sprintf("re-enabling terminal: %v", err)}
	}
	return Result{OK: true}
}

// Verify confirms the enrolled user is visible in the terminal's user
// table, retrying a bounded number of times to ride out the gap
// between creation and listing visibility.
func (c *Coordinator) Verify(ctx context.Context, link terminal.Link, deviceID, userID string) Result {
	for attempt := 1; attempt <= c.verifyAttempts; attempt++ {
		users, err := link.ListUsers(ctx)
		if err != nil {
			c.logger.Warn("verification listing failed",
				"device_id", deviceID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			for _, user := range users {
				if user.UserID == userID {
					return Result{OK: true}
				}
			}
		}

		if attempt < c.verifyAttempts {
			select {
			case <-c.clock.After(c.verifyBackoff):
			case <-ctx.Done():
				return Result{Message: ctx.Err().Error()}
			}
		}
	}
	return Result{Message: fmt.Sprintf("user %q not visible after %d attempts", userID, c.verifyAttempts)}
}

// reenable hands the terminal back after a failed or capture-less
// start. Uses a detached context so a cancelled caller cannot leave
// the terminal dark.
func (c *Coordinator) reenable(ctx context.Context, driver terminal.Driver, deviceID string) {
	enableCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := driver.SetEnabled(enableCtx, true); err != nil {
		c.logger.Error("failed to re-enable terminal",
			"device_id", deviceID,
			"error", err,
		)
	}
}
