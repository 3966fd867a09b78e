// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// reenableTimeout bounds the re-enable call that closes every bulk
// operation. It deliberately ignores the caller's context: a cancelled
// sync must still hand the terminal back to its users.
const reenableTimeout = 10 * time.Second

// DirectConfig configures a DirectLink.
type DirectConfig struct {
	// DeviceID identifies the terminal in logs and events.
	DeviceID string

	// Driver is the vendor protocol session.
	Driver Driver

	// ConnectTimeout bounds session establishment. Zero means the
	// caller's context is the only bound.
	ConnectTimeout time.Duration

	// Logger receives structured output. Nil means slog.Default().
	Logger *slog.Logger
}

// DirectLink is an exclusive local session to one terminal. All
// operations are serialized on an internal mutex — the vendor
// protocols do not tolerate interleaved requests on one session.
//
// Invariant: the terminal is disabled for the duration of every bulk
// read, enroll, and delete, and re-enabled on every exit path. A
// terminal left disabled locks staff out of the door; that is an
// operational incident, not a recoverable inconsistency.
type DirectLink struct {
	deviceID       string
	driver         Driver
	connectTimeout time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	connected bool
}

// Compile-time check: *DirectLink implements Link.
var _ Link = (*DirectLink)(nil)

// NewDirectLink creates a DirectLink. The driver is not connected
// until Connect.
func NewDirectLink(cfg DirectConfig) *DirectLink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectLink{
		deviceID:       cfg.DeviceID,
		driver:         cfg.Driver,
		connectTimeout: cfg.ConnectTimeout,
		logger:         logger.With("component", "terminal", "device_id", cfg.DeviceID),
	}
}

// Connect establishes the driver session.
func (l *DirectLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected {
		return nil
	}
	if l.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.connectTimeout)
		defer cancel()
	}
	if err := l.driver.Connect(ctx); err != nil {
		return fmt.Errorf("terminal: connecting to %s: %w", l.deviceID, err)
	}
	l.connected = true
	return nil
}

// Disconnect tears the session down. Idempotent.
func (l *DirectLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil
	}
	l.connected = false
	return l.driver.Disconnect()
}

// Connected reports session state.
func (l *DirectLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Ping verifies the session.
func (l *DirectLink) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return ErrNotConnected
	}
	return l.driver.Ping(ctx)
}

// SetEnabled passes through to the driver.
func (l *DirectLink) SetEnabled(ctx context.Context, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return ErrNotConnected
	}
	return l.driver.SetEnabled(ctx, enabled)
}

// withDisabled runs fn with the terminal disabled and re-enables it on
// every exit path. Re-enabling uses its own deadline detached from the
// caller's context — a cancelled operation must not leave the terminal
// dark.
//
// Caller holds l.mu.
func (l *DirectLink) withDisabled(ctx context.Context, fn func() error) error {
	if err := l.driver.SetEnabled(ctx, false); err != nil {
		return fmt.Errorf("terminal: disabling %s: %w", l.deviceID, err)
	}

	operationErr := fn()

	enableCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reenableTimeout)
	defer cancel()
	if err := l.driver.SetEnabled(enableCtx, true); err != nil {
		l.logger.Error("failed to re-enable terminal after bulk operation", "error", err)
		if operationErr == nil {
			return fmt.Errorf("terminal: re-enabling %s: %w", l.deviceID, err)
		}
	}
	return operationErr
}

// ListUsers returns the terminal's user table.
func (l *DirectLink) ListUsers(ctx context.Context) ([]UserRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil, ErrNotConnected
	}

	var users []UserRecord
	err := l.withDisabled(ctx, func() error {
		var readErr error
		users, readErr = l.driver.Users(ctx)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// FetchAttendanceSince reads the full attendance log, maps punches to
// events, and returns those strictly newer than since in ascending
// timestamp order. The log is never consumed: the same since always
// yields the same events.
func (l *DirectLink) FetchAttendanceSince(ctx context.Context, since *time.Time) ([]AttendanceEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil, ErrNotConnected
	}

	var punches []Punch
	err := l.withDisabled(ctx, func() error {
		var readErr error
		punches, readErr = l.driver.Punches(ctx)
		return readErr
	})
	if err != nil {
		return nil, err
	}

	events := make([]AttendanceEvent, 0, len(punches))
	for _, punch := range punches {
		events = append(events, AttendanceEvent{
			DeviceID:     l.deviceID,
			UserID:       punch.UserID,
			Timestamp:    punch.Timestamp,
			Verification: VerificationFromPunch(punch.Code),
			RawStatus:    punch.Status,
			VerifyMethod: punch.Method,
		})
	}
	events = filterSince(events, since)
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// EnrollUser creates or replaces a user. Semantics:
//
//   - UserID present, Overwrite false: nothing is written; the result
//     carries UserExists and the untouched record.
//   - UserID present, Overwrite true: the existing slot is deleted and
//     a fresh one created.
//   - UserID absent: created with uid max(existing)+1.
func (l *DirectLink) EnrollUser(ctx context.Context, request EnrollRequest) EnrollResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return EnrollResult{Message: ErrNotConnected.Error()}
	}

	var result EnrollResult
	err := l.withDisabled(ctx, func() error {
		users, err := l.driver.Users(ctx)
		if err != nil {
			return fmt.Errorf("listing users: %w", err)
		}

		existing := findByUserID(users, request.UserID)
		if existing != nil && !request.Overwrite {
			record := *existing
			result = EnrollResult{
				Message:    fmt.Sprintf("user %q already exists", request.UserID),
				UserExists: true,
				Existing:   &record,
			}
			return nil
		}

		if existing != nil {
			if err := l.driver.DeleteUser(ctx, existing.UID); err != nil {
				return fmt.Errorf("deleting user %q for overwrite: %w", request.UserID, err)
			}
			users = removeByUID(users, existing.UID)
		}

		uid := nextUID(users)
		record := UserRecord{
			UID:       uid,
			UserID:    request.UserID,
			Name:      request.Name,
			Privilege: request.Privilege,
			Password:  request.Password,
			GroupID:   request.GroupID,
		}
		if err := l.driver.SetUser(ctx, record); err != nil {
			return fmt.Errorf("creating user %q: %w", request.UserID, err)
		}
		result = EnrollResult{OK: true, UID: uid}
		return nil
	})
	if err != nil {
		return EnrollResult{Message: err.Error()}
	}
	return result
}

// DeleteUser locates a user by business ID and deletes its slot.
func (l *DirectLink) DeleteUser(ctx context.Context, userID string) DeleteResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return DeleteResult{Message: ErrNotConnected.Error()}
	}

	var result DeleteResult
	err := l.withDisabled(ctx, func() error {
		users, err := l.driver.Users(ctx)
		if err != nil {
			return fmt.Errorf("listing users: %w", err)
		}
		existing := findByUserID(users, userID)
		if existing == nil {
			result = DeleteResult{Message: fmt.Sprintf("no user with id %q", userID)}
			return nil
		}
		if err := l.driver.DeleteUser(ctx, existing.UID); err != nil {
			return fmt.Errorf("deleting user %q: %w", userID, err)
		}
		result = DeleteResult{OK: true, Found: true}
		return nil
	})
	if err != nil {
		return DeleteResult{Message: err.Error()}
	}
	return result
}

// ClearAttendance wipes the terminal's attendance log. Destructive;
// callers confirm the synchronized copy is safe first.
func (l *DirectLink) ClearAttendance(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return ErrNotConnected
	}
	return l.withDisabled(ctx, func() error {
		return l.driver.ClearPunches(ctx)
	})
}

// Driver exposes the underlying driver for the enrollment coordinator,
// which issues capture commands directly.
func (l *DirectLink) Driver() Driver { return l.driver }

func findByUserID(users []UserRecord, userID string) *UserRecord {
	for i := range users {
		if users[i].UserID == userID {
			return &users[i]
		}
	}
	return nil
}

func removeByUID(users []UserRecord, uid int) []UserRecord {
	remaining := users[:0:0]
	for _, user := range users {
		if user.UID != uid {
			remaining = append(remaining, user)
		}
	}
	return remaining
}

// nextUID assigns max(existing)+1. Slot 1 is the first on an empty
// terminal.
func nextUID(users []UserRecord) int {
	maxUID := 0
	for _, user := range users {
		if user.UID > maxUID {
			maxUID = user.UID
		}
	}
	return maxUID + 1
}
