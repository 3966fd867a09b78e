// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"fmt"
	"sync"
)

// MemDriver is an in-memory Driver. It backs local development without
// hardware and the package tests; fault injection covers the failure
// paths a vendor SDK produces in the field.
type MemDriver struct {
	mu       sync.Mutex
	caps     Capabilities
	users    []UserRecord
	punches  []Punch
	connects int
	open     bool
	enabled  bool
	failures map[string]error

	// enableLog records every SetEnabled call in order.
	enableLog []bool

	// captureUID is the slot of an active capture, or -1.
	captureUID int
}

var _ Driver = (*MemDriver)(nil)

// NewMemDriver creates a driver advertising the given capabilities.
// The terminal starts enabled with empty tables.
func NewMemDriver(caps Capabilities) *MemDriver {
	return &MemDriver{
		caps:       caps,
		enabled:    true,
		failures:   make(map[string]error),
		captureUID: -1,
	}
}

// SeedUsers replaces the user table.
func (d *MemDriver) SeedUsers(users []UserRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append([]UserRecord(nil), users...)
}

// SeedPunches replaces the attendance log.
func (d *MemDriver) SeedPunches(punches []Punch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.punches = append([]Punch(nil), punches...)
}

// AddPunch appends one record to the attendance log.
func (d *MemDriver) AddPunch(punch Punch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.punches = append(d.punches, punch)
}

// FailOn makes the named operation return err until cleared. Names
// match the Driver method in snake case ("connect", "users",
// "set_user", "delete_user", "punches", "set_enabled",
// "clear_punches", "ping", "start_capture", "enroll_command",
// "capture_sample", "cancel_capture").
func (d *MemDriver) FailOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = err
}

// ClearFailure removes an injected fault.
func (d *MemDriver) ClearFailure(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, op)
}

// Enabled reports the terminal's current enabled state.
func (d *MemDriver) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// EnableLog returns every SetEnabled value seen, in call order.
func (d *MemDriver) EnableLog() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.enableLog...)
}

// Connects reports how many times Connect succeeded.
func (d *MemDriver) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// CaptureUID returns the slot of the active capture, or -1.
func (d *MemDriver) CaptureUID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captureUID
}

func (d *MemDriver) fail(op string) error {
	if err := d.failures[op]; err != nil {
		return err
	}
	return nil
}

func (d *MemDriver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("connect"); err != nil {
		return err
	}
	d.open = true
	d.connects++
	return nil
}

func (d *MemDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *MemDriver) Capabilities() Capabilities {
	return d.caps
}

func (d *MemDriver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("ping"); err != nil {
		return err
	}
	if !d.open {
		return ErrNotConnected
	}
	return nil
}

func (d *MemDriver) Users(ctx context.Context) ([]UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("users"); err != nil {
		return nil, err
	}
	return append([]UserRecord(nil), d.users...), nil
}

func (d *MemDriver) SetUser(ctx context.Context, user UserRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("set_user"); err != nil {
		return err
	}
	for i := range d.users {
		if d.users[i].UID == user.UID {
			d.users[i] = user
			return nil
		}
	}
	d.users = append(d.users, user)
	return nil
}

func (d *MemDriver) DeleteUser(ctx context.Context, uid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("delete_user"); err != nil {
		return err
	}
	for i := range d.users {
		if d.users[i].UID == uid {
			d.users = append(d.users[:i], d.users[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memdriver: no user with uid %d", uid)
}

func (d *MemDriver) Punches(ctx context.Context) ([]Punch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("punches"); err != nil {
		return nil, err
	}
	return append([]Punch(nil), d.punches...), nil
}

func (d *MemDriver) SetEnabled(ctx context.Context, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("set_enabled"); err != nil {
		return err
	}
	d.enabled = enabled
	d.enableLog = append(d.enableLog, enabled)
	return nil
}

func (d *MemDriver) ClearPunches(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("clear_punches"); err != nil {
		return err
	}
	d.punches = nil
	return nil
}

func (d *MemDriver) StartCapture(ctx context.Context, uid int) error {
	if !d.caps.StartCapture {
		panic("memdriver: StartCapture without capability")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("start_capture"); err != nil {
		return err
	}
	d.captureUID = uid
	return nil
}

func (d *MemDriver) EnrollCommand(ctx context.Context, uid int) error {
	if !d.caps.EnrollCommand {
		panic("memdriver: EnrollCommand without capability")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("enroll_command"); err != nil {
		return err
	}
	d.captureUID = uid
	return nil
}

func (d *MemDriver) CaptureSample(ctx context.Context, uid int) error {
	if !d.caps.CaptureSample {
		panic("memdriver: CaptureSample without capability")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("capture_sample"); err != nil {
		return err
	}
	d.captureUID = uid
	return nil
}

func (d *MemDriver) CancelCapture(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("cancel_capture"); err != nil {
		return err
	}
	d.captureUID = -1
	return nil
}
