// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import "context"

// Capabilities declares what a driver's firmware supports. The set is
// static per driver — code branches on these flags, never on runtime
// introspection of the driver value.
type Capabilities struct {
	// StartCapture begins a hardware-driven biometric capture for a
	// user slot.
	StartCapture bool

	// EnrollCommand triggers the firmware's generic enroll flow.
	EnrollCommand bool

	// CaptureSample requests a single biometric sample.
	CaptureSample bool

	// ClearAttendance wipes the terminal's attendance log.
	ClearAttendance bool
}

// Driver is the vendor SDK surface for one terminal session. Timebridge
// does not reimplement any wire protocol; a driver wraps the vendor's,
// normalizing users to UserRecord and attendance to Punch at this
// boundary.
//
// Drivers are single-session: one Connect, serialized operations, one
// Disconnect. DirectLink provides the locking.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Capabilities is constant for the life of the driver.
	Capabilities() Capabilities

	// Ping verifies the session cheaply.
	Ping(ctx context.Context) error

	Users(ctx context.Context) ([]UserRecord, error)
	SetUser(ctx context.Context, user UserRecord) error
	DeleteUser(ctx context.Context, uid int) error

	// Punches reads the terminal's full attendance log. The log is
	// not consumed by reading.
	Punches(ctx context.Context) ([]Punch, error)

	SetEnabled(ctx context.Context, enabled bool) error
	ClearPunches(ctx context.Context) error

	// Capture operations. Calling one whose capability flag is false
	// is a programming error; drivers may panic.
	StartCapture(ctx context.Context, uid int) error
	EnrollCommand(ctx context.Context, uid int) error
	CaptureSample(ctx context.Context, uid int) error
	CancelCapture(ctx context.Context) error
}

// DriverFactory opens a driver session for a terminal address. The
// agent injects one per vendor protocol.
type DriverFactory func(address string, port int, commKey string) Driver
