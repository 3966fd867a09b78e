// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal connects to biometric attendance terminals. A Link
// is the uniform capability surface the rest of the system sees; it
// has two implementations — DirectLink over a local session to the
// terminal, and RelayLink proxying through the cloud API when the
// terminal is not locally reachable.
//
// Terminal firmware returns user records in whatever shape the vendor
// protocol uses; drivers normalize everything to UserRecord at this
// boundary, and nothing above it special-cases representation.
package terminal

import (
	"fmt"
	"time"
)

// VerificationType classifies an attendance event.
type VerificationType string

const (
	CheckIn     VerificationType = "check_in"
	CheckOut    VerificationType = "check_out"
	OvertimeIn  VerificationType = "overtime_in"
	OvertimeOut VerificationType = "overtime_out"
)

// VerificationFromPunch maps a terminal punch code to a verification
// type. The table is fixed by the terminal firmware's conventions;
// unknown codes are recorded as check-ins rather than dropped, so an
// odd firmware never loses events.
func VerificationFromPunch(code int) VerificationType {
	switch code {
	case 0:
		return CheckIn
	case 1:
		return CheckOut
	case 2:
		return OvertimeIn
	case 3:
		return OvertimeOut
	default:
		return CheckIn
	}
}

// UserRecord is the canonical user shape regardless of transport.
type UserRecord struct {
	// UID is the terminal-assigned numeric slot. It is local to one
	// terminal and must never collide; new users get
	// max(existing)+1.
	UID int `json:"uid"`

	// UserID is the business identifier shared across the system.
	UserID string `json:"user_id"`

	Name      string `json:"name"`
	Privilege int    `json:"privilege"`
	Password  string `json:"password,omitempty"`
	GroupID   int    `json:"group_id"`
}

// Punch is a raw attendance record as the firmware reports it.
// Drivers return punches; the Link boundary turns them into
// AttendanceEvents.
type Punch struct {
	UserID    string
	Timestamp time.Time
	Code      int
	Status    int
	Method    int
}

// AttendanceEvent is one synchronized attendance record. Events are
// produced by FetchAttendanceSince and consumed downstream; the core
// never stores them. Delivery is at-least-once — consumers dedupe on
// Key().
type AttendanceEvent struct {
	DeviceID     string           `json:"device_id"`
	UserID       string           `json:"user_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Verification VerificationType `json:"verification_type"`
	RawStatus    int              `json:"status"`
	VerifyMethod int              `json:"verify_method"`
}

// Key is the downstream deduplication key.
func (e AttendanceEvent) Key() string {
	return fmt.Sprintf("%s|%s|%d|%s", e.DeviceID, e.UserID, e.Timestamp.Unix(), e.Verification)
}

// EnrollRequest asks for a user to be created on a terminal.
type EnrollRequest struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Privilege int    `json:"privilege"`
	Password  string `json:"password,omitempty"`
	GroupID   int    `json:"group_id"`

	// Overwrite replaces an existing record for the same UserID.
	// Without it, enrollment of an existing user fails with
	// UserExists and mutates nothing.
	Overwrite bool `json:"overwrite"`
}

// EnrollResult reports an enrollment attempt. Transport faults are
// carried in Message rather than escaping as errors.
type EnrollResult struct {
	OK      bool   `json:"success"`
	Message string `json:"message,omitempty"`

	// UserExists is set when the UserID was already present and
	// Overwrite was false; Existing carries the untouched record.
	UserExists bool        `json:"user_exists,omitempty"`
	Existing   *UserRecord `json:"existing_user,omitempty"`

	// UID is the slot the user occupies after a successful enroll.
	UID int `json:"uid,omitempty"`
}

// DeleteResult reports a deletion attempt.
type DeleteResult struct {
	OK      bool   `json:"success"`
	Found   bool   `json:"found"`
	Message string `json:"message,omitempty"`
}
