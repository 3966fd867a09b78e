// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"time"
)

// Link is the uniform capability surface over one terminal. Two
// implementations exist:
//
//   - *DirectLink: exclusive local session through a vendor Driver.
//   - *RelayLink: signed requests to the cloud API standing in for a
//     local session.
//
// Every operation except Connect fails with ErrNotConnected until a
// Connect has succeeded.
type Link interface {
	// Connect establishes the session. Safe to call again after a
	// failure.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Idempotent.
	Disconnect() error

	// Connected reports whether a session is established.
	Connected() bool

	// Ping is the lightweight health probe the scheduler uses to
	// validate cached links before reuse.
	Ping(ctx context.Context) error

	// ListUsers returns every user on the terminal in canonical
	// form.
	ListUsers(ctx context.Context) ([]UserRecord, error)

	// EnrollUser creates (or with Overwrite, replaces) a user.
	// Transport faults come back inside the result, never as a
	// panic or error.
	EnrollUser(ctx context.Context, request EnrollRequest) EnrollResult

	// DeleteUser removes the user with the given business ID.
	// Found is false when no such user exists.
	DeleteUser(ctx context.Context, userID string) DeleteResult

	// FetchAttendanceSince returns events strictly newer than
	// since, ascending by timestamp. A nil since returns the full
	// history. The read is restartable: calling twice with the same
	// since yields the same events — nothing is drained.
	FetchAttendanceSince(ctx context.Context, since *time.Time) ([]AttendanceEvent, error)

	// SetEnabled enables or disables the terminal's user-facing
	// functions.
	SetEnabled(ctx context.Context, enabled bool) error
}

// ErrNotConnected is returned by operations invoked before a
// successful Connect.
var ErrNotConnected = errors.New("terminal: not connected")

// filterSince keeps events strictly newer than since and assumes the
// caller will sort. A nil since keeps everything.
func filterSince(events []AttendanceEvent, since *time.Time) []AttendanceEvent {
	if since == nil {
		return events
	}
	filtered := events[:0:0]
	for _, event := range events {
		if event.Timestamp.After(*since) {
			filtered = append(filtered, event)
		}
	}
	return filtered
}
