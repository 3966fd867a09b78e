// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestLink(t *testing.T, driver *MemDriver) *DirectLink {
	t.Helper()
	link := NewDirectLink(DirectConfig{
		DeviceID: "door-1",
		Driver:   driver,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { link.Disconnect() })
	return link
}

func TestDirectLinkNotConnected(t *testing.T) {
	link := NewDirectLink(DirectConfig{
		DeviceID: "door-1",
		Driver:   NewMemDriver(Capabilities{}),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()

	if _, err := link.ListUsers(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListUsers error = %v, want ErrNotConnected", err)
	}
	if _, err := link.FetchAttendanceSince(ctx, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("FetchAttendanceSince error = %v, want ErrNotConnected", err)
	}
	if err := link.Ping(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Ping error = %v, want ErrNotConnected", err)
	}
	if result := link.EnrollUser(ctx, EnrollRequest{UserID: "1001"}); result.OK {
		t.Error("EnrollUser succeeded without a connection")
	}
	if result := link.DeleteUser(ctx, "1001"); result.OK || result.Found {
		t.Errorf("DeleteUser without connection = %+v", result)
	}
	if err := link.Disconnect(); err != nil {
		t.Errorf("Disconnect on unconnected link: %v", err)
	}
}

func TestDirectLinkConnectFailure(t *testing.T) {
	driver := NewMemDriver(Capabilities{})
	driver.FailOn("connect", errors.New("host unreachable"))
	link := NewDirectLink(DirectConfig{
		DeviceID: "door-1",
		Driver:   driver,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if err := link.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded despite driver failure")
	}
	if link.Connected() {
		t.Error("Connected() = true after failed Connect")
	}

	// Connect is retryable after a failure.
	driver.ClearFailure("connect")
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect retry: %v", err)
	}
	if !link.Connected() {
		t.Error("Connected() = false after successful retry")
	}
}

func TestDirectLinkFetchAttendance(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	driver := NewMemDriver(Capabilities{})
	// Deliberately out of order.
	driver.SeedPunches([]Punch{
		{UserID: "1002", Timestamp: base.Add(2 * time.Hour), Code: 1, Method: 1},
		{UserID: "1001", Timestamp: base, Code: 0, Method: 1},
		{UserID: "1001", Timestamp: base.Add(time.Hour), Code: 2, Method: 15},
	})
	link := newTestLink(t, driver)
	ctx := context.Background()

	events, err := link.FetchAttendanceSince(ctx, nil)
	if err != nil {
		t.Fatalf("FetchAttendanceSince(nil): %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("events not ascending: %v before %v", events[i].Timestamp, events[i-1].Timestamp)
		}
	}
	if events[0].Verification != CheckIn || events[1].Verification != OvertimeIn || events[2].Verification != CheckOut {
		t.Errorf("verification mapping wrong: %q %q %q",
			events[0].Verification, events[1].Verification, events[2].Verification)
	}
	if events[0].DeviceID != "door-1" {
		t.Errorf("DeviceID = %q, want door-1", events[0].DeviceID)
	}

	// Strictly greater than since: the boundary event is excluded.
	since := base.Add(time.Hour)
	newer, err := link.FetchAttendanceSince(ctx, &since)
	if err != nil {
		t.Fatalf("FetchAttendanceSince(since): %v", err)
	}
	if len(newer) != 1 || newer[0].UserID != "1002" {
		t.Fatalf("since filter returned %+v, want only the 10:00 punch", newer)
	}

	// Restartable: the log is not consumed by reading.
	again, err := link.FetchAttendanceSince(ctx, &since)
	if err != nil {
		t.Fatalf("second FetchAttendanceSince: %v", err)
	}
	if len(again) != len(newer) {
		t.Errorf("second read returned %d events, first returned %d", len(again), len(newer))
	}
}

func TestDirectLinkDisableReenable(t *testing.T) {
	driver := NewMemDriver(Capabilities{})
	driver.SeedPunches([]Punch{{UserID: "1001", Timestamp: time.Now(), Code: 0}})
	link := newTestLink(t, driver)

	if _, err := link.FetchAttendanceSince(context.Background(), nil); err != nil {
		t.Fatalf("FetchAttendanceSince: %v", err)
	}
	wantLog := []bool{false, true}
	gotLog := driver.EnableLog()
	if len(gotLog) != len(wantLog) {
		t.Fatalf("enable log = %v, want %v", gotLog, wantLog)
	}
	for i := range wantLog {
		if gotLog[i] != wantLog[i] {
			t.Fatalf("enable log = %v, want %v", gotLog, wantLog)
		}
	}
	if !driver.Enabled() {
		t.Error("terminal left disabled after successful read")
	}
}

func TestDirectLinkReenableAfterFailure(t *testing.T) {
	driver := NewMemDriver(Capabilities{})
	link := newTestLink(t, driver)

	driver.FailOn("punches", errors.New("checksum error"))
	if _, err := link.FetchAttendanceSince(context.Background(), nil); err == nil {
		t.Fatal("FetchAttendanceSince succeeded despite driver failure")
	}
	if !driver.Enabled() {
		t.Error("terminal left disabled after failed read")
	}
}

func TestDirectLinkReenableAfterCancellation(t *testing.T) {
	driver := NewMemDriver(Capabilities{})
	link := newTestLink(t, driver)

	ctx, cancel := context.WithCancel(context.Background())
	driver.FailOn("punches", context.Canceled)
	cancel()
	if _, err := link.FetchAttendanceSince(ctx, nil); err == nil {
		t.Fatal("FetchAttendanceSince succeeded despite cancellation")
	}
	// The re-enable runs on a detached context and must still land.
	if !driver.Enabled() {
		t.Error("terminal left disabled after cancelled read")
	}
}

func TestDirectLinkEnroll(t *testing.T) {
	driver := NewMemDriver(Capabilities{})
	driver.SeedUsers([]UserRecord{
		{UID: 1, UserID: "1001", Name: "Ada"},
		{UID: 5, UserID: "1002", Name: "Grace"},
	})
	link := newTestLink(t, driver)
	ctx := context.Background()

	// New user gets max(existing)+1.
	result := link.EnrollUser(ctx, EnrollRequest{UserID: "1003", Name: "Edsger"})
	if !result.OK {
		t.Fatalf("enroll new user failed: %s", result.Message)
	}
	if result.UID != 6 {
		t.Errorf("new user UID = %d, want 6", result.UID)
	}

	// Existing user without overwrite: untouched, reported back.
	result = link.EnrollUser(ctx, EnrollRequest{UserID: "1001", Name: "Impostor"})
	if result.OK {
		t.Fatal("enroll over existing user succeeded without Overwrite")
	}
	if !result.UserExists {
		t.Error("UserExists not set")
	}
	if result.Existing == nil || result.Existing.Name != "Ada" {
		t.Fatalf("Existing = %+v, want the untouched record", result.Existing)
	}
	users, err := link.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if got := findByUserID(users, "1001"); got == nil || got.Name != "Ada" {
		t.Errorf("existing record mutated: %+v", got)
	}

	// Overwrite replaces the slot.
	result = link.EnrollUser(ctx, EnrollRequest{UserID: "1001", Name: "Ada II", Overwrite: true})
	if !result.OK {
		t.Fatalf("overwrite enroll failed: %s", result.Message)
	}
	users, err = link.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	got := findByUserID(users, "1001")
	if got == nil || got.Name != "Ada II" {
		t.Fatalf("overwrite did not replace record: %+v", got)
	}
	count := 0
	for _, user := range users {
		if user.UserID == "1001" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("overwrite left %d records for user 1001, want 1", count)
	}
	if !driver.Enabled() {
		t.Error("terminal left disabled after enroll")
	}
}

func TestDirectLinkEnrollDriverFailure(t *testing.T) {
	driver := NewMemDriver(Capabilities{})
	link := newTestLink(t, driver)

	driver.FailOn("set_user", errors.New("flash write failed"))
	result := link.EnrollUser(context.Background(), EnrollRequest{UserID: "1001", Name: "Ada"})
	if result.OK {
		t.Fatal("enroll succeeded despite driver failure")
	}
	if result.Message == "" {
		t.Error("failure result carries no message")
	}
	if !driver.Enabled() {
		t.Error("terminal left disabled after failed enroll")
	}
}

func TestDirectLinkDeleteUser(t *testing.T) {
	driver := NewMemDriver(Capabilities{})
	driver.SeedUsers([]UserRecord{{UID: 3, UserID: "1001", Name: "Ada"}})
	link := newTestLink(t, driver)
	ctx := context.Background()

	result := link.DeleteUser(ctx, "1001")
	if !result.OK || !result.Found {
		t.Fatalf("DeleteUser = %+v, want OK and Found", result)
	}
	users, err := link.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("user table not empty after delete: %+v", users)
	}

	result = link.DeleteUser(ctx, "1001")
	if result.OK || result.Found {
		t.Errorf("deleting absent user = %+v, want not found", result)
	}
	if !driver.Enabled() {
		t.Error("terminal left disabled after delete")
	}
}

func TestDirectLinkConnectIdempotent(t *testing.T) {
	driver := NewMemDriver(Capabilities{})
	link := newTestLink(t, driver)

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if driver.Connects() != 1 {
		t.Errorf("driver connected %d times, want 1", driver.Connects())
	}
}
