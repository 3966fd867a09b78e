// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/timebridge-io/timebridge/lib/clock"
	"github.com/timebridge-io/timebridge/lib/config"
	"github.com/timebridge-io/timebridge/terminal"
)

type fakePublisher struct {
	mu        sync.Mutex
	events    []terminal.AttendanceEvent
	failAfter int // fail every publish once this many have succeeded; 0 means never
}

func (p *fakePublisher) PublishEvent(ctx context.Context, event terminal.AttendanceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter > 0 && len(p.events) >= p.failAfter {
		return errors.New("queue rejected message")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) published() []terminal.AttendanceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]terminal.AttendanceEvent(nil), p.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func directFactory(driver *terminal.MemDriver) LinkFactory {
	return func(device config.Device) (terminal.Link, error) {
		return terminal.NewDirectLink(terminal.DirectConfig{
			DeviceID: device.ID,
			Driver:   driver,
			Logger:   discardLogger(),
		}), nil
	}
}

func testDevice(id string) config.Device {
	return config.Device{
		ID:           id,
		Name:         "Door " + id,
		Transport:    config.TransportDirect,
		Address:      "192.0.2.10",
		Port:         4370,
		CloudEnabled: true,
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 1, hour, minute, 0, 0, time.UTC)
}

func TestSchedulerSyncDevice(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{})
	driver.SeedUsers([]terminal.UserRecord{
		{UID: 1, UserID: "1", Name: "Alice"},
		{UID: 2, UserID: "2", Name: "Bob"},
	})
	driver.SeedPunches([]terminal.Punch{
		{UserID: "1", Timestamp: at(9, 1), Code: 0},
		{UserID: "1", Timestamp: at(17, 5), Code: 1},
		{UserID: "2", Timestamp: at(13, 0), Code: 2},
	})

	publisher := &fakePublisher{}
	checkpoints, _ := LoadCheckpoints("")
	scheduler := New(Config{
		Devices:     []config.Device{testDevice("181")},
		Publisher:   publisher,
		Links:       directFactory(driver),
		Checkpoints: checkpoints,
		Clock:       clock.Fake(at(18, 0)),
		Logger:      discardLogger(),
	})
	defer scheduler.Close()

	processed, err := scheduler.SyncNow(context.Background(), "181")
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if processed != 3 {
		t.Fatalf("processed = %d, want 3", processed)
	}

	events := publisher.published()
	wantVerifications := []terminal.VerificationType{terminal.CheckIn, terminal.OvertimeIn, terminal.CheckOut}
	for i, want := range wantVerifications {
		if events[i].Verification != want {
			t.Errorf("event %d verification = %q, want %q", i, events[i].Verification, want)
		}
	}
	// Ascending order, and the checkpoint lands on the newest event.
	if !events[0].Timestamp.Equal(at(9, 1)) || !events[2].Timestamp.Equal(at(17, 5)) {
		t.Errorf("event order wrong: %v", events)
	}
	checkpoint, ok := checkpoints.Get("181")
	if !ok || !checkpoint.Equal(at(17, 5)) {
		t.Fatalf("checkpoint = %v, %v; want 17:05", checkpoint, ok)
	}

	// Nothing new: the next run publishes nothing and the checkpoint
	// stays put.
	processed, err = scheduler.SyncNow(context.Background(), "181")
	if err != nil {
		t.Fatalf("second SyncNow: %v", err)
	}
	if processed != 0 {
		t.Errorf("second run processed = %d, want 0", processed)
	}
	if len(publisher.published()) != 3 {
		t.Errorf("events republished: %d total", len(publisher.published()))
	}
}

func TestSchedulerMidBatchFailure(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{})
	driver.SeedPunches([]terminal.Punch{
		{UserID: "1", Timestamp: at(9, 0), Code: 0},
		{UserID: "1", Timestamp: at(12, 0), Code: 1},
		{UserID: "1", Timestamp: at(17, 0), Code: 0},
	})

	publisher := &fakePublisher{failAfter: 1}
	checkpoints, _ := LoadCheckpoints("")
	scheduler := New(Config{
		Devices:     []config.Device{testDevice("181")},
		Publisher:   publisher,
		Links:       directFactory(driver),
		Checkpoints: checkpoints,
		Clock:       clock.Fake(at(18, 0)),
		Logger:      discardLogger(),
	})
	defer scheduler.Close()

	processed, err := scheduler.SyncNow(context.Background(), "181")
	if err == nil {
		t.Fatal("SyncNow succeeded despite publish failure")
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}
	// The checkpoint stops at the last accepted event, not at "now"
	// and not at the failed batch's end.
	checkpoint, ok := checkpoints.Get("181")
	if !ok || !checkpoint.Equal(at(9, 0)) {
		t.Fatalf("checkpoint = %v, want 09:00", checkpoint)
	}

	// Recovery refetches exactly the unpublished remainder.
	publisher.mu.Lock()
	publisher.failAfter = 0
	publisher.mu.Unlock()
	processed, err = scheduler.SyncNow(context.Background(), "181")
	if err != nil {
		t.Fatalf("recovery SyncNow: %v", err)
	}
	if processed != 2 {
		t.Fatalf("recovery processed = %d, want 2", processed)
	}
	events := publisher.published()
	if len(events) != 3 || !events[1].Timestamp.Equal(at(12, 0)) {
		t.Fatalf("recovered events = %v", events)
	}
}

func TestSchedulerUnknownDevice(t *testing.T) {
	checkpoints, _ := LoadCheckpoints("")
	scheduler := New(Config{
		Devices:     []config.Device{testDevice("181")},
		Publisher:   &fakePublisher{},
		Links:       directFactory(terminal.NewMemDriver(terminal.Capabilities{})),
		Checkpoints: checkpoints,
		Clock:       clock.Fake(at(9, 0)),
		Logger:      discardLogger(),
	})
	defer scheduler.Close()

	if _, err := scheduler.SyncNow(context.Background(), "999"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("error = %v, want ErrUnknownDevice", err)
	}
}

// blockingLink lets a test hold a sync in flight: FetchAttendanceSince
// signals entry and then waits for release.
type blockingLink struct {
	terminal.Link
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLink) Connect(ctx context.Context) error { return nil }
func (l *blockingLink) Connected() bool                   { return true }
func (l *blockingLink) Ping(ctx context.Context) error    { return nil }
func (l *blockingLink) Disconnect() error                 { return nil }

func (l *blockingLink) FetchAttendanceSince(ctx context.Context, since *time.Time) ([]terminal.AttendanceEvent, error) {
	l.entered <- struct{}{}
	<-l.release
	return nil, nil
}

func TestSchedulerSingleFlight(t *testing.T) {
	link := &blockingLink{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	checkpoints, _ := LoadCheckpoints("")
	scheduler := New(Config{
		Devices:     []config.Device{testDevice("181")},
		Publisher:   &fakePublisher{},
		Links:       func(config.Device) (terminal.Link, error) { return link, nil },
		Checkpoints: checkpoints,
		Clock:       clock.Fake(at(9, 0)),
		Logger:      discardLogger(),
	})
	defer scheduler.Close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := scheduler.SyncNow(context.Background(), "181")
		firstDone <- err
	}()
	<-link.entered

	// The first run holds the slot; a second must refuse, not stack.
	if _, err := scheduler.SyncNow(context.Background(), "181"); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("concurrent SyncNow error = %v, want ErrSyncInFlight", err)
	}

	close(link.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first sync: %v", err)
	}
}

func TestSchedulerRebuildsFailedLink(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{})
	builds := 0
	factory := func(device config.Device) (terminal.Link, error) {
		builds++
		return terminal.NewDirectLink(terminal.DirectConfig{
			DeviceID: device.ID,
			Driver:   driver,
			Logger:   discardLogger(),
		}), nil
	}

	checkpoints, _ := LoadCheckpoints("")
	scheduler := New(Config{
		Devices:     []config.Device{testDevice("181")},
		Publisher:   &fakePublisher{},
		Links:       factory,
		Checkpoints: checkpoints,
		Clock:       clock.Fake(at(9, 0)),
		Logger:      discardLogger(),
	})
	defer scheduler.Close()

	if _, err := scheduler.SyncNow(context.Background(), "181"); err != nil {
		t.Fatalf("first SyncNow: %v", err)
	}
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}

	// Healthy cached link is reused.
	if _, err := scheduler.SyncNow(context.Background(), "181"); err != nil {
		t.Fatalf("second SyncNow: %v", err)
	}
	if builds != 1 {
		t.Fatalf("builds = %d after reuse, want 1", builds)
	}

	// A failing health probe forces a rebuild. The replacement link
	// connects fresh, so the failing ping does not block it.
	driver.FailOn("ping", errors.New("session lost"))
	_, err := scheduler.SyncNow(context.Background(), "181")
	driver.ClearFailure("ping")
	if err != nil {
		t.Fatalf("SyncNow with failed probe: %v", err)
	}
	if builds != 2 {
		t.Fatalf("builds = %d, want 2 after probe failure", builds)
	}
}

func TestSchedulerTickHonorsInterval(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{})
	clk := clock.Fake(at(9, 0))

	publisher := &fakePublisher{}
	checkpoints, _ := LoadCheckpoints("")
	device := testDevice("181")
	device.SyncInterval = config.Duration(time.Minute)

	scheduler := New(Config{
		Devices:     []config.Device{device},
		Tick:        15 * time.Second,
		Publisher:   publisher,
		Links:       directFactory(driver),
		Checkpoints: checkpoints,
		Clock:       clk,
		Logger:      discardLogger(),
	})
	defer scheduler.Close()

	driver.SeedPunches([]terminal.Punch{{UserID: "1", Timestamp: at(8, 59), Code: 0}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()
	defer func() { cancel(); <-done }()

	clk.WaitForTimers(1)
	clk.Advance(15 * time.Second)
	waitForCondition(t, func() bool { return len(publisher.published()) == 1 }, "first tick never synced")

	// Within the interval: another tick does nothing even though a
	// new punch exists.
	driver.AddPunch(terminal.Punch{UserID: "1", Timestamp: at(9, 10), Code: 1})
	clk.Advance(15 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := len(publisher.published()); got != 1 {
		t.Fatalf("device synced inside its interval: %d events", got)
	}

	// Once the full minute elapses, the device is due again.
	clk.Advance(45 * time.Second)
	waitForCondition(t, func() bool { return len(publisher.published()) == 2 }, "device never resynced after interval")
}

func waitForCondition(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(message)
}
