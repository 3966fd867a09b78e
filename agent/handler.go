// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/timebridge-io/timebridge/bridge"
	"github.com/timebridge-io/timebridge/enroll"
	"github.com/timebridge-io/timebridge/lib/config"
	"github.com/timebridge-io/timebridge/syncer"
	"github.com/timebridge-io/timebridge/terminal"
)

// attendanceClearer is satisfied by both link implementations.
// Clearing is not part of the Link interface because it is the one
// destructive bulk operation; callers opt in explicitly.
type attendanceClearer interface {
	ClearAttendance(ctx context.Context) error
}

// HandleCommand executes one cloud-issued device command and returns
// the outcome the bridge reports back.
func (a *Agent) HandleCommand(ctx context.Context, cmd bridge.DeviceCommand) bridge.CommandOutcome {
	switch cmd.Command {
	case "get_users":
		link, err := a.link(ctx, cmd.DeviceID)
		if err != nil {
			return bridge.CommandOutcome{Message: err.Error()}
		}
		users, err := link.ListUsers(ctx)
		if err != nil {
			return bridge.CommandOutcome{Message: err.Error()}
		}
		return bridge.CommandOutcome{OK: true, Payload: map[string]any{"users": users}}

	case "sync_attendance":
		processed, err := a.syncCommand(ctx, cmd)
		if err != nil {
			return bridge.CommandOutcome{Message: err.Error()}
		}
		return bridge.CommandOutcome{OK: true, Payload: map[string]any{"processed": processed}}

	case "clear_attendance":
		link, err := a.link(ctx, cmd.DeviceID)
		if err != nil {
			return bridge.CommandOutcome{Message: err.Error()}
		}
		clearer, ok := link.(attendanceClearer)
		if !ok {
			return bridge.CommandOutcome{Message: fmt.Sprintf("device %s does not support clearing", cmd.DeviceID)}
		}
		if err := clearer.ClearAttendance(ctx); err != nil {
			return bridge.CommandOutcome{Message: err.Error()}
		}
		return bridge.CommandOutcome{OK: true}

	case "enroll_user":
		if cmd.Enroll == nil {
			return bridge.CommandOutcome{Message: "enroll_user command carries no user"}
		}
		result := a.EnrollUser(ctx, cmd.DeviceID, *cmd.Enroll)
		return bridge.CommandOutcome{OK: result.OK, Message: result.Message, Payload: result}

	case "delete_user":
		result := a.DeleteUser(ctx, cmd.DeviceID, cmd.UserID)
		return bridge.CommandOutcome{OK: result.OK, Message: result.Message, Payload: result}

	default:
		return bridge.CommandOutcome{Message: fmt.Sprintf("unknown command %q", cmd.Command)}
	}
}

// syncCommand runs a cloud-requested sync. A command with an explicit
// since bypasses the checkpoint for that one read; the checkpoint
// itself only ever advances.
func (a *Agent) syncCommand(ctx context.Context, cmd bridge.DeviceCommand) (int, error) {
	if cmd.Since == nil {
		return a.scheduler.SyncNow(ctx, cmd.DeviceID)
	}

	link, err := a.link(ctx, cmd.DeviceID)
	if err != nil {
		return 0, err
	}
	events, err := link.FetchAttendanceSince(ctx, cmd.Since)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, event := range events {
		if err := a.PublishEvent(ctx, event); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// HandleSyncRequest is the bridge's inbound sync trigger. In-flight
// devices are skipped, not errors: the cloud asked for freshness, and
// a sync already running delivers exactly that.
func (a *Agent) HandleSyncRequest(ctx context.Context, req bridge.SyncRequest) {
	processed, err := a.scheduler.SyncNow(ctx, req.DeviceID)
	switch {
	case errors.Is(err, syncer.ErrSyncInFlight):
		a.logger.Info("sync request ignored, already running", "device_id", req.DeviceID)
	case err != nil:
		a.logger.Error("requested sync failed",
			"device_id", req.DeviceID,
			"events", processed,
			"error", err,
		)
	default:
		a.logger.Info("requested sync complete",
			"device_id", req.DeviceID,
			"events", processed,
		)
	}
}

// SyncNow synchronizes one device, or every cloud-enabled device when
// deviceID is empty. Returns the number of events accepted for
// delivery.
func (a *Agent) SyncNow(ctx context.Context, deviceID string) (int, error) {
	return a.scheduler.SyncNow(ctx, deviceID)
}

// Users lists the users on one terminal.
func (a *Agent) Users(ctx context.Context, deviceID string) ([]terminal.UserRecord, error) {
	link, err := a.link(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return link.ListUsers(ctx)
}

// EnrollUser creates or replaces a user on one terminal.
func (a *Agent) EnrollUser(ctx context.Context, deviceID string, request terminal.EnrollRequest) terminal.EnrollResult {
	link, err := a.link(ctx, deviceID)
	if err != nil {
		return terminal.EnrollResult{Message: err.Error()}
	}
	return link.EnrollUser(ctx, request)
}

// DeleteUser removes a user from one terminal.
func (a *Agent) DeleteUser(ctx context.Context, deviceID string, userID string) terminal.DeleteResult {
	link, err := a.link(ctx, deviceID)
	if err != nil {
		return terminal.DeleteResult{Message: err.Error()}
	}
	return link.DeleteUser(ctx, userID)
}

// ClearAttendance wipes one terminal's attendance log.
func (a *Agent) ClearAttendance(ctx context.Context, deviceID string) error {
	link, err := a.link(ctx, deviceID)
	if err != nil {
		return err
	}
	clearer, ok := link.(attendanceClearer)
	if !ok {
		return fmt.Errorf("agent: device %s does not support clearing", deviceID)
	}
	return clearer.ClearAttendance(ctx)
}

// StartEnrollment begins a biometric capture on a direct-transport
// terminal. Relay devices enroll through EnrollUser only; capture
// needs the local session.
func (a *Agent) StartEnrollment(ctx context.Context, deviceID, userID string) enroll.Result {
	driver, result := a.captureDriver(ctx, deviceID)
	if driver == nil {
		return result
	}
	return a.coordinator.Start(ctx, driver, deviceID, userID)
}

// EndEnrollment finishes or abandons a capture and re-enables the
// terminal. Safe from any state.
func (a *Agent) EndEnrollment(ctx context.Context, deviceID string) enroll.Result {
	driver, result := a.captureDriver(ctx, deviceID)
	if driver == nil {
		return result
	}
	return a.coordinator.End(ctx, driver, deviceID)
}

// VerifyEnrollment confirms the user is visible on the terminal.
func (a *Agent) VerifyEnrollment(ctx context.Context, deviceID, userID string) enroll.Result {
	link, err := a.link(ctx, deviceID)
	if err != nil {
		return enroll.Result{Message: err.Error()}
	}
	return a.coordinator.Verify(ctx, link, deviceID, userID)
}

// EnrollmentState reports a device's enrollment phase.
func (a *Agent) EnrollmentState(deviceID string) enroll.State {
	return a.coordinator.StateOf(deviceID)
}

// captureDriver resolves a device to its vendor driver, connecting
// first. A nil driver means the result carries the failure.
func (a *Agent) captureDriver(ctx context.Context, deviceID string) (terminal.Driver, enroll.Result) {
	device, ok := a.devices[deviceID]
	if !ok {
		return nil, enroll.Result{Message: fmt.Sprintf("unknown device %q", deviceID)}
	}
	if device.Transport != config.TransportDirect {
		return nil, enroll.Result{Message: fmt.Sprintf("device %s: capture requires direct transport", deviceID)}
	}
	link, err := a.link(ctx, deviceID)
	if err != nil {
		return nil, enroll.Result{Message: err.Error()}
	}
	direct, ok := link.(*terminal.DirectLink)
	if !ok {
		return nil, enroll.Result{Message: fmt.Sprintf("device %s: capture requires direct transport", deviceID)}
	}
	return direct.Driver(), enroll.Result{}
}
