// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/timebridge-io/timebridge/terminal"
)

// Realtime channel message types. Outbound types are produced by the
// encode helpers below; inbound types arrive from the cloud and are
// dispatched by the bridge's read loop.
const (
	TypeDeviceRegister    = "device_register"
	TypeHeartbeat         = "heartbeat"
	TypeAttendanceRecord  = "attendance_record"
	TypeCommandResponse   = "command_response"
	TypeDeviceCommand     = "device_command"
	TypeSyncRequest       = "sync_request"
	TypeHeartbeatResponse = "heartbeat_response"
)

// registerEnvelope announces one cloud-enabled device after connect.
type registerEnvelope struct {
	Type       string    `json:"type"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	Transport  string    `json:"transport"`
	Timestamp  time.Time `json:"timestamp"`
}

// EncodeRegister builds a device_register envelope.
func EncodeRegister(deviceID, deviceName, transport string, now time.Time) ([]byte, error) {
	return json.Marshal(registerEnvelope{
		Type:       TypeDeviceRegister,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Transport:  transport,
		Timestamp:  now,
	})
}

// heartbeatEnvelope carries liveness plus queue stats.
type heartbeatEnvelope struct {
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	QueueDepth  int       `json:"queue_depth"`
	DeviceCount int       `json:"device_count"`
	Evicted     uint64    `json:"evicted"`
}

// EncodeHeartbeat builds a heartbeat envelope.
func EncodeHeartbeat(now time.Time, queueDepth, deviceCount int, evicted uint64) ([]byte, error) {
	return json.Marshal(heartbeatEnvelope{
		Type:        TypeHeartbeat,
		Timestamp:   now,
		QueueDepth:  queueDepth,
		DeviceCount: deviceCount,
		Evicted:     evicted,
	})
}

// attendanceEnvelope publishes one synchronized attendance event.
type attendanceEnvelope struct {
	Type             string                    `json:"type"`
	DeviceID         string                    `json:"device_id"`
	Timestamp        time.Time                 `json:"timestamp"`
	UserID           string                    `json:"user_id"`
	RecordedAt       time.Time                 `json:"recorded_at"`
	VerificationType terminal.VerificationType `json:"verification_type"`
	Status           int                       `json:"status"`
	VerifyMethod     int                       `json:"verify_method"`
	Key              string                    `json:"dedup_key"`
}

// EncodeAttendance builds an attendance_record envelope. The dedup key
// rides along so the cloud can upsert without recomputing it.
func EncodeAttendance(event terminal.AttendanceEvent, now time.Time) ([]byte, error) {
	return json.Marshal(attendanceEnvelope{
		Type:             TypeAttendanceRecord,
		DeviceID:         event.DeviceID,
		Timestamp:        now,
		UserID:           event.UserID,
		RecordedAt:       event.Timestamp,
		VerificationType: event.Verification,
		Status:           event.RawStatus,
		VerifyMethod:     event.VerifyMethod,
		Key:              event.Key(),
	})
}

// responseEnvelope answers an inbound device_command.
type responseEnvelope struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Command   string    `json:"command"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// EncodeCommandResponse builds a command_response envelope.
func EncodeCommandResponse(cmd DeviceCommand, outcome CommandOutcome, now time.Time) ([]byte, error) {
	return json.Marshal(responseEnvelope{
		Type:      TypeCommandResponse,
		DeviceID:  cmd.DeviceID,
		Timestamp: now,
		RequestID: cmd.RequestID,
		Command:   cmd.Command,
		Success:   outcome.OK,
		Message:   outcome.Message,
		Payload:   outcome.Payload,
	})
}

// DeviceCommand is an inbound command targeting one device. Enroll and
// delete carry the relevant user fields; the rest need only the
// command name.
type DeviceCommand struct {
	DeviceID  string `json:"device_id"`
	Command   string `json:"command"`
	RequestID string `json:"request_id,omitempty"`

	// Enroll is present for enroll_user.
	Enroll *terminal.EnrollRequest `json:"user,omitempty"`

	// UserID is present for delete_user.
	UserID string `json:"user_id,omitempty"`

	// Since is present for sync_attendance to override the
	// checkpoint. Optional.
	Since *time.Time `json:"since,omitempty"`
}

// SyncRequest asks the scheduler to run now. An empty DeviceID means
// every cloud-enabled device.
type SyncRequest struct {
	DeviceID string `json:"device_id,omitempty"`
}

// CommandOutcome is what a Handler returns for a device_command; the
// bridge wraps it in a command_response envelope.
type CommandOutcome struct {
	OK      bool
	Message string
	Payload any
}

// envelopeHeader is the first-pass decode of any inbound message.
type envelopeHeader struct {
	Type string `json:"type"`
}

func decodeHeader(data []byte) (string, error) {
	var header envelopeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return "", fmt.Errorf("bridge: malformed envelope: %w", err)
	}
	if header.Type == "" {
		return "", fmt.Errorf("bridge: envelope missing type")
	}
	return header.Type, nil
}
