// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timebridge-io/timebridge/lib/clock"
	"github.com/timebridge-io/timebridge/lib/secret"
	"github.com/timebridge-io/timebridge/security"
)

// RelayConfig configures a RelayLink.
type RelayConfig struct {
	DeviceID string

	// BaseURL is the cloud API root (e.g.
	// "https://cloud.example.com/api/v1").
	BaseURL string

	// OrganizationID is sent as the X-Organization-ID header.
	OrganizationID string

	// APIKey is the bearer key for every request.
	APIKey *secret.Buffer

	// Signer produces the signature/timestamp pair each request
	// carries.
	Signer *security.Signer

	// Timeout bounds each HTTP request. Zero means 30s.
	Timeout time.Duration

	// HTTPClient overrides the transport. Nil means a client with
	// Timeout.
	HTTPClient *http.Client

	// Clock stamps signatures. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured output. Nil means slog.Default().
	Logger *slog.Logger
}

// RelayLink reaches a terminal through the cloud API instead of a
// local session. It never touches a local socket; "connecting" means a
// successful probe of the device's cloud presence.
type RelayLink struct {
	deviceID       string
	baseURL        string
	organizationID string
	apiKey         *secret.Buffer
	signer         *security.Signer
	httpClient     *http.Client
	clock          clock.Clock
	logger         *slog.Logger

	mu        sync.Mutex
	connected bool
}

// Compile-time check: *RelayLink implements Link.
var _ Link = (*RelayLink)(nil)

// APIError is a non-2xx response from the cloud API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("terminal: cloud API error %d: %s", e.StatusCode, e.Message)
}

// NewRelayLink creates a RelayLink.
func NewRelayLink(cfg RelayConfig) *RelayLink {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayLink{
		deviceID:       cfg.DeviceID,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		organizationID: cfg.OrganizationID,
		apiKey:         cfg.APIKey,
		signer:         cfg.Signer,
		httpClient:     httpClient,
		clock:          clk,
		logger:         logger.With("component", "terminal", "device_id", cfg.DeviceID, "transport", "relay"),
	}
}

// Connect probes the device through the cloud and marks the link
// usable.
func (l *RelayLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected {
		return nil
	}
	if err := l.probe(ctx); err != nil {
		return err
	}
	l.connected = true
	return nil
}

// Disconnect marks the link unusable. There is no session to close.
func (l *RelayLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

// Connected reports link state.
func (l *RelayLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Ping re-probes the device's cloud presence.
func (l *RelayLink) Ping(ctx context.Context) error {
	if !l.Connected() {
		return ErrNotConnected
	}
	return l.probe(ctx)
}

func (l *RelayLink) probe(ctx context.Context) error {
	var ignored struct{}
	return l.get(ctx, fmt.Sprintf("/devices/%s/users", url.PathEscape(l.deviceID)), &ignored)
}

// ListUsers fetches the device's user table through the cloud.
func (l *RelayLink) ListUsers(ctx context.Context) ([]UserRecord, error) {
	if !l.Connected() {
		return nil, ErrNotConnected
	}
	var response struct {
		Users []UserRecord `json:"users"`
	}
	path := fmt.Sprintf("/devices/%s/users", url.PathEscape(l.deviceID))
	if err := l.get(ctx, path, &response); err != nil {
		return nil, err
	}
	return response.Users, nil
}

// FetchAttendanceSince fetches events through the cloud. The server
// filters on since, but the strict-greater-than contract is enforced
// here as well — the boundary does not trust remote filtering.
func (l *RelayLink) FetchAttendanceSince(ctx context.Context, since *time.Time) ([]AttendanceEvent, error) {
	if !l.Connected() {
		return nil, ErrNotConnected
	}

	path := fmt.Sprintf("/devices/%s/attendance", url.PathEscape(l.deviceID))
	if since != nil {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	var response struct {
		Events []AttendanceEvent `json:"events"`
	}
	if err := l.get(ctx, path, &response); err != nil {
		return nil, err
	}

	events := filterSince(response.Events, since)
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// EnrollUser relays an enroll command. The cloud applies the same
// lookup/overwrite semantics as a direct session.
func (l *RelayLink) EnrollUser(ctx context.Context, request EnrollRequest) EnrollResult {
	if !l.Connected() {
		return EnrollResult{Message: ErrNotConnected.Error()}
	}

	payload := map[string]any{
		"command":   "enroll_user",
		"user_id":   request.UserID,
		"name":      request.Name,
		"privilege": request.Privilege,
		"password":  request.Password,
		"group_id":  request.GroupID,
		"overwrite": request.Overwrite,
	}
	var result EnrollResult
	if err := l.command(ctx, payload, &result); err != nil {
		return EnrollResult{Message: err.Error()}
	}
	return result
}

// DeleteUser relays a delete command.
func (l *RelayLink) DeleteUser(ctx context.Context, userID string) DeleteResult {
	if !l.Connected() {
		return DeleteResult{Message: ErrNotConnected.Error()}
	}

	payload := map[string]any{
		"command": "delete_user",
		"user_id": userID,
	}
	var result DeleteResult
	if err := l.command(ctx, payload, &result); err != nil {
		return DeleteResult{Message: err.Error()}
	}
	return result
}

// SetEnabled relays an enable/disable command.
func (l *RelayLink) SetEnabled(ctx context.Context, enabled bool) error {
	if !l.Connected() {
		return ErrNotConnected
	}

	payload := map[string]any{
		"command": "set_enabled",
		"enabled": enabled,
	}
	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := l.command(ctx, payload, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("terminal: set_enabled rejected: %s", result.Message)
	}
	return nil
}

// SyncAttendance asks the cloud to trigger an on-demand sync of this
// device. Returns the number of events the agent reported processing.
func (l *RelayLink) SyncAttendance(ctx context.Context, since *time.Time) (int, error) {
	if !l.Connected() {
		return 0, ErrNotConnected
	}

	payload := map[string]any{
		"command": "sync_attendance",
	}
	if since != nil {
		payload["since"] = since.UTC().Format(time.RFC3339Nano)
	}
	var result struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		Processed int    `json:"processed"`
	}
	if err := l.command(ctx, payload, &result); err != nil {
		return 0, err
	}
	if !result.Success {
		return 0, fmt.Errorf("terminal: sync_attendance rejected: %s", result.Message)
	}
	return result.Processed, nil
}

// ClearAttendance relays a clear command.
func (l *RelayLink) ClearAttendance(ctx context.Context) error {
	if !l.Connected() {
		return ErrNotConnected
	}

	payload := map[string]any{
		"command": "clear_attendance",
	}
	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := l.command(ctx, payload, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("terminal: clear_attendance rejected: %s", result.Message)
	}
	return nil
}

// command POSTs to the device's command endpoint and decodes the
// result.
func (l *RelayLink) command(ctx context.Context, payload map[string]any, result any) error {
	path := fmt.Sprintf("/devices/%s/command", url.PathEscape(l.deviceID))
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("terminal: encoding command: %w", err)
	}
	return l.do(ctx, http.MethodPost, path, body, result)
}

func (l *RelayLink) get(ctx context.Context, path string, result any) error {
	return l.do(ctx, http.MethodGet, path, nil, result)
}

// do issues one signed request. Every request carries the bearer API
// key, the organization header, and a signature/timestamp pair over
// method, path, and body.
func (l *RelayLink) do(ctx context.Context, method, path string, body []byte, result any) error {
	fullURL := l.baseURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("terminal: building request: %w", err)
	}

	timestamp := l.clock.Now().Unix()
	request.Header.Set("Authorization", "Bearer "+l.apiKey.String())
	request.Header.Set("X-Organization-ID", l.organizationID)
	request.Header.Set("X-Timestamp", fmt.Sprintf("%d", timestamp))
	request.Header.Set("X-Signature", l.signer.Sign(method, path, body, timestamp))
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := l.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("terminal: cloud request failed: %w", err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("terminal: reading cloud response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(responseBody))
		var structured struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(responseBody, &structured) == nil && structured.Message != "" {
			message = structured.Message
		}
		return &APIError{StatusCode: response.StatusCode, Message: message}
	}

	if result != nil && len(responseBody) > 0 {
		if err := json.Unmarshal(responseBody, result); err != nil {
			return fmt.Errorf("terminal: malformed cloud response: %w", err)
		}
	}
	return nil
}
