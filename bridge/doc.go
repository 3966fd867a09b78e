// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge maintains the persistent realtime connection to the
// cloud. It registers devices after each connect, reports heartbeats
// with queue statistics, publishes attendance events, and dispatches
// inbound device commands and sync requests to a Handler.
//
// Delivery is at-least-once. While the connection is down, outbound
// messages collect in a bounded drop-oldest queue; a periodic drain
// walks the queue front-first and stops at the first failed send, so
// the relative order of undelivered messages survives reconnects.
// Undelivered messages are spooled to disk on shutdown and restored
// on the next start.
//
// The reconnect loop runs forever: a short delay follows a clean
// close, a longer one follows an error, and there is no give-up path.
package bridge
