// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// maxInboundMessage bounds a single inbound envelope. Command payloads
// are small; anything larger is a protocol violation.
const maxInboundMessage = 1 << 20

// WebsocketDialer returns the production Dialer.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, wsURL string, header http.Header) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: header,
		})
		if err != nil {
			return nil, fmt.Errorf("bridge: websocket dial: %w", err)
		}
		conn.SetReadLimit(maxInboundMessage)
		return &wsConn{conn: conn}, nil
	}
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Read returns the next message. A normal or going-away close maps to
// io.EOF so the reconnect loop can tell clean shutdown from failure.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Close force-closes the connection. Shutdown must not wait on a
// close handshake with an unreachable peer.
func (c *wsConn) Close() error {
	return c.conn.CloseNow()
}
