package transport

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// WebSocketDialer dials the peer over WebSocket.
type WebSocketDialer struct {
	// ReadLimit bounds a single frame. It sits above the envelope cap so that
	// oversized envelopes reach the session and are dropped there instead of
	// tearing down the connection.
	ReadLimit int64
}

// Dial opens a WebSocket connection.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
