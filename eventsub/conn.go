package eventsub

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chatgate/telemetry"
)

const (
	readLimit      = 1 << 20
	closeWriteWait = time.Second
)

// conn is one gateway socket. Its welcome fields are only touched by its own
// read loop.
type conn struct {
	id  string
	url string
	ws  *websocket.Conn

	sessionID string
	keepalive time.Duration
	welcomed  bool

	closeOnce sync.Once
	onClose   func()
}

func dial(ctx context.Context, dialer *websocket.Dialer, url string) (*conn, error) {
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(readLimit)
	c := &conn{id: uuid.NewString(), url: url, ws: ws}
	telemetry.AddGauge(telemetry.OpenSockets, 1)
	return c, nil
}

// read waits up to timeout for the next data frame.
func (c *conn) read(timeout time.Duration) ([]byte, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// close sends a close frame, then closes the socket regardless of whether the
// frame was written. Safe to call more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait),
		)
		_ = c.ws.Close()
		telemetry.AddGauge(telemetry.OpenSockets, -1)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
