package broker

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn wraps an upgraded WebSocket with a write mutex. Reads stay on the
// owning handler goroutine; writes come from both the handler (acks) and the
// consumer back-path (forwarded predictions), so frames must not interleave.
type wsConn struct {
	conn net.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn net.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// SendJSON marshals v and writes it as one text frame.
func (c *wsConn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerText(c.conn, data)
}

// closeWithStatus sends a close frame with the given status code, then closes
// the socket. Used for 1008 auth rejections.
func (c *wsConn) closeWithStatus(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	_ = ws.WriteFrame(c.conn, frame)
	c.writeMu.Unlock()
	return c.Close()
}

// Close closes the underlying socket. Safe to call more than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
