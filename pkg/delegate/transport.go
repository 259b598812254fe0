package delegate

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// defaultWriteTimeout bounds a single WebSocket write. A peer that cannot
// drain within this window is treated as gone.
const defaultWriteTimeout = 10 * time.Second

// wsConn adapts a WebSocket connection to the Conn seam the handler and
// the reliable channel speak.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSConn wraps an accepted WebSocket connection.
func NewWSConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn, writeTimeout: defaultWriteTimeout}
}

func (w *wsConn) Send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code int, reason string) {
	_ = w.conn.Close(websocket.StatusCode(code), reason)
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}
