package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-delivery-plane/backend/internal/connection"
)

const writeTimeout = 10 * time.Second

// wsTransport adapts a websocket connection to the supervisor's framed
// transport. Frames are JSON text messages.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

// ReadFrame blocks on the socket. Cancellation happens through Close, which
// fails the pending read; the ctx parameter is checked only on entry.
func (t *wsTransport) ReadFrame(ctx context.Context) (*connection.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var f connection.Frame
	if err := t.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, f *connection.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
