package conn

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	maxFrameSize     = 1 << 20
)

// Socket is the minimal surface the manager needs from a websocket
// connection. *websocket.Conn satisfies it; tests inject fakes.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens one socket to the server.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials with gorilla/websocket and arms the keepalive
// handling: the server pings, we answer and push the read deadline forward.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	c, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(maxFrameSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPingHandler(func(appData string) error {
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	return wsSocket{c}, nil
}

// wsSocket applies the write deadline on every outbound frame.
type wsSocket struct {
	*websocket.Conn
}

func (s wsSocket) WriteJSON(v any) error {
	_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.Conn.WriteJSON(v)
}
