package cable

import (
	"context"
	"net/http"

	"spacechat/internal/constants"

	"github.com/coder/websocket"
)

// Subprotocol negotiated with ActionCable-compatible servers
const Subprotocol = "actioncable-v1-json"

// Conn is one established live connection
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens live connections. A Transport without a Dialer has no live capability.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with github.com/coder/websocket
type WebsocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{ReadLimit: constants.DefaultCableReadLimitBytes}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		return c.conn.CloseNow()
	}
	return nil
}
