package pool

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"golang.org/x/net/proxy"
)

// Transport abstracts the websocket implementation so pool logic never
// touches a concrete dialer. Conn must be safe for one concurrent
// reader and one concurrent writer.
type Transport interface {
	Connect(ctx context.Context, relayURL string) (Conn, error)
}

// Conn is one established frame connection.
type Conn interface {
	// ReadMessage blocks for the next text frame.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one text frame.
	WriteMessage(data []byte) error
	// Close tears the connection down.
	Close() error
}

// WebSocketTransport is the default Transport on gorilla/websocket.
type WebSocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebSocketTransport builds the default transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// NewProxyTransport routes connections through a SOCKS5 proxy.
func NewProxyTransport(proxyAddr string) (*WebSocketTransport, error) {
	socksDialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			NetDial:          socksDialer.Dial,
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

func (t *WebSocketTransport) Connect(ctx context.Context, relayURL string) (Conn, error) {
	if _, err := url.Parse(relayURL); err != nil {
		return nil, err
	}
	conn, _, err := t.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
