// Package ws holds the live-feed wire format and a small wrapper around
// gorilla/websocket connections.
package ws

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errClosed = errors.New("websocket: connection is closed")

// Conn is a thin wrapper around *websocket.Conn. Writes are serialized because
// gorilla connections panic on concurrent writers.
type Conn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

// Dial connects to a ws/wss URL. tlsCfg may be nil.
func Dial(urlStr string, header http.Header, tlsCfg *tls.Config, handshakeTimeout time.Duration) (*Conn, *http.Response, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, nil, fmt.Errorf("URL scheme must be ws or wss, got %q", parsed.Scheme)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout, TLSClientConfig: tlsCfg}
	c, resp, err := dialer.Dial(parsed.String(), header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// UpgradeHTTP upgrades an incoming request with a permissive origin check.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// HTTPToWS rewrites an http(s) base URL to ws(s) and sets the path.
func HTTPToWS(base string, path string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}
	u.Path = path
	return u, nil
}

// ReadFrame reads the next data message.
func (cw *Conn) ReadFrame() ([]byte, error) {
	if cw == nil || cw.c == nil {
		return nil, errClosed
	}
	_, msg, err := cw.c.ReadMessage()
	return msg, err
}

// WriteMessage writes msg as JSON with a write deadline.
func (cw *Conn) WriteMessage(msg *Message, timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errClosed
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteJSON(msg)
}

// WriteRaw writes raw bytes as a text message.
func (cw *Conn) WriteRaw(b []byte, timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errClosed
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(websocket.TextMessage, b)
}

// WritePing sends a ping control frame.
func (cw *Conn) WritePing(timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errClosed
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()
	return cw.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// CloseGracefully sends a normal-closure frame before closing.
func (cw *Conn) CloseGracefully(timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return nil
	}
	cw.writeMu.Lock()
	_ = cw.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(timeout))
	cw.writeMu.Unlock()
	return cw.c.Close()
}

// Close closes the underlying connection.
func (cw *Conn) Close() error {
	if cw == nil || cw.c == nil {
		return nil
	}
	return cw.c.Close()
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (cw *Conn) SetReadDeadline(t time.Time) error {
	if cw == nil || cw.c == nil {
		return errClosed
	}
	return cw.c.SetReadDeadline(t)
}

// SetPongHandler sets the pong handler.
func (cw *Conn) SetPongHandler(h func(string) error) {
	if cw == nil || cw.c == nil {
		return
	}
	cw.c.SetPongHandler(h)
}

// IsNormalClose reports whether err is a normal/going-away close from the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
