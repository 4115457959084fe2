package feed

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"doorwatch/common/logger"
	"doorwatch/common/ws"
)

// Endpoint describes where the live feed is served.
type Endpoint struct {
	BaseURL            string
	Token              string
	ClientID           string
	InsecureSkipVerify bool
}

// Feed endpoint paths.
const (
	PathWebSocket = "/api/events/ws"
	PathStream    = "/api/events/stream"
)

func (e Endpoint) header() http.Header {
	h := http.Header{}
	if e.Token != "" {
		h.Set("Authorization", "Bearer "+e.Token)
	}
	if e.ClientID != "" {
		h.Set("X-Client-ID", e.ClientID)
	}
	return h
}

func (e Endpoint) tlsConfig() *tls.Config {
	if !e.InsecureSkipVerify {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}

// WebSocketOptions tunes the primary transport.
type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// ReadTimeout is how long the socket may stay silent (no frame, no pong)
	// before it is considered dead.
	ReadTimeout time.Duration
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 70 * time.Second
	}
	return o
}

// WebSocketTransport is the primary push transport.
type WebSocketTransport struct {
	endpoint Endpoint
	opts     WebSocketOptions
	log      logger.Interface

	mu           sync.Mutex
	conn         *ws.Conn
	closed       bool
	lastActivity time.Time
}

// NewWebSocketTransport returns a factory producing primary transports.
func NewWebSocketTransport(endpoint Endpoint, opts WebSocketOptions, log logger.Interface) Factory {
	return func() Transport {
		return &WebSocketTransport{endpoint: endpoint, opts: opts.withDefaults(), log: logger.OrNop(log)}
	}
}

func (t *WebSocketTransport) Kind() TransportKind { return Primary }

func (t *WebSocketTransport) Open(ctx context.Context, h Handler) error {
	u, err := ws.HTTPToWS(t.endpoint.BaseURL, PathWebSocket)
	if err != nil {
		return err
	}
	go t.run(ctx, u.String(), h)
	return nil
}

func (t *WebSocketTransport) run(ctx context.Context, urlStr string, h Handler) {
	conn, resp, err := ws.Dial(urlStr, t.endpoint.header(), t.endpoint.tlsConfig(), t.opts.HandshakeTimeout)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			err = fmt.Errorf("websocket dial failed (status %d, body %q): %w", resp.StatusCode, body, err)
		} else {
			err = fmt.Errorf("websocket dial failed: %w", err)
		}
		h.OnClose(err)
		return
	}

	t.mu.Lock()
	if t.closed || ctx.Err() != nil {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.lastActivity = time.Now()
	t.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		t.touch()
		return conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	})

	h.OnOpen()
	go t.pingLoop(ctx, conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
		raw, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return
			}
			if ws.IsNormalClose(err) {
				t.log.Info("Live feed websocket closed by server")
			}
			h.OnClose(fmt.Errorf("websocket read: %w", err))
			return
		}
		t.touch()
		h.OnFrame(raw)
	}
}

func (t *WebSocketTransport) pingLoop(ctx context.Context, conn *ws.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WritePing(10 * time.Second); err != nil {
				t.log.Debug("Websocket ping failed", "error", err)
				return
			}
		}
	}
}

func (t *WebSocketTransport) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *WebSocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Alive reports whether the socket is open and heard from within ReadTimeout.
func (t *WebSocketTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.conn != nil && time.Since(t.lastActivity) < t.opts.ReadTimeout
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.CloseGracefully(time.Second)
}
