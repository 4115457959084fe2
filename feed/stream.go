package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"doorwatch/common/logger"
)

// ErrStreamEnded is reported when the server closes the stream body.
var ErrStreamEnded = errors.New("event stream ended")

// StreamOptions tunes the fallback transport.
type StreamOptions struct {
	// IdleTimeout is how long the stream may stay silent before Alive
	// reports false. Servers send heartbeats or SSE comments well inside it.
	IdleTimeout time.Duration
	// MaxFrameBytes bounds a single frame.
	MaxFrameBytes int
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 70 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	return o
}

// StreamTransport is the fallback long-read transport: one GET whose body is
// read incrementally and split into frames. Both server-sent-event framing
// ("data:" lines ended by a blank line) and newline-delimited JSON are accepted.
type StreamTransport struct {
	endpoint Endpoint
	opts     StreamOptions
	client   *resty.Client
	log      logger.Interface

	mu           sync.Mutex
	body         io.ReadCloser
	open         bool
	closed       bool
	lastActivity time.Time
}

// NewStreamTransport returns a factory producing fallback transports.
func NewStreamTransport(endpoint Endpoint, opts StreamOptions, log logger.Interface) Factory {
	client := resty.New().
		SetBaseURL(strings.TrimRight(endpoint.BaseURL, "/")).
		SetHeader("Accept", "text/event-stream, application/x-ndjson").
		SetHeader("Cache-Control", "no-cache").
		SetDoNotParseResponse(true)
	if endpoint.Token != "" {
		client.SetAuthToken(endpoint.Token)
	}
	if endpoint.ClientID != "" {
		client.SetHeader("X-Client-ID", endpoint.ClientID)
	}
	if tlsCfg := endpoint.tlsConfig(); tlsCfg != nil {
		client.SetTLSClientConfig(tlsCfg)
	}

	return func() Transport {
		return &StreamTransport{endpoint: endpoint, opts: opts.withDefaults(), client: client, log: logger.OrNop(log)}
	}
}

func (t *StreamTransport) Kind() TransportKind { return Fallback }

func (t *StreamTransport) Open(ctx context.Context, h Handler) error {
	go t.run(ctx, h)
	return nil
}

func (t *StreamTransport) run(ctx context.Context, h Handler) {
	resp, err := t.client.R().SetContext(ctx).Get(PathStream)
	if err != nil {
		if ctx.Err() == nil {
			h.OnClose(fmt.Errorf("event stream request: %w", err))
		}
		return
	}
	body := resp.RawBody()
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(body, 512))
		body.Close()
		h.OnClose(fmt.Errorf("event stream status %d: %s", resp.StatusCode(), bytes.TrimSpace(snippet)))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		body.Close()
		return
	}
	t.body = body
	t.open = true
	t.lastActivity = time.Now()
	t.mu.Unlock()

	h.OnOpen()

	err = t.readFrames(body, h.OnFrame)
	if ctx.Err() != nil || t.isClosed() {
		return
	}
	if err == nil {
		err = ErrStreamEnded
	}
	h.OnClose(err)
}

// readFrames splits the body into frames until EOF or a read error. A line or
// event longer than MaxFrameBytes is dropped and reading continues.
func (t *StreamTransport) readFrames(r io.Reader, emit func([]byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	limit := t.opts.MaxFrameBytes

	var data bytes.Buffer
	dropEvent := false
	flush := func() {
		if data.Len() > 0 && !dropEvent {
			emit(append([]byte(nil), data.Bytes()...))
		}
		data.Reset()
		dropEvent = false
	}
	oversized := func() {
		t.log.WarnRateLimited("stream_oversized", time.Minute, "Oversized event stream frame dropped", "limit", limit)
	}

	handle := func(line string) {
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// SSE comment, used as keep-alive.
		case strings.HasPrefix(line, "data:"):
			if dropEvent {
				return
			}
			payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			size := data.Len() + len(payload)
			if data.Len() > 0 {
				size++
			}
			if size > limit {
				oversized()
				data.Reset()
				dropEvent = true
				return
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(payload)
		case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
		default:
			// Bare NDJSON line.
			flush()
			emit([]byte(line))
		}
	}

	var line []byte
	skipping := false
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			t.touch()
			if !skipping && len(line)+len(chunk) > limit+2 {
				oversized()
				skipping = true
				line = line[:0]
			}
			if !skipping {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		if skipping {
			skipping = false
		} else if err == nil || len(line) > 0 {
			handle(strings.TrimRight(string(line), "\r\n"))
		}
		line = line[:0]

		if err != nil {
			flush()
			return nil
		}
	}
}

func (t *StreamTransport) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *StreamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Alive reports whether the stream is open and has produced data recently.
func (t *StreamTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open && !t.closed && time.Since(t.lastActivity) < t.opts.IdleTimeout
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	body := t.body
	t.body = nil
	t.mu.Unlock()
	if body != nil {
		return body.Close()
	}
	return nil
}
