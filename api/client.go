// Package api is the REST client for the access-control backend: door list,
// floor-plan positions and background, and the recent-events endpoint used
// by the polling transport.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"doorwatch/common/logger"
	"doorwatch/common/ws"
	"doorwatch/layout"
)

// Backend paths.
const (
	PathDoors      = "/api/doors"
	PathPositions  = "/api/floorplan/positions"
	PathBackground = "/api/floorplan/background"
	PathRecent     = "/api/events/recent"
)

// ErrNoBaseURL is returned by New when no server URL is configured.
var ErrNoBaseURL = errors.New("api: server URL not configured")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Options configures the client.
type Options struct {
	BaseURL            string
	Token              string
	ClientID           string
	Timeout            time.Duration
	Retries            int
	RetryWait          time.Duration
	InsecureSkipVerify bool
}

// Client talks to the backend. Safe for concurrent use; every call blocks,
// so callers on the event loop must run it elsewhere.
type Client struct {
	http *resty.Client
	log  logger.Interface
}

// New creates a client.
func New(opts Options, log logger.Interface) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, ErrNoBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	log = logger.OrNop(log)

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(4*opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{log: log})
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}
	if opts.ClientID != "" {
		rc.SetHeader("X-Client-ID", opts.ClientID)
	}
	if opts.InsecureSkipVerify {
		rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) // #nosec G402 -- opt-in for self-signed lab servers
	}
	return &Client{http: rc, log: log}, nil
}

// Doors fetches the full device list.
func (c *Client) Doors(ctx context.Context) ([]layout.Record, error) {
	body, err := c.get(ctx, PathDoors, nil)
	if err != nil {
		return nil, err
	}
	var doors []door
	if err := decodeList(body, "doors", &doors); err != nil {
		return nil, fmt.Errorf("decode door list: %w", err)
	}
	records := make([]layout.Record, 0, len(doors))
	for _, d := range doors {
		if d.ID == "" {
			c.log.Warn("Door without id skipped", "name", d.Name)
			continue
		}
		records = append(records, d.record())
	}
	return records, nil
}

// Positions fetches persisted device positions.
func (c *Client) Positions(ctx context.Context) ([]layout.Position, error) {
	body, err := c.get(ctx, PathPositions, nil)
	if err != nil {
		return nil, err
	}
	var positions []layout.Position
	if err := decodeList(body, "positions", &positions); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return positions, nil
}

// SavePositions upserts positions. The endpoint is idempotent.
func (c *Client) SavePositions(ctx context.Context, positions []layout.Position) error {
	if len(positions) == 0 {
		return nil
	}
	return c.post(ctx, PathPositions, positionsBody{Positions: positions})
}

// Background returns the stored background image reference: a data URL,
// an absolute URL, or "" when none is set.
func (c *Client) Background(ctx context.Context) (string, error) {
	body, err := c.get(ctx, PathBackground, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	var bg backgroundBody
	if err := decodeObject(body, &bg); err != nil {
		return "", fmt.Errorf("decode background: %w", err)
	}
	return strings.TrimSpace(bg.Image), nil
}

// SetBackground stores a background image reference.
func (c *Client) SetBackground(ctx context.Context, image string) error {
	return c.post(ctx, PathBackground, backgroundBody{Image: image})
}

// FetchImage downloads raw image bytes. Relative references resolve against
// the server URL.
func (c *Client) FetchImage(ctx context.Context, ref string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "image/*").
		Get(ref)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp, http.MethodGet, ref)
	}
	return resp.Body(), nil
}

// RecentEvents returns events with an id greater than since. It satisfies
// the polling transport's fetcher.
func (c *Client) RecentEvents(ctx context.Context, since int64) ([]ws.Event, error) {
	params := map[string]string{}
	if since > 0 {
		params["since"] = strconv.FormatInt(since, 10)
	}
	body, err := c.get(ctx, PathRecent, params)
	if err != nil {
		return nil, err
	}
	var events []ws.Event
	if err := decodeList(body, "events", &events); err != nil {
		return nil, fmt.Errorf("%w: recent events: %v", ws.ErrMalformed, err)
	}
	return events, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req := c.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParams(params)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, statusError(resp, http.MethodGet, path)
	}
	c.log.TraceTag("api", "GET ok", "path", path, "status", resp.StatusCode(), "bytes", len(resp.Body()))
	return resp.Body(), nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.IsError() {
		return statusError(resp, http.MethodPost, path)
	}
	c.log.TraceTag("api", "POST ok", "path", path, "status", resp.StatusCode())
	return nil
}

func statusError(resp *resty.Response, method, path string) error {
	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > 256 {
		body = body[:256]
	}
	return &StatusError{Method: method, Path: path, Code: resp.StatusCode(), Body: body}
}

// restyLogger routes resty's own diagnostics into the application log.
type restyLogger struct {
	log logger.Interface
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.log.Error("HTTP client: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.log.WarnRateLimited("resty_warn", time.Minute, "HTTP client: "+strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug("HTTP client: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}
