package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"doorwatch/common/logger"
	"doorwatch/common/ws"
)

// RecentFetcher returns events with an id greater than since.
type RecentFetcher interface {
	RecentEvents(ctx context.Context, since int64) ([]ws.Event, error)
}

// PollOptions tunes the polling transport.
type PollOptions struct {
	Interval time.Duration
	// MaxFailures is the number of consecutive failed polls, after the
	// first success, that end the transport.
	MaxFailures int
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
	return o
}

// PollTransport is the last-resort transport. It fetches recent events since
// the cursor and drops ids it has already delivered.
type PollTransport struct {
	fetch RecentFetcher
	opts  PollOptions
	log   logger.Interface

	mu          sync.Mutex
	cursor      int64
	open        bool
	closed      bool
	lastSuccess time.Time
	dropped     int
}

// NewPollTransport returns a factory producing polling transports.
func NewPollTransport(fetch RecentFetcher, opts PollOptions, log logger.Interface) Factory {
	return func() Transport {
		return &PollTransport{fetch: fetch, opts: opts.withDefaults(), log: logger.OrNop(log)}
	}
}

func (t *PollTransport) Kind() TransportKind { return Polling }

func (t *PollTransport) Open(ctx context.Context, h Handler) error {
	if t.fetch == nil {
		return fmt.Errorf("polling transport has no fetcher")
	}
	t.mu.Lock()
	t.cursor = h.Cursor
	t.mu.Unlock()
	go t.run(ctx, h)
	return nil
}

func (t *PollTransport) run(ctx context.Context, h Handler) {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		events, err := t.fetch.RecentEvents(ctx, t.Cursor())
		if ctx.Err() != nil || t.isClosed() {
			return
		}
		if err != nil {
			failures++
			if !t.isOpen() {
				h.OnClose(fmt.Errorf("initial poll: %w", err))
				return
			}
			t.log.Warn("Event poll failed", "error", err, "failures", failures)
			if failures >= t.opts.MaxFailures {
				h.OnClose(fmt.Errorf("%d consecutive poll failures: %w", failures, err))
				return
			}
			timer.Reset(t.opts.Interval)
			continue
		}

		failures = 0
		if t.markSuccess() {
			h.OnOpen()
		}
		for _, msg := range t.accept(events) {
			h.OnMessage(msg)
		}
		timer.Reset(t.opts.Interval)
	}
}

// accept orders events by id and drops the ones at or below the cursor.
func (t *PollTransport) accept(events []ws.Event) []ws.Message {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq() < events[j].Seq() })

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ws.Message, 0, len(events))
	for i := range events {
		ev := events[i]
		seq := ev.Seq()
		if seq != 0 && seq <= t.cursor {
			t.dropped++
			continue
		}
		if seq > t.cursor {
			t.cursor = seq
		}
		out = append(out, ws.Message{Type: ws.MessageTypeNewEvent, Event: &ev})
	}
	return out
}

// Cursor returns the highest id delivered by this transport.
func (t *PollTransport) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Dropped returns how many already-seen events were discarded.
func (t *PollTransport) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func (t *PollTransport) markSuccess() (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSuccess = time.Now()
	first = !t.open
	t.open = true
	return first
}

func (t *PollTransport) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *PollTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Alive reports whether a poll succeeded recently.
func (t *PollTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	window := t.opts.Interval * time.Duration(t.opts.MaxFailures+1)
	return t.open && !t.closed && time.Since(t.lastSuccess) < window
}

func (t *PollTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
