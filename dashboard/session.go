// Package dashboard wires the live feed, reconciler, layout store and renderer
// into one floor-plan session running on a single event loop.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"doorwatch/common/logger"
	"doorwatch/common/ws"
	"doorwatch/feed"
	"doorwatch/geometry"
	"doorwatch/layout"
	"doorwatch/reconcile"
	"doorwatch/render"
	"doorwatch/timers"
)

// Transport names accepted in Config.Transports.
const (
	TransportWebSocket = "websocket"
	TransportStream    = "stream"
	TransportPoll      = "poll"
)

// ErrUnknownTransport is returned for an unrecognized transport name.
var ErrUnknownTransport = errors.New("unknown transport")

// Backend is the REST surface the session needs.
type Backend interface {
	RemotePositions
	feed.RecentFetcher
	Doors(ctx context.Context) ([]layout.Record, error)
	Positions(ctx context.Context) ([]layout.Position, error)
	Background(ctx context.Context) (string, error)
	FetchImage(ctx context.Context, ref string) ([]byte, error)
}

// Cache is the local persistence the session uses when available.
type Cache interface {
	PositionCache
	Cursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, cursor int64) error
	Background(ctx context.Context) (string, error)
	SetBackground(ctx context.Context, ref string) error
}

// Config configures a session.
type Config struct {
	Endpoint   feed.Endpoint
	Transports []string

	Feed      feed.Config
	WebSocket feed.WebSocketOptions
	Stream    feed.StreamOptions
	Poll      feed.PollOptions
	Reconcile reconcile.Config
	Layout    layout.Options
	Render    render.Options

	Canvas          geometry.Size
	RefreshInterval time.Duration
	WakeInterval    time.Duration
	CursorFlush     time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Transports) == 0 {
		c.Transports = []string{TransportWebSocket, TransportStream, TransportPoll}
	}
	if c.Canvas.Empty() {
		c.Canvas = geometry.Size{W: 1280, H: 800}
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = 5 * time.Second
	}
	if c.CursorFlush <= 0 {
		c.CursorFlush = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Endpoint.ClientID == "" {
		c.Endpoint.ClientID = uuid.NewString()
	}
	return c
}

// Session is one live floor-plan view.
type Session struct {
	cfg     Config
	log     logger.Interface
	backend Backend
	cache   Cache

	loop     *timers.Loop
	sessReg  *timers.Registry
	manager  *feed.Manager
	rec      *reconcile.Reconciler
	store    *layout.Store
	storeReg *timers.Registry
	renderer *render.Renderer
	input    *Input
	wake     *WakeDetector

	// Loop-owned state.
	transform   geometry.Transform
	background  image.Image
	status      feed.Status
	cursor      int64
	cursorSaved int64
	refreshing  bool
	flushing    bool
	closing     bool

	positionsLoaded bool

	redraw chan struct{}
	ready  chan struct{}

	workCtx    context.Context
	cancelWork context.CancelFunc
	work       sync.WaitGroup
	runOnce    sync.Once
}

// New builds a session. Nothing runs until Run is called. cache may be nil.
func New(cfg Config, backend Backend, cache Cache, clock timers.Clock, log logger.Interface) (*Session, error) {
	if backend == nil {
		return nil, errors.New("dashboard: backend is required")
	}
	cfg = cfg.withDefaults()
	log = logger.OrNop(log)
	if clock == nil {
		clock = timers.RealClock()
	}

	s := &Session{
		cfg:      cfg,
		log:      log,
		backend:  backend,
		cache:    cache,
		loop:     timers.NewLoop(log),
		renderer: render.New(cfg.Render),
		redraw:   make(chan struct{}, 1),
		ready:    make(chan struct{}),
	}
	s.workCtx, s.cancelWork = context.WithCancel(context.Background())

	ladder, err := s.ladder()
	if err != nil {
		return nil, err
	}

	s.sessReg = timers.NewRegistry(clock, s.loop)
	s.storeReg = timers.NewRegistry(clock, s.loop)

	layoutOpts := cfg.Layout
	layoutOpts.Spawn = s.spawn
	s.store = layout.NewStore(s.storeReg, newCachingPersister(backend, cache, log), log, layoutOpts)
	s.rec = reconcile.New(cfg.Reconcile, timers.NewRegistry(clock, s.loop), s.store, log)
	s.manager = feed.NewManager(cfg.Feed, timers.NewRegistry(clock, s.loop), ladder, log)

	s.transform = geometry.NewTransform(geometry.FitImage(cfg.Canvas, layout.DefaultWorld))
	s.input = NewInput(&s.transform, s.store, s.renderer.HitRadius(), func() context.Context { return s.workCtx }, log)
	s.input.OnViewChange(s.requestRedraw)
	s.wake = NewWakeDetector(s.sessReg, cfg.WakeInterval, s.woke)

	s.manager.OnMessage(func(msg ws.Message) { s.rec.HandleMessage(msg) })
	s.manager.OnCursor(func(c int64) { s.cursor = c })
	s.manager.Subscribe(s.statusChanged)
	s.store.Subscribe(s.storeChanged)
	return s, nil
}

func (s *Session) ladder() ([]feed.Factory, error) {
	var ladder []feed.Factory
	for _, name := range s.cfg.Transports {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case TransportWebSocket:
			ladder = append(ladder, feed.NewWebSocketTransport(s.cfg.Endpoint, s.cfg.WebSocket, s.log))
		case TransportStream:
			ladder = append(ladder, feed.NewStreamTransport(s.cfg.Endpoint, s.cfg.Stream, s.log))
		case TransportPoll:
			ladder = append(ladder, feed.NewPollTransport(s.backend, s.cfg.Poll, s.log))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
		}
	}
	return ladder, nil
}

// Run loads the initial state, connects the live feed and blocks until ctx
// is cancelled, then tears everything down.
func (s *Session) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("dashboard: session already ran")
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() {
		if err := s.loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("Event loop stopped", "error", err)
		}
	}()

	initial := s.load(ctx, true)
	if err := s.loop.Call(ctx, func() {
		s.apply(initial)
		s.manager.Connect()
		s.wake.Start()
		s.sessReg.Every(s.cfg.RefreshInterval, func() { s.refresh(false) })
		if s.cache != nil {
			s.sessReg.Every(s.cfg.CursorFlush, s.flushCursor)
		}
		close(s.ready)
	}); err != nil {
		s.shutdown()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	<-ctx.Done()
	s.shutdown()
	return nil
}

// Do runs fn on the event loop and waits for it. Engine accessors such as
// Store and Input may only be used inside fn.
func (s *Session) Do(ctx context.Context, fn func()) error {
	return s.loop.Call(ctx, fn)
}

// Store returns the device store. Use only on the event loop.
func (s *Session) Store() *layout.Store { return s.store }

// Input returns the gesture controller. Use only on the event loop.
func (s *Session) Input() *Input { return s.input }

// Manager returns the connection manager. Use only on the event loop.
func (s *Session) Manager() *feed.Manager { return s.manager }

// Reconciler returns the event reconciler. Use only on the event loop.
func (s *Session) Reconciler() *reconcile.Reconciler { return s.rec }

// Ready is closed once the initial load has been applied and the feed started.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Redraws signals whenever the rendered output may have changed.
func (s *Session) Redraws() <-chan struct{} { return s.redraw }

// Status returns the connection status.
func (s *Session) Status(ctx context.Context) (feed.Status, error) {
	var st feed.Status
	err := s.loop.Call(ctx, func() { st = s.status })
	return st, err
}

// Reconnect restarts the live feed from the primary transport with a fresh
// attempt budget, from any state including Offline.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.loop.Call(ctx, func() {
		s.log.Info("Live feed reconnect requested")
		s.manager.Reconnect()
	})
}

// Refresh reloads the device list, positions and background.
func (s *Session) Refresh(ctx context.Context) error {
	return s.loop.Call(ctx, func() { s.refresh(true) })
}

// Resize sets the canvas size in pixels.
func (s *Session) Resize(ctx context.Context, size geometry.Size) error {
	if size.Empty() {
		return render.ErrNoSurface
	}
	return s.loop.Call(ctx, func() {
		s.cfg.Canvas = size
		s.refit()
	})
}

// SaveDirty retries every unsaved position and returns how many were submitted.
func (s *Session) SaveDirty(ctx context.Context) (int, error) {
	var n int
	err := s.loop.Call(ctx, func() { n = s.store.SaveDirty(s.workCtx) })
	return n, err
}

// Snapshot renders the current floor plan.
func (s *Session) Snapshot(ctx context.Context) (*image.RGBA, error) {
	var frame render.Frame
	if err := s.loop.Call(ctx, func() { frame = s.frame() }); err != nil {
		return nil, err
	}
	return s.renderer.Render(frame)
}

// frame captures everything the renderer needs. The returned values are
// copies or immutable, so rendering may happen off the loop.
func (s *Session) frame() render.Frame {
	now := s.sessReg.Now()
	return render.Frame{
		Width:      int(s.cfg.Canvas.W),
		Height:     int(s.cfg.Canvas.H),
		Transform:  s.transform,
		Background: s.background,
		Devices:    s.store.Devices(now),
		Now:        now,
		Badge:      s.status.Badge(),
	}
}

func (s *Session) refit() {
	world := layout.DefaultWorld
	if s.background != nil {
		world = render.ImageSize(s.background)
	}
	s.store.SetWorld(world)
	s.transform.Fit = geometry.FitImage(s.cfg.Canvas, world)
	s.requestRedraw()
}

func (s *Session) statusChanged(st feed.Status) {
	prev := s.status
	s.status = st
	if prev.State != st.State || prev.Transport != st.Transport {
		s.log.Info("Live feed status", "badge", st.Badge(), "state", st.State.String(),
			"transport", st.Transport.String(), "attempt", st.Attempt)
	}
	if st.Exhausted && !prev.Exhausted && !s.closing {
		s.reportOffline(st)
	}
	s.requestRedraw()
}

// offlineHistory is how many recent warnings accompany the offline report.
const offlineHistory = 5

// reportOffline logs the terminal Offline state together with the most recent
// warnings, which usually name the cause.
func (s *Session) reportOffline(st feed.Status) {
	recent := logger.Recent(s.log, logger.WARN, offlineHistory)
	causes := make([]string, 0, len(recent))
	for _, e := range recent {
		line := e.Timestamp.Format(time.TimeOnly) + " " + e.Message
		if err, ok := e.Context["error"]; ok {
			line += fmt.Sprintf(": %v", err)
		}
		causes = append(causes, line)
	}
	s.log.Error("Live feed offline; it reconnects after the next successful refresh or on request",
		"attempts", st.Attempt, "recent", strings.Join(causes, " | "))
}

func (s *Session) storeChanged(c layout.Change) {
	switch c.Kind {
	case layout.ChangePersistFailed:
		s.log.Warn("Position changes not saved; they are kept locally and retried on the next save",
			"devices", c.IDs, "error", c.Err)
	case layout.ChangePersisted:
		s.log.Debug("Positions saved", "devices", c.IDs)
	}
	s.requestRedraw()
}

func (s *Session) requestRedraw() {
	select {
	case s.redraw <- struct{}{}:
	default:
	}
}

// woke reconnects after a detected sleep and reloads state missed meanwhile.
func (s *Session) woke(gap time.Duration) {
	s.log.Info("Wake from sleep detected", "gap", gap.Round(time.Second).String())
	s.manager.Resume()
	s.refresh(true)
}

// flushCursor writes the feed cursor to the cache. It only counts as saved
// once the write succeeds, so a failed write is retried on the next tick.
func (s *Session) flushCursor() {
	if s.cache == nil || s.flushing || s.cursor == s.cursorSaved {
		return
	}
	c := s.cursor
	s.flushing = true
	s.spawn(func() {
		err := s.cache.SetCursor(s.workCtx, c)
		if err != nil {
			s.log.WarnRateLimited("cursor_flush", time.Minute, "Feed cursor not cached", "error", err)
		}
		s.loop.Post(func() {
			s.flushing = false
			if err == nil && c > s.cursorSaved {
				s.cursorSaved = c
			}
		})
	})
}

// spawn runs blocking work off the loop and tracks it for shutdown.
func (s *Session) spawn(work func()) {
	s.work.Add(1)
	go func() {
		defer s.work.Done()
		work()
	}()
}

func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var cursor, saved int64
	if err := s.loop.Call(ctx, func() {
		s.closing = true
		s.wake.Stop()
		s.manager.Close()
		s.rec.Close()
		s.storeReg.Close()
		s.sessReg.Close()
		cursor, saved = s.cursor, s.cursorSaved
		if dirty := s.store.Dirty(); len(dirty) > 0 {
			s.log.Warn("Unsaved position changes remain", "count", len(dirty))
		}
	}); err != nil {
		s.log.Warn("Session teardown incomplete", "error", err)
	}
	s.loop.Stop()
	select {
	case <-s.loop.Done():
	case <-ctx.Done():
	}

	waited := make(chan struct{})
	go func() {
		s.work.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.log.Warn("Background work still running at shutdown")
	}
	s.cancelWork()

	if s.cache != nil && cursor != saved {
		if err := s.cache.SetCursor(ctx, cursor); err != nil {
			s.log.Warn("Feed cursor not cached", "error", err)
		}
	}
	s.log.Info("Dashboard session closed")
}
