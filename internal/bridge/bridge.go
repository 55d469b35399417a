// Package bridge stands in for the browser extension: it answers open
// requests posted on a window by launching native applications and relays
// traffic between the page and those applications.
package bridge

import (
	"context"
	"errors"
	"io"
	"path"
	"strconv"
	"sync"

	"github.com/Shugur-Network/w2nb/internal/bus"
	"github.com/Shugur-Network/w2nb/internal/config"
	apperrors "github.com/Shugur-Network/w2nb/internal/errors"
	"github.com/Shugur-Network/w2nb/internal/limiter"
	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/metrics"
	"github.com/Shugur-Network/w2nb/internal/native"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"github.com/Shugur-Network/w2nb/internal/workers"
	"go.uber.org/zap"
)

const outboxSize = 256

// Bridge serves one page window.
type Bridge struct {
	win      *bus.Window
	sub      *bus.Subscription
	cfg      config.BridgeConfig
	launcher native.Launcher
	limiter  *limiter.OpenLimiter
	pool     *workers.WorkerPool
	ownPool  bool
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[protocol.TabID]*session
	nextID   uint64
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Bridge)

// WithLimiter shares an open-rate limiter between bridges.
func WithLimiter(l *limiter.OpenLimiter) Option { return func(b *Bridge) { b.limiter = l } }

// WithPool shares a launch worker pool between bridges.
func WithPool(p *workers.WorkerPool) Option { return func(b *Bridge) { b.pool = p } }

func WithLogger(log *zap.Logger) Option { return func(b *Bridge) { b.log = log } }

// New attaches a bridge to win. It subscribes immediately; call Run to serve.
func New(win *bus.Window, cfg config.BridgeConfig, launcher native.Launcher, opts ...Option) *Bridge {
	b := &Bridge{
		win:      win,
		cfg:      cfg,
		launcher: launcher,
		sessions: make(map[protocol.TabID]*session),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logger.New("bridge")
	}
	b.log = b.log.With(zap.String("window", string(win.ID())))
	if b.limiter == nil {
		b.limiter = NewLimiter(cfg.OpenRate)
	}
	if b.pool == nil {
		b.pool = workers.NewWorkerPool(cfg.Workers, cfg.JobBuffer)
		b.ownPool = true
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.sub = win.Subscribe()
	return b
}

// NewLimiter builds an open-rate limiter from configuration.
func NewLimiter(cfg config.OpenRateConfig) *limiter.OpenLimiter {
	return limiter.NewOpenLimiter(limiter.RateLimit{
		PerSecond:    cfg.PerSecond,
		Burst:        cfg.Burst,
		BanThreshold: cfg.BanThreshold,
		BanDuration:  cfg.BanDuration,
	})
}

// Run handles page envelopes until ctx ends or the window closes.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		ev, err := b.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if ev.Source != b.win.ID() || ev.Envelope == nil {
			continue
		}
		b.handle(ev.Envelope)
	}
}

func (b *Bridge) handle(env *protocol.Envelope) {
	switch env.Src {
	case protocol.SrcOpenRequest:
		b.open(env.Origin, env.Application)
	case protocol.SrcWebMessage:
		s, ok := b.session(env.TabID)
		if !ok {
			b.log.Debug("Message for unknown connection", zap.String("tabid", string(env.TabID)))
			return
		}
		s.send(env.Message)
	case protocol.SrcWebDisconnect:
		s, ok := b.session(env.TabID)
		if !ok {
			b.log.Debug("Disconnect for unknown connection", zap.String("tabid", string(env.TabID)))
			return
		}
		s.close()
	}
}

func (b *Bridge) open(origin, application string) {
	log := b.log.With(zap.String("application", application), zap.String("origin", origin))

	if !b.limiter.Allow(origin) {
		b.reject(log, apperrors.RateLimited(origin))
		return
	}
	app, ok := b.cfg.Application(application)
	if !ok {
		b.reject(log, apperrors.UnknownApplication(application))
		return
	}
	if !originAllowed(app.AllowedOrigins, origin) {
		b.reject(log, apperrors.OriginNotAllowed(application, origin))
		return
	}

	queued := b.pool.AddJob(func() {
		ep, err := b.launcher.Launch(b.ctx, app.Command(), origin)
		if err != nil {
			b.reject(log, apperrors.LaunchFailed(application, err))
			return
		}
		s, ok := b.register(ep, log)
		if !ok {
			_ = ep.Close()
			b.reject(log, apperrors.BridgeBusy())
			return
		}
		metrics.BridgeOpens.WithLabelValues("success").Inc()
		log.Info("Native application connected", zap.String("tabid", string(s.id)))
		// The page must learn the identifier before any traffic names it.
		b.win.Post(protocol.NewOpenSuccess(s.id))
		b.start(s)
	})
	if !queued {
		b.reject(log, apperrors.BridgeBusy())
	}
}

func (b *Bridge) reject(log *zap.Logger, err *apperrors.AppError) {
	metrics.BridgeOpens.WithLabelValues(err.Code).Inc()
	log.Info("Open request rejected", zap.String("code", err.Code), zap.Error(err))
	b.win.Post(protocol.NewOpenFailure(apperrors.PeerText(err)))
}

// originAllowed matches origin against shell patterns; an empty list allows all.
func originAllowed(patterns []string, origin string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || p == origin {
			return true
		}
		if ok, err := path.Match(p, origin); err == nil && ok {
			return true
		}
	}
	return false
}

// register assigns an identifier to ep. Its loops are not running until start.
func (b *Bridge) register(ep native.Endpoint, log *zap.Logger) (*session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	b.nextID++
	id := protocol.TabID(strconv.FormatUint(b.nextID, 10))
	s := &session{
		id:     id,
		ep:     ep,
		outbox: make(chan any, outboxSize),
		done:   make(chan struct{}),
		log:    log.With(zap.String("tabid", string(id))),
	}
	b.sessions[id] = s
	metrics.BridgeSessions.Inc()
	b.wg.Add(2)
	return s, true
}

func (b *Bridge) start(s *session) {
	go func() {
		defer b.wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer b.wg.Done()
		b.readLoop(s)
	}()
}

func (b *Bridge) session(id protocol.TabID) (*session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

// readLoop relays native messages to the page until the application goes
// away, then reports the disconnect.
func (b *Bridge) readLoop(s *session) {
	for {
		msg, err := s.ep.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.log.Debug("Native read ended", zap.Error(err))
			}
			break
		}
		metrics.NativeMessages.WithLabelValues("from_native").Inc()
		b.win.Post(protocol.NewNativeMessage(s.id, msg))
	}

	s.close()
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()
	metrics.BridgeSessions.Dec()
	s.log.Info("Native application disconnected")
	b.win.Post(protocol.NewNativeDisconnect(s.id))
}

// Sessions returns the number of live native connections.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close terminates every native application and detaches from the window.
func (b *Bridge) Close() {
	b.sub.Close()

	b.mu.Lock()
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	b.cancel()
	for _, s := range sessions {
		s.close()
	}
	b.wg.Wait()
	if b.ownPool {
		b.pool.Stop()
	}
}

// session is one native application connection.
type session struct {
	id     protocol.TabID
	ep     native.Endpoint
	outbox chan any
	log    *zap.Logger

	done chan struct{}
	once sync.Once
}

func (s *session) send(msg any) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.outbox <- msg:
	default:
		s.log.Warn("Native application not reading, closing connection")
		s.close()
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbox:
			if err := s.ep.WriteMessage(msg); err != nil {
				if errors.Is(err, apperrors.ErrMessageTooLarge) {
					s.log.Warn("Dropping oversized message", zap.Error(err))
					continue
				}
				s.log.Debug("Native write failed", zap.Error(err))
				s.close()
				return
			}
			metrics.NativeMessages.WithLabelValues("to_native").Inc()
		}
	}
}

// close stops the application; the read loop then reports the disconnect.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		go func() {
			if err := s.ep.Close(); err != nil {
				s.log.Debug("Native close failed", zap.Error(err))
			}
		}()
	})
}
