package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/w2nb/internal/bus"
	"github.com/Shugur-Network/w2nb/internal/config"
	apperrors "github.com/Shugur-Network/w2nb/internal/errors"
	"github.com/Shugur-Network/w2nb/internal/health"
	"github.com/Shugur-Network/w2nb/internal/limiter"
	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/metrics"
	"github.com/Shugur-Network/w2nb/internal/native"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"github.com/Shugur-Network/w2nb/internal/web"
	"github.com/Shugur-Network/w2nb/internal/workers"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const limiterCleanupInterval = 10 * time.Minute

// Server accepts page connections over websocket and gives each one its own
// window and bridge.
type Server struct {
	cfg      *config.Config
	codecs   *protocol.Registry
	launcher native.Launcher
	limiter  *limiter.OpenLimiter
	pool     *workers.WorkerPool
	upgrader websocket.Upgrader
	health   *health.HealthChecker
	log      *zap.Logger

	active   atomic.Int64
	windowID atomic.Uint64

	mu      sync.Mutex
	bridges map[*Bridge]struct{}
}

// NewServer builds a bridge server from configuration.
func NewServer(cfg *config.Config, launcher native.Launcher) (*Server, error) {
	codecs, err := protocol.NewRegistry()
	if err != nil {
		return nil, err
	}
	preferred, ok := codecs.Get(cfg.Bridge.Codec)
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", cfg.Bridge.Codec)
	}
	subprotocols := []string{preferred.Name()}
	for _, name := range codecs.Names() {
		if name != preferred.Name() {
			subprotocols = append(subprotocols, name)
		}
	}

	s := &Server{
		cfg:      cfg,
		codecs:   codecs,
		launcher: launcher,
		limiter:  NewLimiter(cfg.Bridge.OpenRate),
		pool:     workers.NewWorkerPool(cfg.Bridge.Workers, cfg.Bridge.JobBuffer),
		log:      logger.New("bridge"),
		bridges:  make(map[*Bridge]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
			Subprotocols:     subprotocols,
			HandshakeTimeout: 10 * time.Second,
			// Pages on any origin may reach the bridge; applications
			// restrict origins themselves.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.health = health.NewHealthChecker(s, s.log, config.Version)
	return s, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	secure := web.SecurityMiddleware(web.EndpointSecurityHeaders())
	mux := http.NewServeMux()
	mux.Handle("/health", secure(http.HandlerFunc(s.health.HandleHealth)))
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Port == 0 {
		mux.Handle("/metrics", secure(promhttp.Handler()))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" || !websocket.IsWebSocketUpgrade(r) {
			logger.Warn("Invalid request path",
				zap.String("path", r.URL.Path),
				zap.String("client_ip", r.RemoteAddr),
				zap.String("user_agent", r.Header.Get("User-Agent")))
			http.NotFound(w, r)
			return
		}
		s.handleWebSocket(w, r)
	})

	validated := web.ValidationMiddleware(web.DefaultInputValidation())(mux)
	return apperrors.RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequests.Inc()
		validated.ServeHTTP(w, r)
	}))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Bridge.MaxConnections
	if n := s.active.Add(1); n > int64(limit) {
		s.active.Add(-1)
		apperrors.WriteHTTP(w, r, apperrors.ConnectionLimitError(int(n-1), limit))
		return
	}
	defer s.active.Add(-1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	codec, _ := s.codecs.Get(conn.Subprotocol())

	win := bus.NewWindow(bus.WindowID("page-" + strconv.FormatUint(s.windowID.Add(1), 10)))
	log := s.log.With(zap.String("window", string(win.ID())), zap.String("remote", r.RemoteAddr))
	b := New(win, s.cfg.Bridge, s.launcher, WithLimiter(s.limiter), WithPool(s.pool))
	link := bus.NewLink(conn, codec, win,
		bus.WithReadLimit(int64(s.cfg.Bridge.MaxMessageSize)),
		bus.WithLinkLogger(log))

	s.track(b, true)
	defer s.track(b, false)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	log.Info("Page connected", zap.String("codec", codec.Name()))
	if err := link.Run(ctx); err != nil {
		log.Debug("Link closed", zap.Error(err))
	}
	b.Close()
	win.Close()
	log.Info("Page disconnected")
}

func (s *Server) track(b *Bridge, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.bridges[b] = struct{}{}
	} else {
		delete(s.bridges, b)
	}
}

// ActiveConnections returns the number of connected pages.
func (s *Server) ActiveConnections() int { return int(s.active.Load()) }

func (s *Server) MaxConnections() int { return s.cfg.Bridge.MaxConnections }

func (s *Server) Applications() int { return len(s.cfg.Bridge.Applications) }

// Sessions returns the number of native applications running for all pages.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for b := range s.bridges {
		n += b.Sessions()
	}
	return n
}

// Serve accepts connections on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var metricsSrv *http.Server
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Port != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              ":" + strconv.Itoa(s.cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			s.log.Info("Metrics server listening", zap.String("address", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go s.cleanLimiter(ctx)

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down bridge server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	s.log.Info("Bridge server listening",
		zap.String("address", ln.Addr().String()),
		zap.Int("applications", len(s.cfg.Bridge.Applications)))
	err := httpSrv.Serve(ln)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured websocket address.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Bridge.WSAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close stops the launch workers. Pages still connected get BRIDGE_BUSY
// for further open requests.
func (s *Server) Close() {
	s.pool.Stop()
}

func (s *Server) cleanLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(limiterCleanupInterval); n > 0 {
				s.log.Debug("Removed idle rate limit entries", zap.Int("count", n))
			}
		}
	}
}
