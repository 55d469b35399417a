// Package relay is the page side of the Web2Native Bridge: it opens ports to
// native applications by broadcasting open requests on a window and routes
// the extension's replies back to the right port.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Shugur-Network/w2nb/internal/bus"
	apperrors "github.com/Shugur-Network/w2nb/internal/errors"
	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/metrics"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultRetiredCapacity = 10000
	defaultRetiredFP       = 0.001
)

// Relay holds the relay state of one window: its port registry and the
// single pending open request.
type Relay struct {
	bus      bus.Bus
	sub      *bus.Subscription
	registry *Registry
	log      *zap.Logger

	origin          string
	connectTimeout  time.Duration
	evict           bool
	retiredCapacity uint
	retiredFP       float64

	// opens admits one Connect at a time: open results carry no
	// correlation key, so a second request in flight could take the
	// first one's answer.
	opens *semaphore.Weighted

	mu      sync.Mutex
	pending *pendingOpen
}

type Option func(*Relay)

// WithOrigin sets the page URL reported in open requests. Defaults to the window ID.
func WithOrigin(origin string) Option { return func(r *Relay) { r.origin = origin } }

// WithConnectTimeout bounds every Connect. Zero waits until the caller's context ends.
func WithConnectTimeout(d time.Duration) Option { return func(r *Relay) { r.connectTimeout = d } }

// WithEvictOnDisconnect controls whether a port leaves the registry when the
// extension reports it closed. Enabled by default.
func WithEvictOnDisconnect(evict bool) Option { return func(r *Relay) { r.evict = evict } }

// WithRetiredCapacity sizes the reused-identifier detector; zero disables it.
func WithRetiredCapacity(n uint, falsePositive float64) Option {
	return func(r *Relay) { r.retiredCapacity, r.retiredFP = n, falsePositive }
}

func WithLogger(log *zap.Logger) Option { return func(r *Relay) { r.log = log } }

// New attaches a relay to b. The relay subscribes immediately; call Run to
// start dispatching.
func New(b bus.Bus, opts ...Option) *Relay {
	r := &Relay{
		bus:             b,
		origin:          string(b.ID()),
		evict:           true,
		retiredCapacity: defaultRetiredCapacity,
		retiredFP:       defaultRetiredFP,
		opens:           semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.New("relay")
	}
	r.log = r.log.With(zap.String("window", string(b.ID())))
	r.registry = NewRegistry(b.Post, r.log, r.retiredCapacity, r.retiredFP)
	r.sub = b.Subscribe()
	return r
}

// Registry exposes the relay's port registry.
func (r *Relay) Registry() *Registry { return r.registry }

func (r *Relay) Origin() string { return r.origin }

// Run dispatches window events in delivery order until ctx ends or the
// relay is closed.
func (r *Relay) Run(ctx context.Context) error {
	for {
		ev, err := r.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		r.Dispatch(ev)
	}
}

// Close detaches the relay from its window.
func (r *Relay) Close() { r.sub.Close() }

type openOutcome struct {
	port *Port
	err  error
}

type pendingOpen struct {
	application string
	started     time.Time
	done        chan openOutcome
	once        sync.Once

	onMessage    func(message any)
	onDisconnect func()
}

func (p *pendingOpen) settle(port *Port, err error) {
	p.once.Do(func() {
		metrics.OpenLatency.Observe(time.Since(p.started).Seconds())
		p.done <- openOutcome{port: port, err: err}
	})
}

// Connect asks the extension to open a connection to the named native
// application and waits for the answer. Concurrent calls are queued. The
// application name is passed through unchecked.
func (r *Relay) Connect(ctx context.Context, application string) (*Port, error) {
	return r.ConnectWith(ctx, application, nil, nil)
}

// ConnectWith is Connect with listeners installed on the port before any
// later event is dispatched, so a greeting sent by the application right
// after the open is not lost.
func (r *Relay) ConnectWith(ctx context.Context, application string, onMessage func(message any), onDisconnect func()) (*Port, error) {
	if r.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}

	if err := r.opens.Acquire(ctx, 1); err != nil {
		return nil, r.abandoned(application, err)
	}
	defer r.opens.Release(1)

	p := &pendingOpen{
		application:  application,
		started:      time.Now(),
		done:         make(chan openOutcome, 1),
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
	}
	r.mu.Lock()
	r.pending = p
	r.mu.Unlock()

	r.log.Debug("Open request", zap.String("application", application), zap.String("origin", r.origin))
	r.bus.Post(protocol.NewOpenRequest(r.origin, application))

	select {
	case out := <-p.done:
		return out.port, out.err
	case <-ctx.Done():
		r.mu.Lock()
		owned := r.pending == p
		if owned {
			r.pending = nil
		}
		r.mu.Unlock()
		if !owned {
			// The dispatcher took the slot and settles it without blocking;
			// its port must reach the caller.
			out := <-p.done
			return out.port, out.err
		}
		return nil, r.abandoned(application, ctx.Err())
	}
}

// ConnectResult is the settled value of ConnectAsync.
type ConnectResult struct {
	Port *Port
	Err  error
}

// ConnectAsync runs Connect in the background. The channel yields exactly one result.
func (r *Relay) ConnectAsync(ctx context.Context, application string) <-chan ConnectResult {
	ch := make(chan ConnectResult, 1)
	go func() {
		port, err := r.Connect(ctx, application)
		ch <- ConnectResult{Port: port, Err: err}
	}()
	return ch
}

func (r *Relay) abandoned(application string, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		metrics.OpenRequests.WithLabelValues("timeout").Inc()
		r.log.Warn("Open request timed out", zap.String("application", application))
		return apperrors.ConnectTimeout(application, cause)
	}
	metrics.OpenRequests.WithLabelValues("canceled").Inc()
	return apperrors.ConnectCanceled(application, cause)
}

func (r *Relay) takePending() *pendingOpen {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending
	r.pending = nil
	return p
}
