package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Shugur-Network/w2nb/internal/errors"
	"github.com/Shugur-Network/w2nb/internal/metrics"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReadLimit    = 1 << 20
	defaultPingInterval = 15 * time.Second
	writeWait           = 10 * time.Second
)

var linkSeq atomic.Uint64

// Link stretches a Window across a websocket: envelopes posted on the local
// window are written to the peer, and envelopes read from the peer are
// re-posted locally as if this window had posted them. That mirrors a page
// and its extension content script sharing one window.
type Link struct {
	conn   *websocket.Conn
	codec  protocol.Codec
	window *Window
	sub    *Subscription
	name   string

	readLimit    int64
	pingInterval time.Duration
	log          *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

type LinkOption func(*Link)

// WithReadLimit caps the size of a single inbound frame.
func WithReadLimit(n int64) LinkOption { return func(l *Link) { l.readLimit = n } }

// WithPingInterval sets the keepalive period; zero disables pings and read deadlines.
func WithPingInterval(d time.Duration) LinkOption { return func(l *Link) { l.pingInterval = d } }

func WithLinkLogger(log *zap.Logger) LinkOption { return func(l *Link) { l.log = log } }

// NewLink subscribes to window immediately so nothing posted before Run is lost.
func NewLink(conn *websocket.Conn, codec protocol.Codec, window *Window, opts ...LinkOption) *Link {
	l := &Link{
		conn:         conn,
		codec:        codec,
		window:       window,
		name:         fmt.Sprintf("link-%d", linkSeq.Add(1)),
		readLimit:    defaultReadLimit,
		pingInterval: defaultPingInterval,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.sub = window.Subscribe()
	l.log = l.log.With(zap.String("link", l.name), zap.String("codec", codec.Name()))
	return l
}

// Run pumps envelopes until ctx is done or either direction fails. A normal
// websocket closure by the peer returns nil.
func (l *Link) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.IncrementActiveConnections()
	defer metrics.DecrementActiveConnections()

	errc := make(chan error, 3)
	go func() { errc <- l.readLoop() }()
	go func() { errc <- l.writeLoop(ctx) }()
	go func() { errc <- l.pingLoop(ctx) }()

	err := <-errc
	cancel()
	l.Close()
	<-errc
	<-errc

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Close sends a close frame and tears the connection down.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.sub.Close()
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		_ = l.conn.Close()
	})
}

func (l *Link) readLoop() error {
	l.conn.SetReadLimit(l.readLimit)
	if l.pingInterval > 0 {
		wait := 2 * l.pingInterval
		_ = l.conn.SetReadDeadline(time.Now().Add(wait))
		l.conn.SetPongHandler(func(string) error {
			return l.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.log.Debug("Peer closed link")
				return nil
			}
			return apperrors.WebSocketError("read", err)
		}
		metrics.LinkFrames.WithLabelValues("in").Inc()
		metrics.LinkFrameBytes.Observe(float64(len(data)))

		env, err := l.codec.Unmarshal(data)
		if err != nil || env.Src == "" {
			metrics.EnvelopesDropped.WithLabelValues(metrics.DropMalformed).Inc()
			l.log.Debug("Dropping undecodable frame", zap.Error(err), zap.Int("size", len(data)))
			continue
		}
		l.window.postVia(env, l.name)
	}
}

func (l *Link) writeLoop(ctx context.Context) error {
	frameType := websocket.TextMessage
	if l.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	for {
		ev, err := l.sub.Next(ctx)
		if err != nil {
			return err
		}
		// Peer envelopes are not echoed back, and posts from other
		// windows never leave this one.
		if ev.via == l.name || ev.Source != l.window.ID() {
			continue
		}

		data, err := l.codec.Marshal(ev.Envelope)
		if err != nil {
			l.log.Warn("Cannot encode envelope", zap.String("src", string(ev.Envelope.Src)), zap.Error(err))
			continue
		}
		if err := l.write(frameType, data); err != nil {
			return apperrors.WebSocketError("write", err)
		}
		metrics.LinkFrames.WithLabelValues("out").Inc()
		metrics.LinkFrameBytes.Observe(float64(len(data)))
	}
}

func (l *Link) pingLoop(ctx context.Context) error {
	if l.pingInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			l.writeMu.Unlock()
			if err != nil {
				return apperrors.WebSocketError("ping", err)
			}
		}
	}
}

func (l *Link) write(frameType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(frameType, data)
}
