package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SlidingWindow keeps event timestamps (unix seconds) for rate calculations.
type SlidingWindow struct {
	mu      sync.RWMutex
	events  []int64
	window  time.Duration
	maxSize int
}

func NewSlidingWindow(window time.Duration, maxSize int) *SlidingWindow {
	return &SlidingWindow{
		events:  make([]int64, 0, maxSize),
		window:  window,
		maxSize: maxSize,
	}
}

// Add records an event and trims entries that fell out of the window.
func (sw *SlidingWindow) Add(timestamp int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.events = append(sw.events, timestamp)

	cutoff := time.Now().Unix() - int64(sw.window.Seconds())
	i := 0
	for i < len(sw.events) && sw.events[i] < cutoff {
		i++
	}
	if i > 0 {
		sw.events = sw.events[i:]
	}
	if len(sw.events) > sw.maxSize {
		sw.events = sw.events[len(sw.events)-sw.maxSize:]
	}
}

// Rate returns events per second over the window.
func (sw *SlidingWindow) Rate() float64 {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	cutoff := time.Now().Unix() - int64(sw.window.Seconds())
	count := 0
	for _, ts := range sw.events {
		if ts >= cutoff {
			count++
		}
	}
	return float64(count) / sw.window.Seconds()
}

var envelopeWindow = NewSlidingWindow(60*time.Second, 10000)

// Plain counters readable without scraping, used by the health endpoint
// and the bridge connection cap.
var (
	activeConnectionsCount int64
	envelopesRelayedCount  int64
)

func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

func IncrementActiveConnections() {
	LinkConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

func DecrementActiveConnections() {
	LinkConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// RecordDispatch counts one envelope handled by a relay dispatcher.
func RecordDispatch(src string) {
	EnvelopesDispatched.WithLabelValues(src).Inc()
	atomic.AddInt64(&envelopesRelayedCount, 1)
	envelopeWindow.Add(time.Now().Unix())
}

func GetEnvelopesRelayedCount() int64 {
	return atomic.LoadInt64(&envelopesRelayedCount)
}

// GetEnvelopesPerSecond is the dispatch rate over the last minute.
func GetEnvelopesPerSecond() float64 {
	return envelopeWindow.Rate()
}

// Drop reasons for EnvelopesDropped.
const (
	DropForeignSource = "foreign_source"
	DropMissingSource = "missing_src"
	DropUnknownTabID  = "unknown_tabid"
	DropNoListener    = "no_listener"
	DropNoPending     = "no_pending_open"
	DropUnrecognized  = "unrecognized_src"
	DropMalformed     = "malformed"
)

var (
	// Page relay
	EnvelopesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "w2nb_relay_envelopes_dispatched_total",
		Help: "Envelopes routed by the relay dispatcher, by src tag",
	}, []string{"src"})

	EnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "w2nb_relay_envelopes_dropped_total",
		Help: "Envelopes absorbed without effect, by reason",
	}, []string{"reason"})

	PortsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "w2nb_relay_ports_open",
		Help: "Ports currently held in relay registries",
	})

	OpenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "w2nb_relay_open_requests_total",
		Help: "Connect outcomes by result",
	}, []string{"result"}) // "success", "rejected", "internal", "timeout", "canceled"

	OpenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "w2nb_relay_open_latency_seconds",
		Help:    "Time from open request to open result",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	TabIDReused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "w2nb_relay_tabid_reused_total",
		Help: "Open results naming an identifier that was already retired",
	})

	// Websocket link
	LinkConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "w2nb_link_connections",
		Help: "Active websocket links",
	})

	LinkFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "w2nb_link_frames_total",
		Help: "Websocket frames by direction",
	}, []string{"direction"}) // "in", "out"

	LinkFrameBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "w2nb_link_frame_size_bytes",
		Help:    "Size of websocket frames in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6),
	})

	// Bridge
	BridgeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "w2nb_bridge_sessions",
		Help: "Native application sessions held by bridges",
	})

	BridgeOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "w2nb_bridge_opens_total",
		Help: "Open requests handled by bridges, by result code",
	}, []string{"result"})

	NativeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "w2nb_bridge_native_messages_total",
		Help: "Messages exchanged with native applications, by direction",
	}, []string{"direction"}) // "to_native", "from_native"

	// HTTP
	HTTPRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "w2nb_http_requests_total",
		Help: "HTTP requests served by the bridge server",
	})

	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "w2nb_errors_total",
		Help: "Errors by type",
	}, []string{"type"})
)

// RegisterMetrics pre-creates label combinations so dashboards show zeros.
func RegisterMetrics() {
	for _, src := range []string{"openres", "natmsg", "natdis", "openreq", "webmsg", "webdis"} {
		EnvelopesDispatched.WithLabelValues(src)
	}
	for _, reason := range []string{
		DropForeignSource, DropMissingSource, DropUnknownTabID,
		DropNoListener, DropNoPending, DropUnrecognized, DropMalformed,
	} {
		EnvelopesDropped.WithLabelValues(reason)
	}
	for _, result := range []string{"success", "rejected", "internal", "timeout", "canceled"} {
		OpenRequests.WithLabelValues(result)
	}
	for _, dir := range []string{"in", "out"} {
		LinkFrames.WithLabelValues(dir)
	}
	for _, dir := range []string{"to_native", "from_native"} {
		NativeMessages.WithLabelValues(dir)
	}
}
