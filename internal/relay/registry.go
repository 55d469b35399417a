package relay

import (
	"sync"

	"github.com/Shugur-Network/w2nb/internal/metrics"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

// Registry maps connection identifiers to ports for one window.
//
// The extension must never hand out an identifier twice while the page
// lives. The registry cannot enforce that, but it remembers removed
// identifiers in a bloom filter and reports a reuse when it sees one.
type Registry struct {
	post func(*protocol.Envelope)
	log  *zap.Logger

	mu      sync.RWMutex
	ports   map[protocol.TabID]*Port
	retired *bloom.BloomFilter
}

// NewRegistry creates an empty registry whose ports post through post.
// retiredCapacity sizes the reuse detector; zero disables it.
func NewRegistry(post func(*protocol.Envelope), log *zap.Logger, retiredCapacity uint, falsePositive float64) *Registry {
	r := &Registry{
		post:  post,
		log:   log,
		ports: make(map[protocol.TabID]*Port),
	}
	if retiredCapacity > 0 {
		r.retired = bloom.NewWithEstimates(retiredCapacity, falsePositive)
	}
	return r
}

// Create registers a new port for id, replacing any port already held under it.
func (r *Registry) Create(id protocol.TabID) *Port {
	p := &Port{id: id, post: r.post}

	r.mu.Lock()
	_, replaced := r.ports[id]
	r.ports[id] = p
	reused := r.retired != nil && r.retired.TestString(string(id))
	r.mu.Unlock()

	if replaced {
		r.log.Warn("Identifier already registered, replacing port", zap.String("tabid", string(id)))
	} else {
		metrics.PortsOpen.Inc()
	}
	if reused {
		metrics.TabIDReused.Inc()
		r.log.Warn("Identifier reused after disconnect", zap.String("tabid", string(id)))
	}
	return p
}

// Lookup returns the port registered under id.
func (r *Registry) Lookup(id protocol.TabID) (*Port, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[id]
	return p, ok
}

// Remove drops the port for id and retires the identifier.
func (r *Registry) Remove(id protocol.TabID) bool {
	r.mu.Lock()
	_, ok := r.ports[id]
	if ok {
		delete(r.ports, id)
		if r.retired != nil {
			r.retired.AddString(string(id))
		}
	}
	r.mu.Unlock()

	if ok {
		metrics.PortsOpen.Dec()
	}
	return ok
}

// Retired reports whether id was probably removed before.
func (r *Registry) Retired(id protocol.TabID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.retired != nil && r.retired.TestString(string(id))
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ports)
}
