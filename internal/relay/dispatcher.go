package relay

import (
	"github.com/Shugur-Network/w2nb/internal/bus"
	apperrors "github.com/Shugur-Network/w2nb/internal/errors"
	"github.com/Shugur-Network/w2nb/internal/metrics"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"go.uber.org/zap"
)

// Dispatch routes one window event. Events posted by other windows, events
// without a tag and the relay's own outbound envelopes are ignored.
func (r *Relay) Dispatch(ev bus.Event) {
	if ev.Source != r.bus.ID() {
		drop(metrics.DropForeignSource)
		return
	}
	env := ev.Envelope
	if env == nil || env.Src == "" {
		drop(metrics.DropMissingSource)
		return
	}

	switch env.Src {
	case protocol.SrcOpenResult:
		r.openResult(env)
	case protocol.SrcNativeMessage:
		r.nativeMessage(env)
	case protocol.SrcNativeDisconnect:
		r.nativeDisconnect(env)
	default:
		if env.Src.Outbound() {
			return
		}
		r.log.Debug("Unrecognized envelope", zap.String("src", string(env.Src)))
		drop(metrics.DropUnrecognized)
		return
	}
	metrics.RecordDispatch(string(env.Src))
}

func (r *Relay) openResult(env *protocol.Envelope) {
	p := r.takePending()
	if p == nil {
		r.log.Debug("Open result with no request in flight")
		drop(metrics.DropNoPending)
		return
	}
	r.settleOpen(p, env.Res)
}

// settleOpen resolves p from res. Every path settles exactly once.
func (r *Relay) settleOpen(p *pendingOpen, res *protocol.OpenResult) {
	switch {
	// Any non-empty identifier opens a port, 0 and "0" included. Unlike
	// err, success is not tested for truthiness.
	case res != nil && res.Success != "":
		port := r.registry.Create(res.Success)
		port.SetMessageListener(p.onMessage)
		port.SetDisconnectListener(p.onDisconnect)
		metrics.OpenRequests.WithLabelValues("success").Inc()
		r.log.Debug("Port opened",
			zap.String("application", p.application),
			zap.String("tabid", string(res.Success)))
		p.settle(port, nil)
	case res != nil && truthy(res.Err):
		metrics.OpenRequests.WithLabelValues("rejected").Inc()
		r.log.Debug("Open rejected",
			zap.String("application", p.application),
			zap.String("reason", apperrors.ValueText(res.Err)))
		p.settle(nil, apperrors.OpenRejected(p.application, res.Err))
	default:
		metrics.OpenRequests.WithLabelValues("internal").Inc()
		r.log.Warn("Open result carries neither identifier nor error",
			zap.String("application", p.application))
		p.settle(nil, apperrors.OpenInternal(p.application))
	}
}

func (r *Relay) nativeMessage(env *protocol.Envelope) {
	if env.Req == nil {
		drop(metrics.DropMalformed)
		return
	}
	port, ok := r.registry.Lookup(env.Req.TabID)
	if !ok {
		r.log.Debug("Message for unknown port", zap.String("tabid", string(env.Req.TabID)))
		drop(metrics.DropUnknownTabID)
		return
	}
	fn := port.messageListener()
	if fn == nil {
		drop(metrics.DropNoListener)
		return
	}
	r.invoke(port, "message", func() { fn(env.Req.Message) })
}

func (r *Relay) nativeDisconnect(env *protocol.Envelope) {
	if env.Req == nil {
		drop(metrics.DropMalformed)
		return
	}
	id := env.Req.TabID
	port, ok := r.registry.Lookup(id)
	if !ok {
		r.log.Debug("Disconnect for unknown port", zap.String("tabid", string(id)))
		drop(metrics.DropUnknownTabID)
		return
	}
	if r.evict {
		r.registry.Remove(id)
	}
	fn := port.disconnectListener()
	if fn == nil {
		drop(metrics.DropNoListener)
		return
	}
	r.invoke(port, "disconnect", fn)
}

// invoke runs a listener, keeping a panicking listener from killing the dispatcher.
func (r *Relay) invoke(port *Port, kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Listener panicked",
				zap.String("tabid", string(port.id)),
				zap.String("listener", kind),
				zap.Any("panic", rec))
		}
	}()
	fn()
}

func drop(reason string) {
	metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// truthy reports whether an opaque error value counts as present.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	}
	return true
}
