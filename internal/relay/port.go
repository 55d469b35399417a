package relay

import (
	"sync"

	"github.com/Shugur-Network/w2nb/internal/protocol"
)

// Port is the page-side handle of one connection to a native application.
// It owns no native resource; the real connection lives in the extension.
type Port struct {
	id   protocol.TabID
	post func(*protocol.Envelope)

	mu           sync.Mutex
	onMessage    func(message any)
	onDisconnect func()
}

// ID returns the identifier the extension assigned to this connection.
func (p *Port) ID() protocol.TabID { return p.id }

// SetMessageListener registers the callback for messages from the native
// application. A later call replaces the earlier listener; nil clears it.
// The callback runs on the dispatcher goroutine and must not block.
func (p *Port) SetMessageListener(fn func(message any)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

// SetDisconnectListener registers the callback invoked when the extension
// reports the connection closed. Last registration wins.
func (p *Port) SetDisconnectListener(fn func()) {
	p.mu.Lock()
	p.onDisconnect = fn
	p.mu.Unlock()
}

// Send posts message to the native application. There is no acknowledgment.
func (p *Port) Send(message any) {
	p.post(protocol.NewWebMessage(p.id, message))
}

// RequestDisconnect asks the extension to close the connection. The port
// stays registered and the disconnect listener only fires if the extension
// reports the close back.
func (p *Port) RequestDisconnect() {
	p.post(protocol.NewWebDisconnect(p.id))
}

func (p *Port) messageListener() func(any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onMessage
}

func (p *Port) disconnectListener() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onDisconnect
}
