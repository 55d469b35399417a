package application

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Shugur-Network/w2nb/internal/bridge"
	"github.com/Shugur-Network/w2nb/internal/config"
	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/native"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// Node runs a bridge server until it is shut down.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config *config.Config
	server *bridge.Server
	addr   net.Addr

	startTime time.Time
	done      chan error
}

// New creates and configures a Node using the NodeBuilder pattern. A nil
// launcher starts applications as child processes.
func New(ctx context.Context, cfg *config.Config, launcher native.Launcher) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg)
	if launcher != nil {
		builder.WithLauncher(launcher)
	}

	builder.BuildLauncher()

	if err := builder.BuildServer(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building server: %w", err)
	}

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start binds the websocket address and serves in the background. Listen
// errors are returned directly.
func (n *Node) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", n.config.Bridge.WSAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.config.Bridge.WSAddr, err)
	}
	n.addr = ln.Addr()
	n.startTime = time.Now()

	go func() {
		n.done <- n.server.Serve(n.ctx, ln)
		close(n.done)
	}()

	logger.Debug("Node started", zap.String("address", n.addr.String()))
	return nil
}

// Addr is the bound listener address, nil before Start.
func (n *Node) Addr() net.Addr { return n.addr }

// Server returns the bridge server.
func (n *Node) Server() *bridge.Server { return n.server }

// Config returns the node's configuration.
func (n *Node) Config() *config.Config { return n.config }

// GetStartTime returns when the node was started.
func (n *Node) GetStartTime() time.Time { return n.startTime }

// Done is closed once the server has stopped; it yields the serve error first.
func (n *Node) Done() <-chan error { return n.done }

// Shutdown stops the server and waits for it to drain.
func (n *Node) Shutdown() error {
	logger.Info("Initiating graceful shutdown...")
	n.cancel()

	if n.startTime.IsZero() {
		n.server.Close()
		return nil
	}

	select {
	case err := <-n.done:
		if err != nil {
			logger.Warn("Node shutdown completed with errors", zap.Error(err))
			return err
		}
		logger.Info("Node shutdown completed successfully",
			zap.Duration("uptime", time.Since(n.startTime)))
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("Node shutdown timed out", zap.Duration("timeout", shutdownTimeout))
		return fmt.Errorf("shutdown timed out after %v", shutdownTimeout)
	}
}
