package application

import (
	"context"
	"fmt"

	"github.com/Shugur-Network/w2nb/internal/bridge"
	"github.com/Shugur-Network/w2nb/internal/config"
	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/native"
	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	launcher native.Launcher
	server   *bridge.Server
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{ctx: c, cancel: cancel, config: cfg}
}

// WithLauncher replaces the process launcher, mostly for tests.
func (b *NodeBuilder) WithLauncher(l native.Launcher) *NodeBuilder {
	b.launcher = l
	return b
}

// BuildLauncher sets up how native applications are started.
func (b *NodeBuilder) BuildLauncher() {
	if b.launcher != nil {
		return
	}
	b.launcher = native.NewProcessLauncher(b.config.Bridge.StopTimeout)
	for _, app := range b.config.Bridge.Applications {
		logger.Debug("Registered native application",
			zap.String("name", app.Name),
			zap.String("path", app.Path),
			zap.Strings("allowed_origins", app.AllowedOrigins))
	}
}

// BuildServer creates the websocket bridge server.
func (b *NodeBuilder) BuildServer() error {
	if b.launcher == nil {
		return fmt.Errorf("launcher must be built before the server")
	}
	s, err := bridge.NewServer(b.config, b.launcher)
	if err != nil {
		return err
	}
	b.server = s
	return nil
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.server == nil {
		b.cancel()
		return nil, fmt.Errorf("server must be built before calling Build()")
	}
	logger.Debug("Node initialized successfully via builder")
	return &Node{
		ctx:    b.ctx,
		cancel: b.cancel,
		config: b.config,
		server: b.server,
		done:   make(chan error, 1),
	}, nil
}
