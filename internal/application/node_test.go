package application

import (
	"context"
	"testing"
	"time"

	"github.com/Shugur-Network/w2nb/internal/bus"
	"github.com/Shugur-Network/w2nb/internal/config"
	"github.com/Shugur-Network/w2nb/internal/native"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"github.com/Shugur-Network/w2nb/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Metrics: config.MetricsConfig{Enabled: false},
		Bridge: config.BridgeConfig{
			WSAddr:         "127.0.0.1:0",
			Codec:          protocol.SubprotocolJSON,
			MaxMessageSize: 1 << 20,
			Workers:        1,
			JobBuffer:      4,
			MaxConnections: 2,
			StopTimeout:    time.Second,
			Applications:   []config.ApplicationConfig{{Name: "org.example.echo", Path: "echo"}},
		},
	}
}

func echoLauncher() native.Launcher {
	return native.LauncherFunc(func(context.Context, native.Command, string) (native.Endpoint, error) {
		browser, host := native.Pipe()
		go func() {
			_ = native.Echo(host)
			_ = host.Close()
		}()
		return browser, nil
	})
}

func TestNodeServesAndShutsDown(t *testing.T) {
	node, err := New(context.Background(), testConfig(), echoLauncher())
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	require.NotNil(t, node.Addr())

	dialer := websocket.Dialer{Subprotocols: []string{protocol.SubprotocolJSON}}
	conn, _, err := dialer.Dial("ws://"+node.Addr().String()+"/", nil)
	require.NoError(t, err)

	win := bus.NewWindow("page")
	link := bus.NewLink(conn, protocol.JSON(), win, bus.WithPingInterval(0))
	r := relay.New(win, relay.WithOrigin("https://a.example"), relay.WithLogger(zap.NewNop()),
		relay.WithConnectTimeout(2*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = link.Run(ctx) }()
	go func() { _ = r.Run(ctx) }()

	port, err := r.Connect(ctx, "org.example.echo")
	require.NoError(t, err)
	got := make(chan any, 1)
	port.SetMessageListener(func(m any) { got <- m })
	port.Send("ping")
	select {
	case m := <-got:
		assert.Equal(t, "ping", m)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}

	link.Close()
	require.NoError(t, node.Shutdown())
	_, open := <-node.Done()
	assert.False(t, open)
}

func TestStartFailsOnBadAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.WSAddr = "256.0.0.1:1"
	node, err := New(context.Background(), cfg, echoLauncher())
	require.NoError(t, err)
	assert.Error(t, node.Start(context.Background()))
	assert.NoError(t, node.Shutdown())
}

func TestNewRejectsUnknownCodec(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.Codec = "w2nb.xml"
	_, err := New(context.Background(), cfg, echoLauncher())
	assert.Error(t, err)
}
