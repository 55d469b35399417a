package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shugur-Network/w2nb/internal/bus"
	"github.com/Shugur-Network/w2nb/internal/config"
	"github.com/Shugur-Network/w2nb/internal/health"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"github.com/Shugur-Network/w2nb/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enabled: true},
		Bridge:  testBridgeConfig(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewServer(cfg, fakeLauncher())
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		s.Close()
	})
	return srv
}

// dialPage connects a page window to srv and attaches a relay to it.
func dialPage(t *testing.T, srv *httptest.Server, subprotocol string) *relay.Relay {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{subprotocol}}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.NoError(t, err)

	reg, err := protocol.NewRegistry()
	require.NoError(t, err)
	codec, ok := reg.Get(conn.Subprotocol())
	require.True(t, ok)

	win := bus.NewWindow("page")
	link := bus.NewLink(conn, codec, win, bus.WithPingInterval(0))
	r := relay.New(win, relay.WithOrigin(pageOrigin), relay.WithLogger(zap.NewNop()),
		relay.WithConnectTimeout(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = link.Run(ctx) }()
	go func() { _ = r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		link.Close()
		win.Close()
	})
	return r
}

func TestServerEndToEnd(t *testing.T) {
	for _, sub := range []string{protocol.SubprotocolJSON, protocol.SubprotocolCBOR} {
		t.Run(sub, func(t *testing.T) {
			srv := startServer(t, nil)
			r := dialPage(t, srv, sub)

			port, err := r.Connect(context.Background(), echoApp)
			require.NoError(t, err)

			got := make(chan any, 2)
			closed := make(chan struct{}, 1)
			port.SetMessageListener(func(m any) { got <- m })
			port.SetDisconnectListener(func() { closed <- struct{}{} })

			port.Send("hello")
			port.Send(map[string]any{"text": "hi"})
			assert.Equal(t, "hello", recv(t, got))
			assert.Equal(t, map[string]any{"text": "hi"}, recv(t, got))

			port.RequestDisconnect()
			waitSignal(t, closed)
		})
	}
}

func TestServerRejectsUnknownApplication(t *testing.T) {
	srv := startServer(t, nil)
	r := dialPage(t, srv, protocol.SubprotocolJSON)

	_, err := r.Connect(context.Background(), "org.example.nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown application: org.example.nope")
}

func TestServerConnectionLimit(t *testing.T) {
	srv := startServer(t, func(c *config.Config) { c.Bridge.MaxConnections = 1 })
	_ = dialPage(t, srv, protocol.SubprotocolJSON)

	dialer := websocket.Dialer{Subprotocols: []string{protocol.SubprotocolJSON}}
	_, resp, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "CONNECTION_LIMIT_EXCEEDED", body.Error.Code)
}

func TestServerHealthAndMetrics(t *testing.T) {
	srv := startServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var report health.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.NotEqual(t, health.StatusUnhealthy, report.Status)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "w2nb_http_requests_total")

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerWithoutSubprotocolUsesJSON(t *testing.T) {
	srv := startServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"src": "openreq", "origin": pageOrigin, "application": echoApp,
	}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, protocol.SrcOpenResult, env.Src)
	require.NotNil(t, env.Res)
	assert.Equal(t, protocol.TabID("1"), env.Res.Success)
}
