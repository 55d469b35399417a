package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Shugur-Network/w2nb/internal/bus"
	"github.com/Shugur-Network/w2nb/internal/config"
	apperrors "github.com/Shugur-Network/w2nb/internal/errors"
	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"github.com/Shugur-Network/w2nb/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// maxInputLine matches the largest message a browser may send to a host.
const maxInputLine = 64 << 20

// disconnectGrace bounds the wait for the bridge to confirm a disconnect on shutdown.
const disconnectGrace = 2 * time.Second

var errBridgeGone = errors.New("bridge closed the connection")

type connectOptions struct {
	relay  config.RelayConfig
	linger time.Duration // wait after end of input before disconnecting
	in     io.Reader
	out    io.Writer
}

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <application>",
		Short: "Open a connection to a native application through a bridge",
		Long: `Connect to the bridge as a page would and open the named application.
Each stdin line is sent as one message: JSON when it parses, a string otherwise.
Every message from the application is printed as one JSON line on stdout.
The command ends when the application disconnects or stdin is closed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			linger, _ := cmd.Flags().GetDuration("linger")
			return runConnect(cmd.Context(), args[0], connectOptions{
				relay:  cfg.Relay,
				linger: linger,
				in:     os.Stdin,
				out:    os.Stdout,
			})
		},
	}
	cmd.Flags().String("bridge-url", "", "Websocket URL of the bridge")
	cmd.Flags().Duration("linger", time.Second, "How long to wait for replies after stdin closes")
	return cmd
}

func runConnect(ctx context.Context, application string, opts connectOptions) error {
	log := logger.New("connect")
	rc := opts.relay

	dialer := websocket.Dialer{
		Subprotocols:     []string{rc.Codec},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, rc.BridgeURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", rc.BridgeURL, resp.Status, err)
		}
		return apperrors.WebSocketError("dial", err)
	}

	codecs, err := protocol.NewRegistry()
	if err != nil {
		conn.Close()
		return err
	}
	name := conn.Subprotocol()
	if name == "" {
		name = protocol.SubprotocolJSON
	}
	codec, ok := codecs.Get(name)
	if !ok {
		conn.Close()
		return fmt.Errorf("bridge chose unknown subprotocol %q", name)
	}

	win := bus.NewWindow("cli")
	link := bus.NewLink(conn, codec, win, bus.WithLinkLogger(log))
	relayOpts := []relay.Option{
		relay.WithConnectTimeout(rc.ConnectTimeout),
		relay.WithEvictOnDisconnect(rc.EvictOnDisconnect),
		relay.WithRetiredCapacity(rc.RetiredCapacity, rc.RetiredFalsePositive),
	}
	if rc.Origin != "" {
		relayOpts = append(relayOpts, relay.WithOrigin(rc.Origin))
	}
	r := relay.New(win, relayOpts...)

	// The link and relay outlive ctx so a disconnect can still be sent
	// after a signal; lost ends when either ctx or the link does.
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	lost, linkGone := context.WithCancel(ctx)
	defer linkGone()
	linkDone := make(chan error, 1)
	go func() {
		linkDone <- link.Run(runCtx)
		linkGone()
	}()
	go func() { _ = r.Run(runCtx) }()
	defer func() {
		link.Close()
		win.Close()
	}()

	var outMu sync.Mutex
	enc := json.NewEncoder(opts.out)
	onMessage := func(message any) {
		outMu.Lock()
		defer outMu.Unlock()
		if err := enc.Encode(message); err != nil {
			log.Warn("Failed to write message", zap.Error(err))
		}
	}
	closed := make(chan struct{})
	var once sync.Once
	onDisconnect := func() { once.Do(func() { close(closed) }) }

	port, err := r.ConnectWith(lost, application, onMessage, onDisconnect)
	if err != nil {
		if ctx.Err() == nil {
			if lerr := linkError(linkDone); lerr != nil {
				return lerr
			}
		}
		return err
	}
	log.Info("Connected",
		zap.String("application", application),
		zap.String("tabid", string(port.ID())),
		zap.String("codec", codec.Name()))

	inputDone := make(chan error, 1)
	go func() { inputDone <- sendLines(opts.in, port) }()

	var lingerC <-chan time.Time
	for {
		select {
		case <-closed:
			log.Info("Application disconnected")
			return nil
		case <-lost.Done():
			if ctx.Err() == nil {
				return linkError(linkDone)
			}
			port.RequestDisconnect()
			select {
			case <-closed:
			case <-linkDone:
			case <-time.After(disconnectGrace):
				log.Debug("No disconnect confirmation from the bridge")
			}
			return nil
		case err := <-inputDone:
			inputDone = nil
			if err != nil {
				port.RequestDisconnect()
				return fmt.Errorf("read input: %w", err)
			}
			lingerC = time.After(opts.linger)
		case <-lingerC:
			lingerC = nil
			port.RequestDisconnect()
		}
	}
}

// linkError reports why the link ended, or nil while it is still running.
func linkError(done <-chan error) error {
	select {
	case err := <-done:
		if err == nil {
			err = errBridgeGone
		}
		return err
	default:
		return nil
	}
}

// sendLines posts every non-empty line of in as a message on port.
func sendLines(in io.Reader, port *relay.Port) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxInputLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg any
		if err := json.Unmarshal(line, &msg); err != nil {
			msg = string(line)
		}
		port.Send(msg)
	}
	return sc.Err()
}
