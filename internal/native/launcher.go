package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/Shugur-Network/w2nb/internal/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// Command describes how to start a native application.
type Command struct {
	Name string
	Path string
	Args []string
	Env  []string // appended to the bridge's environment
}

// Launcher starts native applications on behalf of a page origin.
type Launcher interface {
	Launch(ctx context.Context, cmd Command, origin string) (Endpoint, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, cmd Command, origin string) (Endpoint, error)

func (f LauncherFunc) Launch(ctx context.Context, cmd Command, origin string) (Endpoint, error) {
	return f(ctx, cmd, origin)
}

// ProcessLauncher runs each application as a child process speaking native
// messaging on its stdin and stdout. The caller origin is passed as the first
// argument, ahead of the configured ones.
type ProcessLauncher struct {
	// StopTimeout is how long Close waits for the process to exit after
	// closing its stdin before killing it.
	StopTimeout time.Duration

	log *zap.Logger
}

func NewProcessLauncher(stopTimeout time.Duration) *ProcessLauncher {
	if stopTimeout <= 0 {
		stopTimeout = 2 * time.Second
	}
	return &ProcessLauncher{StopTimeout: stopTimeout, log: logger.New("native")}
}

func (l *ProcessLauncher) Launch(ctx context.Context, cmd Command, origin string) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append([]string{origin}, cmd.Args...)
	c := exec.Command(cmd.Path, args...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// exec copies stdout into the pipe and Wait waits for the copy, so the
	// reader sees every byte before EOF.
	stdout, stdoutW := io.Pipe()
	c.Stdout = stdoutW
	log := l.log.With(zap.String("application", cmd.Name), zap.String("origin", origin))
	stderr := &zapio.Writer{Log: log, Level: zapcore.WarnLevel}
	c.Stderr = stderr

	if err := c.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutW.Close()
		return nil, err
	}
	log.Debug("Native application started", zap.Int("pid", c.Process.Pid))

	p := &Process{
		Conn:    NewConn(stdout, stdin),
		cmd:     c,
		stdout:  stdoutW,
		stderr:  stderr,
		timeout: l.StopTimeout,
		log:     log,
		exited:  make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// Process is a running native application.
type Process struct {
	*Conn

	cmd     *exec.Cmd
	stdout  *io.PipeWriter
	stderr  *zapio.Writer
	timeout time.Duration
	log     *zap.Logger

	exited  chan struct{}
	waitErr error
	once    sync.Once
}

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	_ = p.stdout.Close()
	_ = p.stderr.Close()
	close(p.exited)
	p.log.Debug("Native application exited", zap.Error(p.waitErr))
}

// Exited is closed once the process has terminated.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Close closes the process's stdin and waits for it to exit, killing it
// after the stop timeout.
func (p *Process) Close() error {
	var err error
	p.once.Do(func() {
		_ = p.Conn.Close()
		select {
		case <-p.exited:
		case <-time.After(p.timeout):
			p.log.Warn("Native application did not exit, killing it")
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		var exitErr *exec.ExitError
		if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) && !errors.Is(p.waitErr, io.ErrClosedPipe) {
			err = p.waitErr
		}
	})
	return err
}
