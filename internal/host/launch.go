package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/mattn/go-shellwords"
)

// LaunchOptions configures how the bridge process is spawned.
type LaunchOptions struct {
	// Command is the bridge executable plus leading arguments; port, voice
	// sample and model directory are appended in that order.
	Command       string
	VoicePath     string
	ModelDir      string
	AcceptTimeout time.Duration
	MaxFrameBytes uint32
	Logger        *slog.Logger
}

// Process is a running bridge with its accepted connection.
type Process struct {
	cmd    *exec.Cmd
	client *Client
	exited chan struct{}
	err    error
	log    *slog.Logger
}

// Launch listens on an ephemeral loopback port, starts the bridge pointed at
// it and waits for exactly one connection.
func Launch(ctx context.Context, opts LaunchOptions) (*Process, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "bridge-launcher"))
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = 2 * time.Minute
	}

	args, err := shellwords.NewParser().Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse bridge command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("bridge command empty")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	args = append(args, strconv.Itoa(port), opts.VoicePath, opts.ModelDir)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge: %w", err)
	}
	log.Info("bridge process started", slog.Int("pid", cmd.Process.Pid), slog.Int("port", port))

	p := &Process{cmd: cmd, exited: make(chan struct{}), log: log}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- accepted{conn, err}
	}()

	timer := time.NewTimer(opts.AcceptTimeout)
	defer timer.Stop()

	select {
	case a := <-acceptCh:
		if a.err != nil {
			p.kill()
			return nil, fmt.Errorf("accept bridge connection: %w", a.err)
		}
		p.client = NewClient(a.conn, opts.MaxFrameBytes, log)
		log.Info("bridge connected", slog.String("remote", a.conn.RemoteAddr().String()))
		return p, nil
	case <-p.exited:
		return nil, fmt.Errorf("bridge exited before connecting: %v", p.err)
	case <-timer.C:
		p.kill()
		return nil, fmt.Errorf("bridge did not connect within %s", opts.AcceptTimeout)
	case <-ctx.Done():
		p.kill()
		return nil, ctx.Err()
	}
}

func (p *Process) Client() *Client {
	return p.client
}

// Exited is closed once the bridge process has terminated.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Close closes the connection, which the bridge answers by exiting cleanly,
// and waits up to timeout before killing it.
func (p *Process) Close(timeout time.Duration) error {
	if p.client != nil {
		_ = p.client.Close()
	}
	select {
	case <-p.exited:
	case <-time.After(timeout):
		p.log.Warn("bridge did not exit, killing")
		p.kill()
	}
	return p.err
}

func (p *Process) kill() {
	_ = p.cmd.Process.Kill()
	<-p.exited
}
