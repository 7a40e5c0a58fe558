// Package daemon owns the process-lifetime concerns spec.md §4.6 describes:
// binding the configured listener, quarantining leftovers from a prior run,
// accepting connections, and shutting down gracefully on SIGINT/SIGTERM.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/danielpgross/rmate-launcher/internal/core"
	"github.com/danielpgross/rmate-launcher/internal/session"
	"github.com/danielpgross/rmate-launcher/internal/store"
)

// Daemon runs the accept loop for one Config until ctx is canceled or a
// shutdown signal arrives.
type Daemon struct {
	cfg   core.Config
	store *store.Store
}

// New returns a Daemon for cfg.
func New(cfg core.Config) *Daemon {
	return &Daemon{
		cfg:   cfg,
		store: store.New(cfg.BaseDir),
	}
}

// Run initializes the base directory, quarantines any leftovers from a prior
// run, binds the configured listener, and serves connections until ctx is
// canceled by a SIGINT/SIGTERM or the caller. It returns once every
// in-flight session has drained and the listener has been released.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.store.InitBase(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	if err := d.store.QuarantineLeftovers(time.Now()); err != nil {
		slog.Warn("failed to quarantine leftovers from a prior run", "error", err)
	}

	ln, cleanup, err := d.listen()
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down, closing listener")
		ln.Close()
	}()

	slog.Info("listening", "addr", ln.Addr())

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break // expected: Run's shutdown goroutine closed the listener
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			sess := session.New(conn, d.store, d.cfg.EditorCommand)
			sess.Handle()
		}()
	}

	wg.Wait()
	return nil
}

// listen binds the configured Bind and returns a listener plus a cleanup
// func that releases any OS-level resource (the Unix socket file) the
// listener owns.
func (d *Daemon) listen() (net.Listener, func(), error) {
	switch d.cfg.Bind.Kind {
	case core.BindUnix:
		return d.listenUnix(d.cfg.Bind.UnixPath)
	case core.BindTCP:
		return d.listenTCP(d.cfg.Bind.TCPHost, d.cfg.Bind.TCPPort)
	default:
		return nil, nil, fmt.Errorf("daemon: unknown bind kind %v", d.cfg.Bind.Kind)
	}
}

// listenUnix binds a Unix domain socket at path, clearing a stale socket
// left behind by a prior, no-longer-running daemon first (spec.md §4.6):
// dial it, and if nothing answers, remove it and retry the bind once.
func (d *Daemon) listenUnix(path string) (net.Listener, func(), error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, nil, fmt.Errorf("listen unix %s: %w", path, err)
		}

		if conn, dialErr := net.DialTimeout("unix", path, 200*time.Millisecond); dialErr == nil {
			conn.Close()
			return nil, nil, fmt.Errorf("listen unix %s: another daemon is already listening", path)
		}

		slog.Info("removing stale socket from a prior run", "path", path)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("listen unix %s: remove stale socket: %w", path, rmErr)
		}

		ln, err = net.Listen("unix", path)
		if err != nil {
			return nil, nil, fmt.Errorf("listen unix %s: %w", path, err)
		}
	}

	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to chmod socket", "path", path, "error", err)
	}

	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}

	cleanup := func() {
		ln.Close()
		os.Remove(path)
	}
	return ln, cleanup, nil
}

// listenTCP binds a TCP listener on host:port, per spec.md §6's TCP mode.
func (d *Daemon) listenTCP(host string, port int) (net.Listener, func(), error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	lc := net.ListenConfig{
		Control: setReuseAddr,
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return ln, func() { ln.Close() }, nil
}

// setReuseAddr sets SO_REUSEADDR on the listening socket so a restarted
// daemon doesn't have to wait out TIME_WAIT on its previous TCP listener.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
