// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package listener creates the single listening socket netexec serves from.
//
// Sockets are created with raw socket(2), bind(2) and listen(2) calls rather
// than net.Listen so that the backlog, SO_REUSEPORT and the EADDRINUSE retry
// loop stay under our control. The finished descriptor is handed to the net
// package and the raw copy is closed, so a Listener owns exactly one
// descriptor.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrPathTooLong = errors.New("path too long")
	ErrInvalidPath = errors.New("invalid unix socket path")
	ErrNoAddress   = errors.New("no address to listen")
	ErrUsage       = errors.New("port cannot be used with a unix socket path")
)

// Spec names what to listen on. A Host starting with "/" selects a UNIX
// domain socket at that path; anything else is resolved as a TCP host. An
// empty Port asks the kernel for an ephemeral port.
type Spec struct {
	Host string
	Port string
}

func (s Spec) IsUnix() bool {
	return strings.HasPrefix(s.Host, "/")
}

func (s Spec) Validate() error {
	switch {
	case s.Host == "":
		return fmt.Errorf("empty host")
	case s.IsUnix() && s.Port != "":
		return ErrUsage
	}
	return nil
}

type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

type Options struct {
	Backlog   int
	ReusePort bool
	Unlink    bool
	Retry     RetryPolicy

	// Progress receives the bind retry markers. Defaults to os.Stderr.
	Progress io.Writer
}

func (o Options) withDefaults() Options {
	if o.Backlog <= 0 {
		o.Backlog = 5
	}
	if o.Progress == nil {
		o.Progress = os.Stderr
	}
	return o
}

// Listener is the listening handle. It embeds the net.Listener built from
// the raw socket.
type Listener struct {
	net.Listener

	network string
	addr    string
	path    string
	unlink  bool

	closeOnce sync.Once
	closeErr  error
}

// Network returns "unix" or "tcp".
func (l *Listener) Network() string {
	return l.network
}

// String returns the socket path for UNIX sockets and ip:port otherwise.
func (l *Listener) String() string {
	return l.addr
}

// Close closes the listening socket. It is safe to call more than once; only
// the first call has an effect.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.Listener.Close()
		if l.unlink && l.path != "" {
			if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("failed to remove unix socket file", "path", l.path, "err", err)
			}
		}
	})
	return l.closeErr
}

// Listen creates, binds and starts listening on the socket described by
// spec. ctx only bounds the TCP name resolution and the bind retry waits.
func Listen(ctx context.Context, spec Spec, opts Options) (*Listener, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if spec.IsUnix() {
		return listenUnix(spec.Host, opts)
	}
	return listenTCP(ctx, spec.Host, spec.Port, opts)
}

func listenUnix(path string, opts Options) (*Listener, error) {
	var raw unix.RawSockaddrUnix
	if len(path) >= len(raw.Path) {
		return nil, ErrPathTooLong
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, opts.Backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	ln, err := fileListener(fd, path)
	if err != nil {
		return nil, err
	}
	slog.Debug("listening on unix socket", "path", path, "backlog", opts.Backlog)
	return &Listener{Listener: ln, network: "unix", addr: path, path: path, unlink: opts.Unlink}, nil
}

func listenTCP(ctx context.Context, host, port string, opts Options) (*Listener, error) {
	sa, family, fixed, err := resolve(ctx, host, port)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if opts.ReusePort && fixed {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			slog.Warn("SO_REUSEPORT is not available", "err", err)
		}
	}

	if err := bindRetry(ctx, fd, sa, opts); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, opts.Backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	addr := formatSockaddr(bound)

	ln, err := fileListener(fd, addr)
	if err != nil {
		return nil, err
	}
	slog.Debug("listening on tcp socket", "addr", addr, "backlog", opts.Backlog, "reuseport", opts.ReusePort && fixed)
	return &Listener{Listener: ln, network: "tcp", addr: addr}, nil
}

// bindRetry binds fd to sa, retrying while the address is in use. The first
// retry prints "Address in use" to the progress stream and every further
// retry a dot; the line is terminated once binding succeeds or gives up.
func bindRetry(ctx context.Context, fd int, sa unix.Sockaddr, opts Options) error {
	p := newProgress(opts.Progress)
	defer p.done()

	for attempt := 0; ; attempt++ {
		err := unix.Bind(fd, sa)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EADDRINUSE) || attempt >= opts.Retry.Attempts {
			return err
		}
		p.retry(attempt)

		t := time.NewTimer(opts.Retry.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", err, context.Cause(ctx))
		case <-t.C:
		}
	}
}

// fileListener hands the raw socket over to the net package. net.FileListener
// dups the descriptor, so the original is closed here in every case.
func fileListener(fd int, name string) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}
