// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package server runs the accept/spawn loop: one connection is accepted at a
// time, handed to a freshly spawned worker process and released by the
// parent before the next accept.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
)

type Server struct {
	Listener net.Listener

	// Command is the worker's argv. argv[0] is looked up in PATH.
	Command []string

	// Env is the base worker environment. Nil means os.Environ().
	Env []string

	// Spawn starts workers. Nil means ForkExec.
	Spawn SpawnFunc
}

// Serve accepts connections until ctx is done or Accept fails. Cancelling ctx
// closes the listener, which is how a blocked Accept is woken up; that case
// returns nil. Any other accept error is returned.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.Command) == 0 {
		return fmt.Errorf("missing command")
	}

	stop := context.AfterFunc(ctx, func() {
		slog.Debug("closing listener", "cause", context.Cause(ctx))
		if err := s.Listener.Close(); err != nil {
			slog.Warn("close listener", "err", err)
		}
	})
	defer stop()

	for {
		nc, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				slog.Debug("listener closed, exiting accept loop")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.dispatch(nc)
	}
}

// dispatch spawns a worker for nc. When it returns, the parent holds no
// descriptor for the connection any more.
func (s *Server) dispatch(nc net.Conn) {
	conn, err := newConn(nc)
	if err != nil {
		slog.Warn("accept: bad connection handle", "remote", nc.RemoteAddr(), "err", err)
		if err := shutdown(nc); err != nil {
			slog.Debug("shutdown stray connection", "err", err)
		}
		if err := nc.Close(); err != nil {
			slog.Warn("close", "err", err)
		}
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Warn("close", "conn", conn.ID, "err", err)
		}
	}()

	spawn := s.Spawn
	if spawn == nil {
		spawn = ForkExec
	}
	base := s.Env
	if base == nil {
		base = os.Environ()
	}

	pid, err := spawn(s.Command, mergeEnv(base, conn.Environ()), conn)
	if err != nil {
		slog.Warn("fork", "conn", conn.ID, "err", err)
		if err := conn.Shutdown(); err != nil {
			slog.Debug("shutdown", "conn", conn.ID, "err", err)
		}
		return
	}
	slog.Debug("spawned worker", "conn", conn.ID, "pid", pid, "remote", conn.RemoteAddr())
}
