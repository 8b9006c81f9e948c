// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Reaper collects exited workers. Workers are never waited on individually;
// every SIGCHLD drains all children that have exited so far, since the
// kernel coalesces pending SIGCHLDs into one.
type Reaper struct {
	// OnExit, if set, is called for every reaped child after it's logged.
	OnExit func(pid int, status unix.WaitStatus)
}

// Run reaps children until ctx is done, then reaps once more and returns.
func (r *Reaper) Run(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGCHLD)
	defer signal.Stop(ch)

	r.drain()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case <-ch:
			r.drain()
		}
	}
}

func (r *Reaper) drain() (n int) {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return n
		case err != nil:
			slog.Warn("wait", "err", err)
			return n
		case pid <= 0:
			return n
		}

		n++
		switch {
		case status.Signaled():
			slog.Warn("child killed by signal", "pid", pid, "signal", status.Signal())
		case status.Exited() && status.ExitStatus() != 0:
			slog.Warn("child exit code", "pid", pid, "code", status.ExitStatus())
		default:
			slog.Debug("child exited", "pid", pid)
		}
		if r.OnExit != nil {
			r.OnExit(pid, status)
		}
	}
}
