// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package serve

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"netexec.dev/cmd/version"
	"netexec.dev/config"
	"netexec.dev/listener"
	"netexec.dev/logging"
	"netexec.dev/server"
)

type Command struct {
	flags struct {
		config        string
		backlog       int
		retries       int
		retryInterval time.Duration
		reusePort     bool
		unlink        bool
	}

	config *config.Config

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	return &newCommand().Command
}

func newCommand() *Command {
	c := new(Command)

	c.Name = filepath.Base(os.Args[0])
	c.ShortUsage = "netexec [flags] [host [port]] -- <command> [arguments]"
	c.ShortHelp = "serve a command over a socket, one connection at a time"

	c.FlagSet = flag.NewFlagSet(c.Name, flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	c.FlagSet.IntVar(&c.flags.backlog, "backlog", config.DefaultBacklog, "listen backlog")
	c.FlagSet.IntVar(&c.flags.retries, "retries", config.DefaultRetryAttempts, "bind retries while the address is in use")
	c.FlagSet.DurationVar(&c.flags.retryInterval, "retry-interval", config.DefaultRetryInterval, "wait between bind retries (0 means the default)")
	c.FlagSet.BoolVar(&c.flags.reusePort, "reuseport", true, "set SO_REUSEPORT when listening on a fixed TCP port")
	c.FlagSet.BoolVar(&c.flags.unlink, "unlink", false, "remove the unix socket file on shutdown")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")
	c.UsageFunc = func(fc *ffcli.Command) string {
		return ffcli.DefaultUsageFunc(fc) + ExtraHelp()
	}

	c.Subcommands = append(c.Subcommands, version.NewCommand())

	c.Options = []ff.Option{ff.WithEnvVarPrefix("NETEXEC")}
	c.Exec = c.entrypoint
	return c
}

func ExtraHelp() string {
	return strings.Join([]string{
		"",
		"EXAMPLES",
		"  $ netexec -- cat",
		"  $ netexec 0.0.0.0 8080 -- date",
		"  $ netexec ::1 auto -- sh -c 'echo hello from $TCPREMOTEIP'",
		"  $ netexec /tmp/bc.sock -- bc -l",
		"",
	}, "\n")
}

// UsageError is returned for bad invocations. main prints the usage text
// for it instead of an error line.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string {
	return "usage: " + e.Usage
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	inv, err := parseArgs(args, terminatorConsumed(os.Args[1:], args))
	if err != nil {
		return &UsageError{Usage: c.ShortUsage}
	}

	if err := c.loadConfig(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Debug("starting netexec", "release", version.Release, "pid", os.Getpid(), "host", inv.spec.Host, "port", inv.spec.Port, "command", inv.command)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigs)
	go c.watchSignals(ctx, cancel, sigs)

	ln, err := listener.Listen(ctx, inv.spec, c.listenOptions())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	fmt.Fprintf(os.Stderr, "listening on %s\n", ln)

	srv := &server.Server{
		Listener: ln,
		Command:  inv.command,
		Env:      append(os.Environ(), c.config.Worker.Environ()...),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return new(server.Reaper).Run(gctx)
	})
	g.Go(func() error {
		defer cancel(nil)
		return srv.Serve(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Debug("exiting", "cause", context.Cause(ctx))
	return nil
}

// loadConfig merges the configuration file with the flags. Flags given
// explicitly (on the command line or through NETEXEC_* variables) win.
func (c *Command) loadConfig() error {
	c.config = config.Default()
	if c.flags.config != "" {
		if err := c.config.Load(c.flags.config); err != nil {
			return err
		}
	}

	c.FlagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backlog":
			c.config.Listen.Backlog = c.flags.backlog
		case "retries":
			c.config.Listen.Retry.Attempts = &c.flags.retries
		case "retry-interval":
			c.config.Listen.Retry.Interval = cmp.Or(c.flags.retryInterval, config.DefaultRetryInterval)
		case "reuseport":
			c.config.Listen.ReusePort = &c.flags.reusePort
		case "unlink":
			c.config.Listen.Unlink = c.flags.unlink
		}
	})
	return c.config.Validate()
}

func (c *Command) listenOptions() listener.Options {
	return listener.Options{
		Backlog:   c.config.Listen.Backlog,
		ReusePort: *c.config.Listen.ReusePort,
		Unlink:    c.config.Listen.Unlink,
		Retry: listener.RetryPolicy{
			Attempts: *c.config.Listen.Retry.Attempts,
			Interval: c.config.Listen.Retry.Interval,
		},
		Progress: os.Stderr,
	}
}

var errSignal = errors.New("received signal")

// watchSignals cancels ctx on the first signal received on sigs. The caller
// registers sigs before the listener exists so that no shutdown signal can
// hit the default action.
func (c *Command) watchSignals(ctx context.Context, cancel context.CancelCauseFunc, sigs <-chan os.Signal) {
	select {
	case <-ctx.Done():
	case sig := <-sigs:
		slog.Debug("received signal", "signal", sig)
		cancel(fmt.Errorf("%w: %v", errSignal, sig))
	}
}
