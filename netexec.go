// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"netexec.dev/cmd/serve"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := serve.NewCommand()
	c.FlagSet.SetOutput(os.Stderr)

	switch err := c.Parse(os.Args[1:]); {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		return
	case strings.Contains(err.Error(), "flag provided but not defined"):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "netexec: error: %v\n", err)
		os.Exit(1)
	}

	err := c.Run(ctx)
	if err == nil {
		return
	}

	var usage *serve.UsageError
	if errors.As(err, &usage) {
		fmt.Fprintf(os.Stderr, "%s\n", c.UsageFunc(c))
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "netexec: error: %v\n", err)
	os.Exit(1)
}
