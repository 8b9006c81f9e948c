// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package serve

import (
	"errors"
	"strings"

	"netexec.dev/listener"
)

const defaultHost = "127.0.0.1"

var errUsage = errors.New("usage")

type invocation struct {
	spec    listener.Spec
	command []string
}

// parseArgs splits the positional arguments into host, port and command.
//
// The flag package swallows a "--" that directly follows the flags, so
// "netexec -- cat" arrives here as just {"cat"}. dashed reports whether that
// happened, in which case everything is the command.
func parseArgs(args []string, dashed bool) (*invocation, error) {
	inv := &invocation{spec: listener.Spec{Host: defaultHost}}

	if !dashed {
		if len(args) > 0 && args[0] != "--" {
			inv.spec.Host = args[0]
			args = args[1:]
		}
		if len(args) > 0 && args[0] != "--" {
			if args[0] != "auto" {
				inv.spec.Port = args[0]
			}
			args = args[1:]
		}
		if len(args) > 0 && args[0] == "--" {
			args = args[1:]
		}
	}

	if len(args) == 0 {
		return nil, errUsage
	}
	if inv.spec.Port != "" && strings.HasPrefix(inv.spec.Host, "/") {
		return nil, errUsage
	}
	inv.command = args
	return inv, nil
}

// terminatorConsumed reports whether the flag parser ate a "--" right before
// the positional arguments args, given the full raw argument list.
func terminatorConsumed(raw, args []string) bool {
	i := len(raw) - len(args)
	return i > 0 && raw[i-1] == "--"
}
