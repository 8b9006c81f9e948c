// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package server

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// SpawnFunc starts one worker serving conn and returns its pid. It must not
// wait for the worker to exit.
type SpawnFunc func(argv []string, env []string, conn *Conn) (pid int, err error)

// ForkExec is the default SpawnFunc. The child gets the connection as both
// fd 0 and fd 1 and shares the parent's stderr; nothing else is inherited.
//
// The remap and the execve happen in the forked child. If either fails, the
// child exits non-zero and the runtime reports the child's errno back through
// its close-on-exec pipe, so the failure surfaces here as an error instead of
// a child that silently keeps running parent code.
func ForkExec(argv []string, env []string, conn *Conn) (int, error) {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return 0, fmt.Errorf("%s: command not found: %w", argv[0], err)
	}

	fd := conn.File().Fd()
	pid, err := syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{fd, fd, os.Stderr.Fd()},
	})
	if err != nil {
		return 0, fmt.Errorf("fork and exec %s: %w", path, err)
	}
	return pid, nil
}

// mergeEnv concatenates KEY=VALUE lists. Later lists override earlier ones
// and the position of the first occurrence is kept.
func mergeEnv(lists ...[]string) []string {
	index := make(map[string]int)
	var env []string
	for _, list := range lists {
		for _, kv := range list {
			key, _, _ := strings.Cut(kv, "=")
			if i, ok := index[key]; ok {
				env[i] = kv
				continue
			}
			index[key] = len(env)
			env = append(env, kv)
		}
	}
	return env
}
