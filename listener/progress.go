// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package listener

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// progress reports bind retries. On a terminal (or any writer that isn't a
// file) it prints "Address in use" followed by one dot per further retry.
// A redirected file gets one structured log line per retry instead.
type progress struct {
	w      io.Writer
	inline bool
	dirty  bool
}

func newProgress(w io.Writer) *progress {
	inline := true
	if f, ok := w.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		inline = false
	}
	return &progress{w: w, inline: inline}
}

func (p *progress) retry(attempt int) {
	if !p.inline {
		slog.Warn("address in use, retrying bind", "attempt", attempt+1)
		return
	}
	if attempt == 0 {
		fmt.Fprint(p.w, "Address in use")
	} else {
		fmt.Fprint(p.w, ".")
	}
	p.dirty = true
}

func (p *progress) done() {
	if p.dirty {
		fmt.Fprint(p.w, "\n")
		p.dirty = false
	}
}
