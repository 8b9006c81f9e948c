// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package version

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sys/unix"
)

var (
	Release    = "b000"
	CommitHash = "unknown"
	CommitTime = "unknown"
	BuildTime  = "unknown"
)

// executableHash is the sha256 of the first 64 MiB of the running binary,
// enough to tell two builds apart.
var executableHash = sync.OnceValue(func() string {
	path, err := os.Executable()
	if err != nil {
		return "unknown"
	}
	f, err := os.Open(path)
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, 64<<20)); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(h.Sum(nil))
})

// NewCommand returns the "version" subcommand. It writes to standard output
// since it never runs alongside a served connection.
func NewCommand() *ffcli.Command {
	return newCommand(os.Stdout)
}

func newCommand(w io.Writer) *ffcli.Command {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "output in JSON format")

	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "netexec version [-json]",
		ShortHelp:  "print build and kernel information",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("version: unexpected arguments %q", args)
			}
			_, err := fmt.Fprintln(w, Full(*asJSON))
			return err
		},
	}
}

// Info describes the running binary and the kernel it runs on.
type Info struct {
	Release        string `json:"release"`
	CommitHash     string `json:"commitHash"`
	CommitTime     string `json:"commitTime"`
	BuildTime      string `json:"buildTime"`
	BuildGoVersion string `json:"buildGoVersion"`
	BuildOS        string `json:"buildOS"`
	BuildArch      string `json:"buildArch"`
	ExecutableHash string `json:"executableHash"`
	KernelName     string `json:"kernelName"`
	KernelVersion  string `json:"kernelVersion"`
	KernelArch     string `json:"kernelArch"`
	UID            int    `json:"uid"`
	GID            int    `json:"gid"`
}

func Collect() *Info {
	info := &Info{
		Release:        Release,
		CommitHash:     CommitHash,
		CommitTime:     CommitTime,
		BuildTime:      BuildTime,
		BuildGoVersion: "unknown",
		BuildOS:        runtime.GOOS,
		BuildArch:      runtime.GOARCH,
		ExecutableHash: executableHash(),
		KernelName:     "Unknown",
		KernelVersion:  "unknown",
		KernelArch:     "unknown",
		UID:            os.Geteuid(),
		GID:            os.Getgid(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		info.BuildGoVersion = bi.GoVersion
	}

	var buf unix.Utsname
	if err := unix.Uname(&buf); err == nil {
		info.KernelName = unix.ByteSliceToString(buf.Sysname[:])
		info.KernelVersion = unix.ByteSliceToString(buf.Release[:])
		info.KernelArch = unix.ByteSliceToString(buf.Machine[:])
	}
	return info
}

func Full(isJSON bool) string {
	info := Collect()

	b := new(bytes.Buffer)
	if isJSON {
		enc := json.NewEncoder(b)
		enc.SetIndent("", "  ")
		enc.Encode(info)
		return b.String()
	}

	fmt.Fprintf(b, "%s\n", info.Release)
	fmt.Fprintf(b, "  commit %s at %s\n", info.CommitHash, info.CommitTime)
	fmt.Fprintf(b, "  built with %s %s/%s at %s hash %s\n", info.BuildGoVersion, info.BuildOS, info.BuildArch, info.BuildTime, info.ExecutableHash)
	fmt.Fprintf(b, "  kernel %s %s on %s\n", info.KernelName, info.KernelVersion, info.KernelArch)
	fmt.Fprintf(b, "  running with uid %d gid %d", info.UID, info.GID)
	return b.String()
}
