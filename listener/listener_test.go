// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package listener

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	. "github.com/thediveo/fdooze"
	"golang.org/x/sys/unix"
)

func checkNoLeakedFds(t *testing.T) {
	t.Helper()
	g := NewWithT(t)

	// Make sure the runtime's netpoller descriptors exist before the baseline.
	if warm, err := net.Listen("tcp", "127.0.0.1:0"); err == nil {
		warm.Close()
	}
	goodfds := Filedescriptors()
	t.Cleanup(func() {
		g.Eventually(Filedescriptors).Within(2 * time.Second).ProbeEvery(50 * time.Millisecond).
			ShouldNot(HaveLeakedFds(goodfds))
	})
}

func dial(t *testing.T, network, addr string) {
	t.Helper()
	c, err := net.DialTimeout(network, addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s %s: %v", network, addr, err)
	}
	c.Close()
}

func TestListenUnixReplacesStaleFile(t *testing.T) {
	g := NewWithT(t)
	path := filepath.Join(t.TempDir(), "netexec.sock")
	g.Expect(os.WriteFile(path, []byte("stale"), 0o600)).To(Succeed())

	ln, err := Listen(context.Background(), Spec{Host: path}, Options{})
	g.Expect(err).NotTo(HaveOccurred())
	defer ln.Close()

	g.Expect(ln.Network()).To(Equal("unix"))
	g.Expect(ln.String()).To(Equal(path))

	st, err := os.Stat(path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(st.Mode() & os.ModeSocket).NotTo(BeZero())
	dial(t, "unix", path)

	// A second instance unlinks and replaces the first one's socket file.
	ln2, err := Listen(context.Background(), Spec{Host: path}, Options{})
	g.Expect(err).NotTo(HaveOccurred())
	defer ln2.Close()

	done := make(chan error, 1)
	go func() {
		c, err := ln2.Accept()
		if err == nil {
			c.Close()
		}
		done <- err
	}()
	dial(t, "unix", path)
	g.Eventually(done).Should(Receive(BeNil()))
}

func TestListenUnixErrors(t *testing.T) {
	g := NewWithT(t)

	long := "/" + strings.Repeat("x", 200)
	_, err := Listen(context.Background(), Spec{Host: long}, Options{})
	g.Expect(err).To(MatchError(ErrPathTooLong))

	dir := filepath.Join(t.TempDir(), "busy")
	g.Expect(os.Mkdir(dir, 0o700)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(dir, "file"), nil, 0o600)).To(Succeed())
	_, err = Listen(context.Background(), Spec{Host: dir}, Options{})
	g.Expect(err).To(MatchError(ErrInvalidPath))

	_, err = Listen(context.Background(), Spec{Host: filepath.Join(t.TempDir(), "s"), Port: "80"}, Options{})
	g.Expect(err).To(MatchError(ErrUsage))
}

func TestListenUnixUnlinkOnClose(t *testing.T) {
	g := NewWithT(t)
	path := filepath.Join(t.TempDir(), "netexec.sock")

	ln, err := Listen(context.Background(), Spec{Host: path}, Options{Unlink: true})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ln.Close()).To(Succeed())
	g.Expect(ln.Close()).To(Succeed())
	_, err = os.Stat(path)
	g.Expect(err).To(MatchError(os.ErrNotExist))

	ln, err = Listen(context.Background(), Spec{Host: path}, Options{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ln.Close()).To(Succeed())
	_, err = os.Stat(path)
	g.Expect(err).NotTo(HaveOccurred())
}

func TestListenTCPAutoPort(t *testing.T) {
	checkNoLeakedFds(t)

	for _, port := range []string{"", "auto", "0"} {
		t.Run(strconv.Quote(port), func(t *testing.T) {
			g := NewWithT(t)
			ln, err := Listen(context.Background(), Spec{Host: "127.0.0.1", Port: port}, Options{})
			g.Expect(err).NotTo(HaveOccurred())
			defer ln.Close()

			g.Expect(ln.Network()).To(Equal("tcp"))
			g.Expect(ln.String()).To(HavePrefix("127.0.0.1:"))
			g.Expect(ln.String()).NotTo(Equal("127.0.0.1:0"))
			g.Expect(ln.Addr().String()).To(Equal(ln.String()))
			dial(t, "tcp", ln.String())
		})
	}
}

func TestListenTCPIPv6(t *testing.T) {
	g := NewWithT(t)
	ln, err := Listen(context.Background(), Spec{Host: "::1"}, Options{})
	if err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	}
	defer ln.Close()

	g.Expect(ln.String()).To(HavePrefix("::1:"))
	_, port, err := net.SplitHostPort(ln.Addr().String())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ln.String()).To(Equal("::1:" + port))
	dial(t, "tcp", ln.Addr().String())
}

func occupy(t *testing.T) (net.Listener, string) {
	t.Helper()
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, port, _ := net.SplitHostPort(blocker.Addr().String())
	return blocker, port
}

func TestListenTCPRetryExhausted(t *testing.T) {
	g := NewWithT(t)
	blocker, port := occupy(t)
	defer blocker.Close()

	var progress bytes.Buffer
	start := time.Now()
	_, err := Listen(context.Background(), Spec{Host: "127.0.0.1", Port: port}, Options{
		ReusePort: true,
		Retry:     RetryPolicy{Attempts: 3, Interval: 20 * time.Millisecond},
		Progress:  &progress,
	})
	g.Expect(err).To(MatchError(unix.EADDRINUSE))
	g.Expect(err.Error()).To(HavePrefix("bind: "))
	g.Expect(progress.String()).To(Equal("Address in use..\n"))
	g.Expect(time.Since(start)).To(BeNumerically(">=", 60*time.Millisecond))
}

func TestListenTCPNoRetries(t *testing.T) {
	g := NewWithT(t)
	blocker, port := occupy(t)
	defer blocker.Close()

	var progress bytes.Buffer
	_, err := Listen(context.Background(), Spec{Host: "127.0.0.1", Port: port}, Options{
		Retry:    RetryPolicy{Attempts: 0, Interval: time.Hour},
		Progress: &progress,
	})
	g.Expect(err).To(MatchError(unix.EADDRINUSE))
	g.Expect(progress.String()).To(BeEmpty())
}

func TestListenTCPRetrySucceeds(t *testing.T) {
	g := NewWithT(t)
	blocker, port := occupy(t)
	go func() {
		time.Sleep(100 * time.Millisecond)
		blocker.Close()
	}()

	var progress bytes.Buffer
	ln, err := Listen(context.Background(), Spec{Host: "127.0.0.1", Port: port}, Options{
		Retry:    RetryPolicy{Attempts: 100, Interval: 20 * time.Millisecond},
		Progress: &progress,
	})
	g.Expect(err).NotTo(HaveOccurred())
	defer ln.Close()

	g.Expect(ln.String()).To(Equal("127.0.0.1:" + port))
	g.Expect(progress.String()).To(HavePrefix("Address in use"))
	g.Expect(progress.String()).To(HaveSuffix("\n"))
	dial(t, "tcp", ln.String())
}

func TestListenTCPRetryCancelled(t *testing.T) {
	g := NewWithT(t)
	blocker, port := occupy(t)
	defer blocker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	var progress bytes.Buffer
	_, err := Listen(ctx, Spec{Host: "127.0.0.1", Port: port}, Options{
		Retry:    RetryPolicy{Attempts: 60, Interval: time.Second},
		Progress: &progress,
	})
	g.Expect(err).To(MatchError(context.Canceled))
	g.Expect(errors.Is(err, unix.EADDRINUSE)).To(BeTrue())
	g.Expect(progress.String()).To(Equal("Address in use\n"))
}

func TestListenTCPOtherBindErrorIsFatal(t *testing.T) {
	g := NewWithT(t)

	// TEST-NET-1 is never assigned to a local interface.
	var progress bytes.Buffer
	_, err := Listen(context.Background(), Spec{Host: "192.0.2.1", Port: "4242"}, Options{
		Retry:    RetryPolicy{Attempts: 10, Interval: time.Second},
		Progress: &progress,
	})
	g.Expect(err).To(MatchError(unix.EADDRNOTAVAIL))
	g.Expect(progress.String()).To(BeEmpty())
}

func TestListenTCPBadPort(t *testing.T) {
	g := NewWithT(t)
	_, err := Listen(context.Background(), Spec{Host: "127.0.0.1", Port: "no-such-service-xyz"}, Options{})
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(HavePrefix("resolve port"))
}

func TestFormatSockaddr(t *testing.T) {
	tests := []struct {
		sa   unix.Sockaddr
		want string
	}{
		{&unix.SockaddrUnix{Name: "/tmp/x.sock"}, "/tmp/x.sock"},
		{&unix.SockaddrInet4{Port: 8080, Addr: [4]byte{127, 0, 0, 1}}, "127.0.0.1:8080"},
		{&unix.SockaddrInet6{Port: 443, Addr: [16]byte{15: 1}}, "::1:443"},
		{&unix.SockaddrInet6{Port: 1}, ":::1"},
	}
	for _, tt := range tests {
		if got := formatSockaddr(tt.sa); got != tt.want {
			t.Fatalf("formatSockaddr(%+v): got %q, want %q", tt.sa, got, tt.want)
		}
	}
}
