// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

var errNotFile = errors.New("connection has no file descriptor")

// Conn is the parent's handle on the one accepted connection currently
// being dispatched. Besides the net.Conn it holds a dup of the socket
// descriptor in blocking mode, which is what the worker inherits as its
// standard input and output.
type Conn struct {
	ID uuid.UUID

	net.Conn
	file *os.File
}

func newConn(nc net.Conn) (*Conn, error) {
	fc, ok := nc.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, errNotFile
	}
	f, err := fc.File()
	if err != nil {
		return nil, fmt.Errorf("dup: %w", err)
	}
	return &Conn{ID: uuid.New(), Conn: nc, file: f}, nil
}

// File returns the descriptor handed to workers.
func (c *Conn) File() *os.File {
	return c.file
}

// Environ returns the per-connection worker variables. TCP connections
// follow the ucspi-tcp naming so existing inetd-style programs work as is.
func (c *Conn) Environ() []string {
	env := []string{"NETEXEC_CONN_ID=" + c.ID.String()}

	local, lok := addrPort(c.LocalAddr())
	remote, rok := addrPort(c.RemoteAddr())
	if !lok || !rok {
		return append(env, "PROTO=UNIX")
	}
	return append(env,
		"PROTO=TCP",
		"TCPLOCALIP="+local.Addr().Unmap().String(),
		"TCPLOCALPORT="+strconv.Itoa(int(local.Port())),
		"TCPREMOTEIP="+remote.Addr().Unmap().String(),
		"TCPREMOTEPORT="+strconv.Itoa(int(remote.Port())),
	)
}

func addrPort(addr net.Addr) (netip.AddrPort, bool) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	return tcp.AddrPort(), true
}

// Shutdown shuts down both directions of the connection, so the peer sees
// EOF even while other copies of the descriptor are still open.
func (c *Conn) Shutdown() error {
	return shutdown(c.Conn)
}

// Close releases the parent's handles. It never shuts the socket down: a
// worker holding its own copy keeps the connection alive.
func (c *Conn) Close() error {
	return errors.Join(c.file.Close(), c.Conn.Close())
}

func shutdown(nc net.Conn) error {
	sc, ok := nc.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.Shutdown(int(fd), unix.SHUT_RDWR)
	}); err != nil {
		return err
	}
	if errors.Is(serr, unix.ENOTCONN) {
		return nil
	}
	return serr
}
