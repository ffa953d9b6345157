// Package transport contains the raw-descriptor helpers shared by the channel
// and acceptor implementations: loopback TCP sockets and full-length I/O.
package transport

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ErrShortWrite is returned when the kernel accepts zero bytes without error.
var ErrShortWrite = errors.New("transport: short write")

// SockaddrOf converts an IPv4 address and port to a socket address.
func SockaddrOf(addr netip.Addr, port int) (*unix.SockaddrInet4, error) {
	if !addr.Is4() {
		return nil, fmt.Errorf("transport: %s is not an IPv4 address", addr)
	}
	return &unix.SockaddrInet4{Port: port, Addr: addr.As4()}, nil
}

// Listen creates a TCP socket bound to sa and listening with backlog.
func Listen(sa *unix.SockaddrInet4, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", Describe(sa), err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// Connect makes one connection attempt to sa. A failed socket is closed,
// since its state after a refused connect is unspecified.
func Connect(sa *unix.SockaddrInet4) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	for {
		err = unix.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", Describe(sa), err)
	}
	return fd, nil
}

// SetSocketOptions applies the options used on every data socket.
func SetSocketOptions(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// Describe formats sa as host:port.
func Describe(sa *unix.SockaddrInet4) string {
	return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)).String()
}
