package network

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks-forwarder/internal/domain"
)

const listenBacklog = 128

// ListenTCP opens a non-blocking IPv4 listening socket.
func ListenTCP(addr netip.AddrPort) (*Listener, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("listen %s: only IPv4 is supported", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(fd, sockaddr(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	port := addr.Port()
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		port = uint16(in4.Port)
	}

	return &Listener{fd: fd, port: port}, nil
}

// ConnectTCP starts a non-blocking connect. A nil error means the connect
// is in progress or already done; completion shows up as writability.
func ConnectTCP(addr netip.AddrPort) (*Socket, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("connect %s: only IPv4 is supported", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	err = unix.Connect(fd, sockaddr(addr))
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	return &Socket{fd: fd, stream: true}, nil
}

// DialUDP returns a non-blocking UDP socket connected to addr, so that
// only datagrams from addr are delivered.
func DialUDP(addr netip.AddrPort) (*Socket, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("dial udp %s: only IPv4 is supported", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, sockaddr(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect udp %s: %w", addr, err)
	}
	return &Socket{fd: fd}, nil
}

// Dialer opens upstream connections for the proxy.
type Dialer struct{}

func (Dialer) DialTCP(addr netip.AddrPort) (domain.Socket, error) {
	s, err := ConnectTCP(addr)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func sockaddr(addr netip.AddrPort) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
}
