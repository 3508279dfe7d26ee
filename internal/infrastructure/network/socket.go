package network

import (
	"io"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks-forwarder/internal/domain"
)

// Socket wraps a raw non-blocking descriptor.
type Socket struct {
	fd     int
	stream bool
}

func (s *Socket) Fd() int { return s.fd }

func (s *Socket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, domain.ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && s.stream && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *Socket) Write(p []byte) (int, error) {
	for {
		var (
			n   int
			err error
		)
		if s.stream {
			n, err = unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		} else {
			n, err = unix.Write(s.fd, p)
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, domain.ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (s *Socket) PendingError() error {
	val, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

type Listener struct {
	fd   int
	port uint16
}

func (l *Listener) Fd() int      { return l.fd }
func (l *Listener) Port() uint16 { return l.port }

// Accept returns the next pending connection as a non-blocking socket, or
// domain.ErrWouldBlock once the backlog is drained.
func (l *Listener) Accept() (domain.Socket, netip.AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == unix.EINTR, err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN:
			return nil, netip.AddrPort{}, domain.ErrWouldBlock
		case err != nil:
			return nil, netip.AddrPort{}, err
		}

		var peer netip.AddrPort
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			peer = netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port))
		}
		return &Socket{fd: nfd, stream: true}, peer, nil
	}
}

func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
