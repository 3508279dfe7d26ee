package domain

import (
	"io"
	"net/netip"
)

type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventHangup
	EventError
	// EventReadHangup is the peer's FIN seen without reading (EPOLLRDHUP).
	// It is reported only when requested.
	EventReadHangup
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// Socket is a non-blocking descriptor. Read and Write return ErrWouldBlock
// when the operation cannot make progress; a stream Read returns io.EOF on
// orderly shutdown.
type Socket interface {
	io.ReadWriteCloser
	Fd() int
	// PendingError reports the outcome of an asynchronous connect (SO_ERROR).
	PendingError() error
}

type Listener interface {
	Fd() int
	Port() uint16
	Accept() (Socket, netip.AddrPort, error)
	Close() error
}

type Dialer interface {
	// DialTCP starts a non-blocking connect. The returned socket becomes
	// writable when the connect completes, successfully or not.
	DialTCP(addr netip.AddrPort) (Socket, error)
}

// Answer is one decoded DNS response.
type Answer struct {
	ID   uint16
	Addr netip.Addr
	Err  error
}

type Resolver interface {
	Fd() int
	Query(id uint16, host string) error
	ReadAnswer() (Answer, error)
}
