package epoll

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"socks-forwarder/internal/domain"
)

const maxEvents = 128

// LinuxEventLoop is a level-triggered epoll reactor. Interest masks are
// expected to track buffer state, so readiness is never lost while a
// session waits on the opposite direction.
type LinuxEventLoop struct {
	epollFD int
	wakeFD  int
	log     *slog.Logger

	mu      sync.Mutex
	stopped bool
	closed  bool
}

func New(logger *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, err
	}

	return &LinuxEventLoop{epollFD: fd, wakeFD: wfd, log: logger}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	defer l.close()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				if l.isStopped() {
					return nil
				}
				l.drainWake()
				continue
			}

			ev := fromEpoll(events[i].Events)
			if err := handler.HandleEvent(fd, ev); err != nil {
				l.log.Error("Error handling event", "fd", fd, "error", err)
			}
		}
	}
}

// Stop makes Run return after the current batch of events. It is safe to
// call from any goroutine.
func (l *LinuxEventLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.closed {
		return
	}
	l.stopped = true
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	unix.Write(l.wakeFD, one[:])
}

func (l *LinuxEventLoop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *LinuxEventLoop) drainWake() {
	var buf [8]byte
	unix.Read(l.wakeFD, buf[:])
}

// close releases both descriptors; a later Stop must not write to a
// reused wake fd.
func (l *LinuxEventLoop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	unix.Close(l.wakeFD)
	unix.Close(l.epollFD)
}

func toEpoll(events domain.EventType) uint32 {
	var mask uint32
	if events&domain.EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&domain.EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	if events&domain.EventReadHangup != 0 {
		mask |= unix.EPOLLRDHUP
	}
	return mask
}

func fromEpoll(mask uint32) domain.EventType {
	var ev domain.EventType
	if mask&unix.EPOLLIN != 0 {
		ev |= domain.EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= domain.EventWrite
	}
	if mask&unix.EPOLLRDHUP != 0 {
		ev |= domain.EventReadHangup
	}
	if mask&unix.EPOLLHUP != 0 {
		ev |= domain.EventHangup
	}
	if mask&unix.EPOLLERR != 0 {
		ev |= domain.EventError
	}
	return ev
}
