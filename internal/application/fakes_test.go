package application

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"socks-forwarder/internal/domain"
	"socks-forwarder/internal/metrics"
)

type fakeSocket struct {
	fd         int
	inbound    [][]byte
	eof        bool
	readErr    error
	reads      int
	written    bytes.Buffer
	writes     int
	writeLimit int
	blocked    bool
	writeErr   error
	pendingErr error
	closed     int
}

func newFakeSocket(fd int) *fakeSocket { return &fakeSocket{fd: fd} }

func (f *fakeSocket) Fd() int { return f.fd }

func (f *fakeSocket) Read(p []byte) (int, error) {
	f.reads++
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.inbound) == 0 {
		if f.eof {
			return 0, io.EOF
		}
		return 0, domain.ErrWouldBlock
	}
	n := copy(p, f.inbound[0])
	if n < len(f.inbound[0]) {
		f.inbound[0] = f.inbound[0][n:]
	} else {
		f.inbound = f.inbound[1:]
	}
	return n, nil
}

func (f *fakeSocket) Write(p []byte) (int, error) {
	f.writes++
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.blocked {
		return 0, domain.ErrWouldBlock
	}
	if f.writeLimit > 0 && len(p) > f.writeLimit {
		p = p[:f.writeLimit]
	}
	return f.written.Write(p)
}

func (f *fakeSocket) PendingError() error { return f.pendingErr }

func (f *fakeSocket) Close() error {
	f.closed++
	return nil
}

func (f *fakeSocket) push(b ...byte) { f.inbound = append(f.inbound, b) }

type fakeLoop struct {
	interest     map[int]domain.EventType
	unregistered []int
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{interest: make(map[int]domain.EventType)}
}

func (l *fakeLoop) Register(fd int, events domain.EventType) error {
	if _, ok := l.interest[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	l.interest[fd] = events
	return nil
}

func (l *fakeLoop) Modify(fd int, events domain.EventType) error {
	if _, ok := l.interest[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	l.interest[fd] = events
	return nil
}

func (l *fakeLoop) Unregister(fd int) error {
	if _, ok := l.interest[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	delete(l.interest, fd)
	l.unregistered = append(l.unregistered, fd)
	return nil
}

func (l *fakeLoop) Run(domain.EventHandler) error { return nil }
func (l *fakeLoop) Stop()                         {}

func (l *fakeLoop) registered(fd int) bool {
	_, ok := l.interest[fd]
	return ok
}

type fakeListener struct {
	fd      int
	port    uint16
	pending []*fakeSocket
	err     error
}

func (l *fakeListener) Fd() int      { return l.fd }
func (l *fakeListener) Port() uint16 { return l.port }
func (l *fakeListener) Close() error { return nil }

func (l *fakeListener) Accept() (domain.Socket, netip.AddrPort, error) {
	if l.err != nil {
		return nil, netip.AddrPort{}, l.err
	}
	if len(l.pending) == 0 {
		return nil, netip.AddrPort{}, domain.ErrWouldBlock
	}
	s := l.pending[0]
	l.pending = l.pending[1:]
	return s, netip.MustParseAddrPort("192.0.2.10:40000"), nil
}

type fakeDialer struct {
	nextFd  int
	dialed  []netip.AddrPort
	sockets []*fakeSocket
	err     error
}

func (d *fakeDialer) DialTCP(addr netip.AddrPort) (domain.Socket, error) {
	d.dialed = append(d.dialed, addr)
	if d.err != nil {
		return nil, d.err
	}
	d.nextFd++
	s := newFakeSocket(d.nextFd)
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) last() *fakeSocket {
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

type sentQuery struct {
	id   uint16
	host string
}

type fakeResolver struct {
	fd       int
	queries  []sentQuery
	answers  []domain.Answer
	readErrs []error
	queryErr error
}

func (r *fakeResolver) Fd() int { return r.fd }

func (r *fakeResolver) Query(id uint16, host string) error {
	if r.queryErr != nil {
		return r.queryErr
	}
	r.queries = append(r.queries, sentQuery{id: id, host: host})
	return nil
}

func (r *fakeResolver) ReadAnswer() (domain.Answer, error) {
	if len(r.readErrs) > 0 {
		err := r.readErrs[0]
		r.readErrs = r.readErrs[1:]
		return domain.Answer{}, err
	}
	if len(r.answers) == 0 {
		return domain.Answer{}, domain.ErrWouldBlock
	}
	a := r.answers[0]
	r.answers = r.answers[1:]
	return a, nil
}

const (
	listenerFd = 3
	dnsFd      = 4
	listenPort = 1080
)

// harness drives a ProxyService the way the event loop would, one
// readiness notification at a time.
type harness struct {
	t        *testing.T
	svc      *ProxyService
	loop     *fakeLoop
	listener *fakeListener
	dialer   *fakeDialer
	resolver *fakeResolver
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		loop:     newFakeLoop(),
		listener: &fakeListener{fd: listenerFd, port: listenPort},
		dialer:   &fakeDialer{nextFd: 100},
		resolver: &fakeResolver{fd: dnsFd},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = NewProxyService(h.loop, logger, h.listener, h.resolver, h.dialer, h.metrics, Config{BufferSize: minBufferSize})
	return h
}

func (h *harness) event(fd int, ev domain.EventType) {
	h.t.Helper()
	if err := h.svc.HandleEvent(fd, ev); err != nil {
		h.t.Fatalf("HandleEvent(%d): %v", fd, err)
	}
}

func (h *harness) accept(fd int) *fakeSocket {
	h.t.Helper()
	c := newFakeSocket(fd)
	h.listener.pending = append(h.listener.pending, c)
	h.event(listenerFd, domain.EventRead)
	return c
}

func (h *harness) send(c *fakeSocket, b ...byte) {
	h.t.Helper()
	c.push(b...)
	h.event(c.fd, domain.EventRead)
}

func (h *harness) session(fd int) *domain.Session {
	sess, _ := h.svc.registry.Lookup(fd)
	return sess
}

// greet runs a successful no-auth greeting and drains its reply.
func (h *harness) greet(c *fakeSocket) {
	h.t.Helper()
	h.send(c, 0x05, 0x01, 0x00)
	h.event(c.fd, domain.EventWrite)
	c.written.Reset()
}

// relaying brings a fresh session to the relay phase against 10.0.0.1:80.
func (h *harness) relaying(fd int) (*fakeSocket, *fakeSocket) {
	h.t.Helper()
	c := h.accept(fd)
	h.greet(c)
	h.send(c, 0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50)
	up := h.dialer.last()
	h.event(up.fd, domain.EventWrite)
	h.event(c.fd, domain.EventWrite)
	c.written.Reset()
	if sess := h.session(fd); sess == nil || sess.State != domain.StateRelaying {
		h.t.Fatalf("session on fd %d is not relaying", fd)
	}
	return c, up
}
