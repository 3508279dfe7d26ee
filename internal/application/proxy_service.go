package application

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/oxtoacart/bpool"

	"socks-forwarder/internal/domain"
	"socks-forwarder/internal/metrics"
)

const (
	DefaultBufferSize     = 8192
	DefaultMaxIdleBuffers = 256

	// A handshake message is at most 4+1+255+2 bytes; slots must hold one.
	minBufferSize = 512
)

type Config struct {
	// BufferSize is the capacity of each per-direction slot.
	BufferSize int
	// MaxIdleBuffers bounds the slot pool kept for reuse.
	MaxIdleBuffers int
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BufferSize < minBufferSize {
		c.BufferSize = minBufferSize
	}
	if c.MaxIdleBuffers <= 0 {
		c.MaxIdleBuffers = DefaultMaxIdleBuffers
	}
	return c
}

// ProxyService is the forwarder: it owns the listener, the DNS socket and
// every session, and is the only code that talks to the event loop.
type ProxyService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	listener domain.Listener
	resolver domain.Resolver
	dialer   domain.Dialer
	registry *SessionRegistry
	metrics  *metrics.Metrics
	pool     *bpool.BytePool
}

func NewProxyService(
	loop domain.EventLoop,
	logger *slog.Logger,
	listener domain.Listener,
	resolver domain.Resolver,
	dialer domain.Dialer,
	m *metrics.Metrics,
	cfg Config,
) *ProxyService {
	cfg = cfg.withDefaults()
	return &ProxyService{
		log:      logger,
		loop:     loop,
		listener: listener,
		resolver: resolver,
		dialer:   dialer,
		registry: NewSessionRegistry(),
		metrics:  m,
		pool:     bpool.NewBytePool(cfg.MaxIdleBuffers, cfg.BufferSize),
	}
}

func (s *ProxyService) Start() error {
	s.log.Info("Registering server sockets in EventLoop", "listener_fd", s.listener.Fd(), "dns_fd", s.resolver.Fd())

	if err := s.loop.Register(s.listener.Fd(), domain.EventRead); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	if err := s.loop.Register(s.resolver.Fd(), domain.EventRead); err != nil {
		return fmt.Errorf("register dns socket: %w", err)
	}

	s.log.Info("Proxy service is running loop...", "port", s.listener.Port())
	return s.loop.Run(s)
}

// Sessions reports how many sessions are alive. Not safe for use outside
// the loop goroutine while the loop runs.
func (s *ProxyService) Sessions() int { return s.registry.Len() }

func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	switch fd {
	case s.listener.Fd():
		return s.acceptNewClients()
	case s.resolver.Fd():
		return s.processDNSResponses()
	}

	sess, side := s.registry.Lookup(fd)
	if sess == nil {
		return nil
	}

	var err error
	switch side {
	case SideClient:
		err = s.onClientEvent(sess, event)
	case SideUpstream:
		err = s.onUpstreamEvent(sess, event)
	}
	s.settle(sess, err)
	return nil
}

func (s *ProxyService) acceptNewClients() error {
	for {
		sock, peer, err := s.listener.Accept()
		if errors.Is(err, domain.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			s.log.Error("Accept failed", "error", err)
			return err
		}

		sess := domain.NewSession(sock, s.listener.Port(), s.pool.Get(), s.pool.Get())
		if err := s.registry.Add(sess); err != nil {
			s.log.Error("Cannot track client", "fd", sock.Fd(), "error", err)
			sock.Close()
			s.recycle(sess)
			continue
		}
		s.metrics.SessionsAccepted.Inc()
		s.metrics.SessionsActive.Inc()

		sess.ClientEvents = clientInterest(sess)
		if err := s.loop.Register(sock.Fd(), sess.ClientEvents); err != nil {
			s.closeSession(sess, fmt.Errorf("register client: %w", err))
			continue
		}

		s.log.Info("New client accepted", "session", sess.ID, "fd", sock.Fd(), "peer", peer)
	}
}

// settle tears the session down on a terminal error and otherwise brings
// the loop's interest masks in line with the session's buffers.
func (s *ProxyService) settle(sess *domain.Session, err error) {
	if sess.State == domain.StateClosed {
		return
	}
	if err == nil {
		err = s.syncInterest(sess)
	}
	if err != nil {
		s.closeSession(sess, err)
	}
}

func (s *ProxyService) syncInterest(sess *domain.Session) error {
	if want := clientInterest(sess); want != sess.ClientEvents {
		if err := s.loop.Modify(sess.Client.Fd(), want); err != nil {
			return fmt.Errorf("modify client interest: %w", err)
		}
		sess.ClientEvents = want
	}
	if sess.Upstream != nil {
		if want := upstreamInterest(sess); want != sess.UpstreamEvents {
			if err := s.loop.Modify(sess.Upstream.Fd(), want); err != nil {
				return fmt.Errorf("modify upstream interest: %w", err)
			}
			sess.UpstreamEvents = want
		}
	}
	return nil
}

// attachUpstream indexes and registers a freshly dialed upstream socket.
func (s *ProxyService) attachUpstream(sess *domain.Session, up domain.Socket) error {
	sess.Upstream = up
	if err := s.registry.AttachUpstream(sess); err != nil {
		sess.Upstream = nil
		up.Close()
		return err
	}
	sess.UpstreamEvents = upstreamInterest(sess)
	if err := s.loop.Register(up.Fd(), sess.UpstreamEvents); err != nil {
		return fmt.Errorf("register upstream: %w", err)
	}
	return nil
}

// releaseUpstream drops the upstream socket ahead of session teardown.
func (s *ProxyService) releaseUpstream(sess *domain.Session) {
	if sess.Upstream == nil {
		return
	}
	s.registry.DetachUpstream(sess)
	_ = s.loop.Unregister(sess.Upstream.Fd())
	sess.Upstream.Close()
	sess.Upstream = nil
	sess.UpstreamEvents = 0
}

// closeSession removes the session from every table before its sockets
// are closed, so a recycled descriptor can never reach it again.
func (s *ProxyService) closeSession(sess *domain.Session, cause error) {
	if sess.State == domain.StateClosed {
		return
	}
	reason := domain.CloseReason(cause)
	s.log.Info("Closing session",
		"session", sess.ID,
		"client_fd", sess.Client.Fd(),
		"state", sess.State,
		"target", sess.Target,
		"reason", reason,
		"error", cause,
		"bytes_up", sess.BytesUp,
		"bytes_down", sess.BytesDown)

	s.registry.Remove(sess)
	sess.State = domain.StateClosed

	s.releaseUpstream(sess)
	_ = s.loop.Unregister(sess.Client.Fd())
	sess.Client.Close()

	s.recycle(sess)
	s.metrics.SessionClosed(reason, sess.BytesUp, sess.BytesDown)
}

func (s *ProxyService) recycle(sess *domain.Session) {
	s.pool.Put(sess.ToUpstream.Backing())
	s.pool.Put(sess.ToClient.Backing())
	sess.ToUpstream.Reset()
	sess.ToClient.Reset()
}
