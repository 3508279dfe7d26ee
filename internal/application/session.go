package application

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"socks-forwarder/internal/domain"
)

// clientInterest derives the client socket's event mask from session state:
// read only while the inbound slot may be filled, write only while the
// outbound slot holds data. A session parked on DNS or on the upstream
// connect does not read, so it watches for the client's FIN instead.
func clientInterest(sess *domain.Session) domain.EventType {
	var ev domain.EventType
	if !sess.ToClient.Empty() {
		ev |= domain.EventWrite
	}
	switch sess.State {
	case domain.StateGreeting:
		if sess.ToClient.Empty() {
			ev |= domain.EventRead
		}
	case domain.StateRequest:
		if sess.Resolving {
			ev |= domain.EventReadHangup
		} else if sess.ToClient.Empty() {
			ev |= domain.EventRead
		}
	case domain.StateConnecting:
		if !sess.Connected && sess.ToClient.Empty() {
			ev |= domain.EventReadHangup
		}
	case domain.StateRelaying:
		if sess.ToUpstream.Empty() {
			ev |= domain.EventRead
		}
	}
	return ev
}

func upstreamInterest(sess *domain.Session) domain.EventType {
	switch sess.State {
	case domain.StateConnecting:
		if !sess.Connected {
			return domain.EventWrite
		}
	case domain.StateRelaying:
		var ev domain.EventType
		if sess.ToClient.Empty() {
			ev |= domain.EventRead
		}
		if !sess.ToUpstream.Empty() {
			ev |= domain.EventWrite
		}
		return ev
	}
	return 0
}

func (s *ProxyService) onClientEvent(sess *domain.Session, ev domain.EventType) error {
	if ev&domain.EventError != 0 {
		return socketError("client", sess.Client)
	}
	if ev&domain.EventWrite != 0 {
		if err := s.flushToClient(sess); err != nil {
			return err
		}
	}
	if ev&domain.EventRead != 0 {
		if err := s.readClient(sess); err != nil {
			return err
		}
	}
	if ev&(domain.EventHangup|domain.EventReadHangup) != 0 {
		return fmt.Errorf("client hung up: %w", domain.ErrPeerClosed)
	}
	return nil
}

func (s *ProxyService) onUpstreamEvent(sess *domain.Session, ev domain.EventType) error {
	switch sess.State {
	case domain.StateConnecting:
		if !sess.Connected {
			if ev&(domain.EventWrite|domain.EventError|domain.EventHangup) != 0 {
				return s.finalizeConnect(sess)
			}
			return nil
		}
		if ev&domain.EventError != 0 {
			return socketError("upstream", sess.Upstream)
		}
		if ev&domain.EventHangup != 0 {
			return fmt.Errorf("upstream hung up: %w", domain.ErrPeerClosed)
		}
	case domain.StateRelaying:
		if ev&domain.EventError != 0 {
			return socketError("upstream", sess.Upstream)
		}
		if ev&domain.EventWrite != 0 {
			if err := s.flushToUpstream(sess); err != nil {
				return err
			}
		}
		if ev&domain.EventRead != 0 {
			if err := s.readUpstream(sess); err != nil {
				return err
			}
		}
		if ev&domain.EventHangup != 0 {
			return fmt.Errorf("upstream hung up: %w", domain.ErrPeerClosed)
		}
	}
	return nil
}

func (s *ProxyService) readClient(sess *domain.Session) error {
	switch sess.State {
	case domain.StateGreeting, domain.StateRequest:
		if !sess.ToClient.Empty() || sess.Resolving {
			return nil
		}
		if _, err := sess.ToUpstream.Append(sess.Client); err != nil {
			return readError("client", err)
		}
		if sess.State == domain.StateGreeting {
			return s.handshakeAuth(sess)
		}
		return s.handshakeRequest(sess)

	case domain.StateRelaying:
		if !sess.ToUpstream.Empty() {
			return nil
		}
		if _, err := sess.ToUpstream.Fill(sess.Client); err != nil {
			return readError("client", err)
		}
	}
	return nil
}

func (s *ProxyService) readUpstream(sess *domain.Session) error {
	if !sess.ToClient.Empty() {
		return nil
	}
	if _, err := sess.ToClient.Fill(sess.Upstream); err != nil {
		return readError("upstream", err)
	}
	return nil
}

func (s *ProxyService) flushToUpstream(sess *domain.Session) error {
	if sess.ToUpstream.Empty() {
		return nil
	}
	n, err := sess.ToUpstream.Flush(sess.Upstream)
	sess.BytesUp += uint64(n)
	if err != nil && !errors.Is(err, domain.ErrWouldBlock) {
		return fmt.Errorf("write to upstream: %w", err)
	}
	return nil
}

func (s *ProxyService) flushToClient(sess *domain.Session) error {
	if sess.ToClient.Empty() {
		return nil
	}
	n, err := sess.ToClient.Flush(sess.Client)
	if sess.State == domain.StateRelaying {
		sess.BytesDown += uint64(n)
	}
	if err != nil && !errors.Is(err, domain.ErrWouldBlock) {
		return fmt.Errorf("write to client: %w", err)
	}
	if !sess.ToClient.Empty() {
		return nil
	}
	return s.clientDrained(sess)
}

// clientDrained advances the handshake once a reply is fully written.
func (s *ProxyService) clientDrained(sess *domain.Session) error {
	if sess.Closing != nil {
		return sess.Closing
	}
	switch sess.State {
	case domain.StateGreeting:
		sess.State = domain.StateRequest
		s.log.Debug("Auth successful, waiting for command", "session", sess.ID)
		// The request may already be buffered behind the greeting.
		return s.handshakeRequest(sess)
	case domain.StateConnecting:
		if sess.Connected {
			sess.State = domain.StateRelaying
			s.log.Debug("Relaying", "session", sess.ID, "target", sess.Target)
		}
	}
	return nil
}

func (s *ProxyService) handshakeAuth(sess *domain.Session) error {
	g, n, err := parseGreeting(sess.ToUpstream.Bytes())
	if errors.Is(err, errIncomplete) {
		return nil
	}
	sess.ToUpstream.Consume(n)

	if err := sess.ToClient.Load(greetingReply(g.noAuth)); err != nil {
		return err
	}
	if !g.noAuth {
		sess.ToUpstream.Reset()
		sess.Closing = domain.ErrRejected
		s.log.Warn("No acceptable auth method", "session", sess.ID)
	}
	return nil
}

func (s *ProxyService) handshakeRequest(sess *domain.Session) error {
	if sess.State != domain.StateRequest || sess.Resolving {
		return nil
	}
	target, n, err := parseRequest(sess.ToUpstream.Bytes())
	if errors.Is(err, errIncomplete) {
		return nil
	}
	if err != nil {
		s.log.Warn("Rejecting request", "session", sess.ID, "error", err)
		return err
	}
	sess.ToUpstream.Consume(n)
	sess.Target = target

	if target.Addr.IsValid() {
		s.log.Info("Connecting direct IP", "session", sess.ID, "target", target)
		return s.startTCPConnect(sess)
	}

	s.log.Info("Resolving domain", "session", sess.ID, "domain", target.Host)
	return s.sendDNSQuery(sess)
}

// onResolved resumes a session parked on a DNS query.
func (s *ProxyService) onResolved(sess *domain.Session, addr netip.Addr) error {
	if sess.State != domain.StateRequest {
		return nil
	}
	sess.Target.Addr = addr
	return s.startTCPConnect(sess)
}

func (s *ProxyService) startTCPConnect(sess *domain.Session) error {
	sess.State = domain.StateConnecting
	addr := netip.AddrPortFrom(sess.Target.Addr, sess.Target.Port)

	up, err := s.dialer.DialTCP(addr)
	if err != nil {
		return s.refuse(sess, err)
	}

	s.log.Debug("Initiating TCP connection", "session", sess.ID, "remote", addr, "remote_fd", up.Fd())
	return s.attachUpstream(sess, up)
}

func (s *ProxyService) finalizeConnect(sess *domain.Session) error {
	if err := sess.Upstream.PendingError(); err != nil {
		return s.refuse(sess, err)
	}

	sess.Connected = true
	s.log.Info("Connected to target", "session", sess.ID, "target", sess.Target)
	return sess.ToClient.Load(connectReply(domain.RepSuccess, sess.ListenPort))
}

// refuse answers REP=0x05 and ends the session once the reply is out.
func (s *ProxyService) refuse(sess *domain.Session, cause error) error {
	s.log.Warn("Upstream connect failed", "session", sess.ID, "target", sess.Target, "error", cause)
	s.releaseUpstream(sess)
	sess.Closing = fmt.Errorf("%w: %v", domain.ErrConnectFailed, cause)
	if err := sess.ToClient.Load(connectReply(domain.RepConnRefused, sess.ListenPort)); err != nil {
		return sess.Closing
	}
	return nil
}

func readError(side string, err error) error {
	switch {
	case errors.Is(err, domain.ErrWouldBlock):
		return nil
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%s: %w", side, domain.ErrPeerClosed)
	case errors.Is(err, domain.ErrBufferOverflow):
		return fmt.Errorf("%s: %w: %v", side, domain.ErrProtocolViolation, err)
	}
	return fmt.Errorf("read from %s: %w", side, err)
}

func socketError(side string, sock domain.Socket) error {
	if err := sock.PendingError(); err != nil {
		return fmt.Errorf("%s socket: %w", side, err)
	}
	return fmt.Errorf("%s socket error: %w", side, domain.ErrPeerClosed)
}
