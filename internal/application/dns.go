package application

import (
	"errors"
	"fmt"

	"socks-forwarder/internal/domain"
	"socks-forwarder/internal/metrics"
)

// sendDNSQuery parks the session until the resolver answers. The
// correlation entry exists before the datagram leaves.
func (s *ProxyService) sendDNSQuery(sess *domain.Session) error {
	id, err := s.registry.NewQueryID()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrResolution, err)
	}
	if err := s.registry.AddPending(id, sess); err != nil {
		return err
	}
	if err := s.resolver.Query(id, sess.Target.Host); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrResolution, err)
	}
	s.metrics.DNSQueries.Inc()
	return nil
}

// processDNSResponses drains the DNS socket. Unknown ids are dropped; a
// dropped query leaves its session parked, there is no retry.
func (s *ProxyService) processDNSResponses() error {
	for {
		ans, err := s.resolver.ReadAnswer()
		switch {
		case errors.Is(err, domain.ErrWouldBlock):
			return nil
		case errors.Is(err, domain.ErrMalformedResponse):
			s.metrics.DNSAnswers.WithLabelValues(metrics.AnswerMalformed).Inc()
			s.log.Error("Failed to unpack DNS response", "error", err)
			continue
		case err != nil:
			s.log.Warn("DNS socket read failed", "error", err)
			return nil
		}

		sess, ok := s.registry.TakePending(ans.ID)
		if !ok {
			s.metrics.DNSAnswers.WithLabelValues(metrics.AnswerOrphaned).Inc()
			s.log.Debug("Dropping DNS response for unknown query", "id", ans.ID)
			continue
		}

		if ans.Err != nil {
			s.metrics.DNSAnswers.WithLabelValues(metrics.AnswerFailed).Inc()
			s.log.Warn("DNS resolution failed", "session", sess.ID, "domain", sess.Target.Host, "error", ans.Err)
			s.closeSession(sess, ans.Err)
			continue
		}

		s.metrics.DNSAnswers.WithLabelValues(metrics.AnswerResolved).Inc()
		s.log.Info("DNS Resolved", "session", sess.ID, "domain", sess.Target.Host, "ip", ans.Addr)
		s.settle(sess, s.onResolved(sess, ans.Addr))
	}
}
