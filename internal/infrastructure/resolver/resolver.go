package resolver

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"

	"github.com/miekg/dns"

	"socks-forwarder/internal/domain"
)

const (
	// maxDatagram is the classic DNS-over-UDP limit; there is no EDNS.
	maxDatagram = 512
	dnsPort     = 53
)

// Conn is a connected datagram socket.
type Conn interface {
	io.ReadWriteCloser
	Fd() int
}

// AddressResolver issues A queries over one shared UDP socket. It keeps no
// per-query state: correlation of ids to sessions belongs to the caller.
// Queries are never retransmitted.
type AddressResolver struct {
	conn Conn
	log  *slog.Logger
	buf  []byte
}

func New(conn Conn, logger *slog.Logger) *AddressResolver {
	return &AddressResolver{
		conn: conn,
		log:  logger,
		buf:  make([]byte, maxDatagram),
	}
}

func (r *AddressResolver) Fd() int { return r.conn.Fd() }

func (r *AddressResolver) Close() error { return r.conn.Close() }

// Query sends a single-question IN A query for host tagged with id.
func (r *AddressResolver) Query(id uint16, host string) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.Id = id
	m.RecursionDesired = true

	packed, err := m.Pack()
	if err != nil {
		return fmt.Errorf("pack query for %q: %w", host, err)
	}

	if _, err := r.conn.Write(packed); err != nil {
		return fmt.Errorf("send query for %q: %w", host, err)
	}

	r.log.Debug("DNS query sent", "id", id, "name", m.Question[0].Name)
	return nil
}

// ReadAnswer decodes the next pending datagram. It returns
// domain.ErrWouldBlock when the socket is drained and
// domain.ErrMalformedResponse for datagrams that cannot be attributed to a
// query.
func (r *AddressResolver) ReadAnswer() (domain.Answer, error) {
	n, err := r.conn.Read(r.buf)
	if err != nil {
		return domain.Answer{}, err
	}
	return decodeAnswer(r.buf[:n])
}

func decodeAnswer(packet []byte) (domain.Answer, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return domain.Answer{}, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if !msg.Response {
		return domain.Answer{}, fmt.Errorf("%w: not a response", domain.ErrMalformedResponse)
	}

	ans := domain.Answer{ID: msg.Id}
	if msg.Rcode != dns.RcodeSuccess {
		ans.Err = fmt.Errorf("%w: %s", domain.ErrResolution, dns.RcodeToString[msg.Rcode])
		return ans, nil
	}

	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
			ans.Addr = addr
			return ans, nil
		}
	}

	ans.Err = fmt.Errorf("%w: no A records", domain.ErrResolution)
	return ans, nil
}

// SystemServer returns the first nameserver listed in a resolv.conf file.
func SystemServer(path string) (netip.AddrPort, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("read %s: %w", path, err)
	}

	port := uint64(dnsPort)
	if cfg.Port != "" {
		port, err = strconv.ParseUint(cfg.Port, 10, 16)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid port %q in %s: %w", cfg.Port, path, err)
		}
	}

	for _, s := range cfg.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is4() {
			continue
		}
		return netip.AddrPortFrom(addr, uint16(port)), nil
	}
	return netip.AddrPort{}, fmt.Errorf("no IPv4 nameserver in %s: %w", path, os.ErrNotExist)
}

// ParseServer accepts "ip" or "ip:port" and defaults to port 53.
func ParseServer(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		if !ap.Addr().Is4() {
			return netip.AddrPort{}, fmt.Errorf("dns server %q: only IPv4 is supported", s)
		}
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("dns server %q: %w", s, err)
	}
	if !addr.Is4() {
		return netip.AddrPort{}, fmt.Errorf("dns server %q: only IPv4 is supported", s)
	}
	return netip.AddrPortFrom(addr, dnsPort), nil
}
