package application

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
	txsocks5 "github.com/txthinking/socks5"

	"socks-forwarder/internal/domain"
)

// errIncomplete means more bytes are needed before a message can be parsed.
var errIncomplete = errors.New("incomplete message")

type greeting struct {
	noAuth bool
}

// parseGreeting decodes VER NMETHODS METHODS. A wrong version is reported
// as soon as the first byte is in; it is answered like a missing method.
func parseGreeting(b []byte) (greeting, int, error) {
	if len(b) < 1 {
		return greeting{}, 0, errIncomplete
	}
	if b[0] != domain.SocksVersion5 {
		return greeting{}, len(b), nil
	}
	if len(b) < 2 {
		return greeting{}, 0, errIncomplete
	}
	n := 2 + int(b[1])
	if len(b) < n {
		return greeting{}, 0, errIncomplete
	}
	return greeting{noAuth: bytes.IndexByte(b[2:n], domain.MethodNoAuth) >= 0}, n, nil
}

// parseRequest decodes VER CMD RSV ATYP DST.ADDR DST.PORT. Header fields
// are validated before the address is complete.
func parseRequest(b []byte) (domain.Target, int, error) {
	if len(b) < 4 {
		return domain.Target{}, 0, errIncomplete
	}
	switch {
	case b[0] != domain.SocksVersion5:
		return domain.Target{}, 0, fmt.Errorf("%w: version %#02x", domain.ErrProtocolViolation, b[0])
	case b[1] != domain.CmdConnect:
		return domain.Target{}, 0, fmt.Errorf("%w: unsupported command %#02x", domain.ErrProtocolViolation, b[1])
	case b[2] != 0x00:
		return domain.Target{}, 0, fmt.Errorf("%w: reserved byte %#02x", domain.ErrProtocolViolation, b[2])
	}

	var t domain.Target
	var n int
	switch b[3] {
	case domain.AtypIPv4:
		n = 4 + 4 + 2
		if len(b) < n {
			return domain.Target{}, 0, errIncomplete
		}
		t.Addr = netip.AddrFrom4([4]byte(b[4:8]))
	case domain.AtypDomain:
		if len(b) < 5 {
			return domain.Target{}, 0, errIncomplete
		}
		l := int(b[4])
		if l == 0 {
			return domain.Target{}, 0, fmt.Errorf("%w: empty domain name", domain.ErrProtocolViolation)
		}
		n = 4 + 1 + l + 2
		if len(b) < n {
			return domain.Target{}, 0, errIncomplete
		}
		host := string(b[5 : 5+l])
		if _, ok := dns.IsDomainName(host); !ok {
			return domain.Target{}, 0, fmt.Errorf("%w: bad domain name %q", domain.ErrProtocolViolation, host)
		}
		t.Host = host
	default:
		return domain.Target{}, 0, fmt.Errorf("%w: unsupported address type %#02x", domain.ErrProtocolViolation, b[3])
	}

	t.Port = binary.BigEndian.Uint16(b[n-2 : n])
	return t, n, nil
}

func greetingReply(noAuth bool) []byte {
	method := domain.MethodNoAcceptable
	if noAuth {
		method = domain.MethodNoAuth
	}
	var buf bytes.Buffer
	_, _ = txsocks5.NewNegotiationReply(method).WriteTo(&buf)
	return buf.Bytes()
}

// connectReply always names 0.0.0.0 as the bound address and the proxy's
// own listening port as the bound port.
func connectReply(rep byte, listenPort uint16) []byte {
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, listenPort)
	var buf bytes.Buffer
	_, _ = txsocks5.NewReply(rep, domain.AtypIPv4, []byte{0, 0, 0, 0}, port).WriteTo(&buf)
	return buf.Bytes()
}
