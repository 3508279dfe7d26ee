package domain

import (
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

type State int

const (
	StateGreeting   State = iota // waiting for VER NMETHODS METHODS
	StateRequest                 // waiting for CONNECT request, or resolving its domain
	StateConnecting              // upstream connect in flight (EINPROGRESS) or reply being written
	StateRelaying                // pipe
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateRequest:
		return "request"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type SessionID uint64

// Target is the destination named by a CONNECT request. Host is set for
// domain requests and kept for logging after Addr has been resolved.
type Target struct {
	Host string
	Addr netip.Addr
	Port uint16
}

func (t Target) String() string {
	if t.Addr.IsValid() {
		return netip.AddrPortFrom(t.Addr, t.Port).String()
	}
	return t.Host
}

type Session struct {
	ID       SessionID
	Client   Socket
	Upstream Socket
	State    State

	Target     Target
	ListenPort uint16

	// Resolving is set while a DNS query for Target.Host is outstanding;
	// QueryID is its correlation key.
	Resolving bool
	QueryID   uint16

	// Connected is set once the upstream connect completed and the success
	// reply is queued for the client.
	Connected bool

	// Closing, when set, ends the session with this error as soon as
	// ToClient drains.
	Closing error

	ToUpstream *Buffer
	ToClient   *Buffer

	BytesUp   uint64
	BytesDown uint64

	// Interest masks last applied to the event loop.
	ClientEvents   EventType
	UpstreamEvents EventType
}

// NewSession builds a session in StateGreeting around an accepted client
// socket. up and down back the client→upstream and upstream→client slots.
func NewSession(client Socket, listenPort uint16, up, down []byte) *Session {
	return &Session{
		Client:     client,
		State:      StateGreeting,
		ListenPort: listenPort,
		ToUpstream: NewBuffer(up),
		ToClient:   NewBuffer(down),
	}
}

const (
	SocksVersion5      = txsocks5.Ver
	MethodNoAuth       = txsocks5.MethodNone
	MethodNoAcceptable = txsocks5.MethodUnsupportAll
	CmdConnect         = txsocks5.CmdConnect
	AtypIPv4           = txsocks5.ATYPIPv4
	AtypDomain         = txsocks5.ATYPDomain
	RepSuccess         = txsocks5.RepSuccess
	RepConnRefused     = txsocks5.RepConnectionRefused
)
