package domain

import "errors"

var (
	ErrWouldBlock        = errors.New("operation would block")
	ErrPeerClosed        = errors.New("connection closed by peer")
	ErrProtocolViolation = errors.New("socks protocol violation")
	ErrRejected          = errors.New("no acceptable auth method")
	ErrConnectFailed     = errors.New("upstream connect failed")
	ErrResolution        = errors.New("dns resolution failed")
	ErrMalformedResponse = errors.New("malformed dns response")
	ErrBufferBusy        = errors.New("buffer holds unsent data")
	ErrBufferOverflow    = errors.New("buffer capacity exceeded")
)

// CloseReason maps a teardown error onto a short label for logs and metrics.
func CloseReason(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, ErrPeerClosed):
		return "eof"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrBufferOverflow):
		return "protocol"
	case errors.Is(err, ErrConnectFailed):
		return "connect"
	case errors.Is(err, ErrResolution):
		return "resolution"
	}
	return "io"
}
