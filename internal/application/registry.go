package application

import (
	"fmt"

	"github.com/miekg/dns"

	"socks-forwarder/internal/domain"
)

const maxPendingQueries = 1 << 16

type Side int

const (
	SideNone Side = iota
	SideClient
	SideUpstream
)

// SessionRegistry is the session arena plus the lookup tables that route
// readiness events and DNS answers back to it. Tables hold session ids,
// never the sessions themselves.
type SessionRegistry struct {
	nextID    domain.SessionID
	sessions  map[domain.SessionID]*domain.Session
	clients   map[int]domain.SessionID
	upstreams map[int]domain.SessionID
	pending   map[uint16]domain.SessionID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:  make(map[domain.SessionID]*domain.Session),
		clients:   make(map[int]domain.SessionID),
		upstreams: make(map[int]domain.SessionID),
		pending:   make(map[uint16]domain.SessionID),
	}
}

// Add assigns the session an id and indexes it by its client descriptor.
func (r *SessionRegistry) Add(sess *domain.Session) error {
	fd := sess.Client.Fd()
	if r.fdInUse(fd) {
		return fmt.Errorf("fd %d already belongs to a live session", fd)
	}
	r.nextID++
	sess.ID = r.nextID
	r.sessions[sess.ID] = sess
	r.clients[fd] = sess.ID
	return nil
}

func (r *SessionRegistry) AttachUpstream(sess *domain.Session) error {
	fd := sess.Upstream.Fd()
	if r.fdInUse(fd) {
		return fmt.Errorf("fd %d already belongs to a live session", fd)
	}
	r.upstreams[fd] = sess.ID
	return nil
}

func (r *SessionRegistry) DetachUpstream(sess *domain.Session) {
	if sess.Upstream == nil {
		return
	}
	if id, ok := r.upstreams[sess.Upstream.Fd()]; ok && id == sess.ID {
		delete(r.upstreams, sess.Upstream.Fd())
	}
}

func (r *SessionRegistry) Lookup(fd int) (*domain.Session, Side) {
	if id, ok := r.clients[fd]; ok {
		return r.sessions[id], SideClient
	}
	if id, ok := r.upstreams[fd]; ok {
		return r.sessions[id], SideUpstream
	}
	return nil, SideNone
}

func (r *SessionRegistry) Get(id domain.SessionID) *domain.Session {
	return r.sessions[id]
}

// NewQueryID picks a random DNS id that no outstanding query uses.
func (r *SessionRegistry) NewQueryID() (uint16, error) {
	if len(r.pending) >= maxPendingQueries {
		return 0, fmt.Errorf("all %d dns ids are outstanding", maxPendingQueries)
	}
	for {
		id := dns.Id()
		if _, taken := r.pending[id]; !taken {
			return id, nil
		}
	}
}

// AddPending records that sess waits for the answer to query id. A session
// has at most one outstanding query.
func (r *SessionRegistry) AddPending(id uint16, sess *domain.Session) error {
	if sess.Resolving {
		return fmt.Errorf("session %d already has query %d outstanding", sess.ID, sess.QueryID)
	}
	if _, taken := r.pending[id]; taken {
		return fmt.Errorf("dns id %d already outstanding", id)
	}
	r.pending[id] = sess.ID
	sess.Resolving = true
	sess.QueryID = id
	return nil
}

// TakePending removes and returns the session waiting on query id.
func (r *SessionRegistry) TakePending(id uint16) (*domain.Session, bool) {
	sid, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)
	sess := r.sessions[sid]
	if sess == nil {
		return nil, false
	}
	sess.Resolving = false
	return sess, true
}

func (r *SessionRegistry) HasPending(id uint16) bool {
	_, ok := r.pending[id]
	return ok
}

// Remove makes the session unreachable from every table.
func (r *SessionRegistry) Remove(sess *domain.Session) {
	if sess.Client != nil {
		if id, ok := r.clients[sess.Client.Fd()]; ok && id == sess.ID {
			delete(r.clients, sess.Client.Fd())
		}
	}
	r.DetachUpstream(sess)
	if sess.Resolving {
		if id, ok := r.pending[sess.QueryID]; ok && id == sess.ID {
			delete(r.pending, sess.QueryID)
		}
		sess.Resolving = false
	}
	delete(r.sessions, sess.ID)
}

func (r *SessionRegistry) Len() int { return len(r.sessions) }

func (r *SessionRegistry) PendingLen() int { return len(r.pending) }

func (r *SessionRegistry) fdInUse(fd int) bool {
	_, c := r.clients[fd]
	_, u := r.upstreams[fd]
	return c || u
}
