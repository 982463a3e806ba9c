package server

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/straycat/straycat/pkg/protocol"
)

// Session is one live client connection. A user may hold several sessions
// at once (multiple devices); each gets its own entry in the registry.
type Session struct {
	ID        uint64
	Transport PacketTransport

	active atomic.Bool

	mu   sync.RWMutex
	user map[string]any // nil until authenticated
}

// Authenticated reports whether a login has succeeded on this session.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// User returns the authenticated user record, or nil.
func (s *Session) User() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// UserID returns the authenticated user's id. The second return is false
// on unauthenticated sessions.
func (s *Session) UserID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return userID(s.user)
}

func (s *Session) setUser(user map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// Send writes one packet, dropping it silently when the transport is
// already dead. Fan-out must never take down the sending session.
func (s *Session) Send(p *protocol.Packet) {
	if !s.active.Load() {
		return
	}
	if err := s.Transport.SendPacket(p); err != nil {
		debugLog.Printf("Session %d: dropped notification: %v", s.ID, err)
		s.Deactivate()
	}
}

// Deactivate marks the session dead. The registry reaper removes it on the
// next sweep.
func (s *Session) Deactivate() {
	s.active.Store(false)
}

// Active reports whether the session is still live.
func (s *Session) Active() bool {
	return s.active.Load()
}

// userID extracts the numeric id from a user record, tolerating the types
// JSON decoding produces.
func userID(user map[string]any) (int64, bool) {
	if user == nil {
		return 0, false
	}
	switch id := user["id"].(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	default:
		return 0, false
	}
}

// Registry tracks every live session and the sessions owned by each
// authenticated user, for server-initiated fan-out. One mutex guards both
// maps so a removal can never leave them disagreeing.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
	byUser   map[int64][]*Session
	nextID   uint64

	metrics *Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		byUser:   make(map[int64][]*Session),
	}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Add registers a new session over the given transport.
func (r *Registry) Add(t PacketTransport) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sess := &Session{ID: r.nextID, Transport: t}
	sess.active.Store(true)
	r.sessions[sess.ID] = sess

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(len(r.sessions))
		r.metrics.RecordSessionCreated()
	}
	return sess
}

// BindUser records a successful authentication, making the session
// reachable by its user id.
func (r *Registry) BindUser(sess *Session, user map[string]any) {
	sess.setUser(user)

	id, ok := userID(user)
	if !ok {
		log.Printf("session %d: authenticated user record has no usable id", sess.ID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[id] = append(r.byUser[id], sess)
}

// Remove deletes a session from both maps. The user multimap entry is
// matched by session ID, so a user's other sessions stay reachable.
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sess)
}

func (r *Registry) removeLocked(sess *Session) {
	delete(r.sessions, sess.ID)

	if id, ok := userID(sess.User()); ok {
		owned := r.byUser[id]
		for i, other := range owned {
			if other.ID == sess.ID {
				r.byUser[id] = append(owned[:i], owned[i+1:]...)
				break
			}
		}
		if len(r.byUser[id]) == 0 {
			delete(r.byUser, id)
		}
	}

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(len(r.sessions))
		r.metrics.RecordSessionClosed()
	}
}

// SessionsFor returns a snapshot of the sessions owned by a user.
func (r *Registry) SessionsFor(id int64) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.byUser[id]...)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap removes every deactivated session and returns them so the caller
// can run presence fan-out outside the lock.
func (r *Registry) Reap() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dead []*Session
	for _, sess := range r.sessions {
		if !sess.Active() {
			dead = append(dead, sess)
		}
	}
	for _, sess := range dead {
		r.removeLocked(sess)
	}
	return dead
}

// CloseAll tears down every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[uint64]*Session)
	r.byUser = make(map[int64][]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Deactivate()
		sess.Transport.Close()
	}
}
