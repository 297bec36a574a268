// Package chat implements the room layer on top of the transport: the session
// registry with identity and typing state, the broadcast engine, and the
// handlers for inbound client events.
package chat

import (
	"errors"
	"sync"
)

// ErrShuttingDown is returned by Register once the registry has been closed.
// This is the only way registration can fail; callers treat it as fatal for
// the connection rather than retrying.
var ErrShuttingDown = errors.New("chat: registry is shutting down")

// Sender is the write half of a session's transport, exclusively owned by the
// registry entry. The ws.Connection type satisfies it.
type Sender interface {
	WriteMessage(data []byte) error
}

// Session is one live client connection plus its identity metadata. The ID
// and transport are immutable after registration; identity fields are owned
// by the Registry and must be read through Registry.Identity.
type Session struct {
	ID       string
	UserID   int64
	UserName string
	// identified is set on the first identify event. Sessions that never
	// identify produce no presence events when removed.
	identified bool
	conn       Sender
}

// Send writes a frame to the session's transport.
func (s *Session) Send(data []byte) error {
	return s.conn.WriteMessage(data)
}

// Registry holds the set of live sessions and their transient typing state.
// All mutations go through Register/Identify/Remove/SetTyping; the broadcast
// engine and heartbeat only read snapshots.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	typing map[int64]bool // userID -> typing indicator
	closed bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Session),
		typing: make(map[int64]bool),
	}
}

// Register creates a registry entry for a newly accepted connection. The
// session ID must be unique for the process lifetime (the transport layer
// generates UUIDs). Fails only if the registry has been closed for shutdown.
func (r *Registry) Register(sessionID string, conn Sender) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShuttingDown
	}

	s := &Session{ID: sessionID, conn: conn}
	r.byID[sessionID] = s
	return s, nil
}

// Identify associates a user identity with the session, overwriting any prior
// identity (last write wins). No uniqueness is enforced across sessions
// sharing a user id. Returns false if the session is unknown.
func (r *Registry) Identify(sessionID string, userID int64, userName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return false
	}
	s.UserID = userID
	s.UserName = userName
	s.identified = true
	return true
}

// Identity returns the session's user id and name, and whether the session
// has identified yet.
func (r *Registry) Identity(sessionID string) (userID int64, userName string, identified bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[sessionID]
	if !ok || !s.identified {
		return 0, "", false
	}
	return s.UserID, s.UserName, true
}

// Remove deletes the session and clears any typing state owned by its user
// id. It returns the removed session and whether it had identified, so the
// caller can emit the offline presence events. Removing an unknown session
// is a no-op returning ok=false.
func (r *Registry) Remove(sessionID string) (s *Session, identified bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok = r.byID[sessionID]
	if !ok {
		return nil, false, false
	}
	delete(r.byID, sessionID)
	if s.identified {
		delete(r.typing, s.UserID)
	}
	return s, s.identified, true
}

// Get returns the session for the given ID, or nil if not found.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[sessionID]
}

// All returns a snapshot of all live sessions. The returned slice is safe to
// iterate without holding the lock.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// SetTyping records whether the user is currently typing. State is transient
// and cleared when the owning session is removed.
func (r *Registry) SetTyping(userID int64, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if typing {
		r.typing[userID] = true
	} else {
		delete(r.typing, userID)
	}
}

// IsTyping reports whether the user is currently marked as typing.
func (r *Registry) IsTyping(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typing[userID]
}

// Close marks the registry as shutting down. Subsequent Register calls fail
// with ErrShuttingDown; existing sessions are unaffected.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
