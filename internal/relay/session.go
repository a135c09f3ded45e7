package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Conn is the subscriber side of a session as seen by the relay. Sends must
// not block: implementations queue the payload or fail immediately.
type Conn interface {
	ID() uuid.UUID
	Path() string
	SendText(payload []byte) error
	SendBinary(payload []byte) error
	Close() error
	IsAvailable() bool
}

// Session is one subscriber connection bound to a single channel for its
// whole lifetime.
type Session struct {
	id   uuid.UUID
	key  Key
	conn Conn
}

func NewSession(conn Conn, key Key) *Session {
	return &Session{
		id:   conn.ID(),
		key:  key,
		conn: conn,
	}
}

func (s *Session) ID() uuid.UUID { return s.id }
func (s *Session) Key() Key       { return s.key }
func (s *Session) Conn() Conn     { return s.conn }

// IsConnected reports whether the underlying connection can still be written.
func (s *Session) IsConnected() bool {
	return s.conn.IsAvailable()
}

// Send queues a media chunk for the subscriber.
func (s *Session) Send(chunk []byte) error {
	return s.conn.SendBinary(chunk)
}

// Close closes the connection if it is still open.
func (s *Session) Close() error {
	if !s.IsConnected() {
		return nil
	}
	return s.conn.Close()
}

// SessionTable is the process-wide index of registered sessions by id.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[uuid.UUID]*Session)}
}

// Add registers s; it returns false if a session with the same id exists.
func (t *SessionTable) Add(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[s.ID()]; ok {
		return false
	}
	t.sessions[s.ID()] = s
	return true
}

func (t *SessionTable) Remove(id uuid.UUID) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	return s, ok
}

func (t *SessionTable) Get(id uuid.UUID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Drain removes and returns every session.
func (t *SessionTable) Drain() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for id, s := range t.sessions {
		out = append(out, s)
		delete(t.sessions, id)
	}
	return out
}
