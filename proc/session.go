package proc

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Session is the exclusive control record for one guild's player.
type Session struct {
	GuildID    snowflake.ID
	OwnerID    snowflake.ID
	StartedAt  time.Time
	LastActive time.Time
}

// Sessions is the registry of guild sessions. At most one session exists per guild.
type Sessions struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*Session
	now      func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[snowflake.ID]*Session), now: time.Now}
}

// Acquire returns the guild's session, creating one owned by userID if none
// exists. A session held by someone else yields an *OwnershipError.
func (s *Sessions) Acquire(guildID, userID snowflake.ID) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess, ok := s.sessions[guildID]; ok {
		if sess.OwnerID != userID {
			return Session{}, &OwnershipError{GuildID: guildID, OwnerID: sess.OwnerID}
		}
		sess.LastActive = now
		return *sess, nil
	}

	sess := &Session{GuildID: guildID, OwnerID: userID, StartedAt: now, LastActive: now}
	s.sessions[guildID] = sess
	return *sess, nil
}

// CheckOwner reports whether userID controls the guild's session.
func (s *Sessions) CheckOwner(guildID, userID snowflake.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[guildID]
	if !ok || sess.OwnerID != userID {
		return false
	}
	sess.LastActive = s.now()
	return true
}

// Release drops the guild's session. Releasing a missing session is a no-op.
func (s *Sessions) Release(guildID snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, guildID)
}

func (s *Sessions) Get(guildID snowflake.ID) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[guildID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Touch marks the session as active without an ownership check.
func (s *Sessions) Touch(guildID snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[guildID]; ok {
		sess.LastActive = s.now()
	}
}

// Transfer hands an existing session to another member.
func (s *Sessions) Transfer(guildID, userID snowflake.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[guildID]
	if !ok {
		return false
	}
	sess.OwnerID = userID
	sess.LastActive = s.now()
	return true
}

// All returns a snapshot of every live session.
func (s *Sessions) All() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}
