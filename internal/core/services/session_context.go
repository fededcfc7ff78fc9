package services

import (
	"callcore/internal/core/domain"
)

// SessionContext holds the single live call session of the process. It is
// owned by the orchestrator's event loop and is not safe for concurrent use.
type SessionContext struct {
	current    *domain.CallSession
	generation uint64
}

func NewSessionContext() *SessionContext {
	return &SessionContext{}
}

// Create installs s as the live session. It fails with ErrSessionActive while
// another session is alive.
func (c *SessionContext) Create(s *domain.CallSession) (uint64, error) {
	if c.current != nil {
		return c.generation, domain.ErrSessionActive
	}
	c.generation++
	c.current = s
	return c.generation, nil
}

// Current returns the live session, or nil.
func (c *SessionContext) Current() *domain.CallSession {
	return c.current
}

// Destroy drops the live session. Work started under its generation is
// discarded when it completes.
func (c *SessionContext) Destroy() {
	if c.current == nil {
		return
	}
	c.current = nil
	c.generation++
}

func (c *SessionContext) Generation() uint64 {
	return c.generation
}

// Alive reports whether gen still names the live session.
func (c *SessionContext) Alive(gen uint64) bool {
	return c.current != nil && gen == c.generation
}
