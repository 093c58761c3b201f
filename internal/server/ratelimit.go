package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// chatLimiter throttles chat turns: a global ceiling for the process
// plus an independent bucket per session, so one student hammering the
// endpoint cannot starve the rest.
type chatLimiter struct {
	global   *rate.Limiter
	sessions map[string]*rate.Limiter
	mu       sync.RWMutex

	perSession float64
	burst      int
}

func newChatLimiter(globalPerSecond, perSession float64, burst int) *chatLimiter {
	return &chatLimiter{
		global:     rate.NewLimiter(rate.Limit(globalPerSecond), burst*4),
		sessions:   make(map[string]*rate.Limiter),
		perSession: perSession,
		burst:      burst,
	}
}

// allow reports whether a turn for the session may start now.
func (cl *chatLimiter) allow(sessionID string) bool {
	if !cl.global.Allow() {
		return false
	}
	return cl.sessionLimiter(sessionID).Allow()
}

func (cl *chatLimiter) sessionLimiter(sessionID string) *rate.Limiter {
	cl.mu.RLock()
	limiter, ok := cl.sessions[sessionID]
	cl.mu.RUnlock()
	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if limiter, ok := cl.sessions[sessionID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(cl.perSession), cl.burst)
	cl.sessions[sessionID] = limiter
	return limiter
}

// forget drops the session's bucket, typically on eviction.
func (cl *chatLimiter) forget(sessionID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.sessions, sessionID)
}
