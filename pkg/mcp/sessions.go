package mcp

import "sync"

// SessionRegistry maps execution IDs to the MCP session driving them.
// A run is tracked when a session starts, inspects, or resumes it, so
// waiting-state notifications reach the client that cares about the run.
type SessionRegistry struct {
	mu     sync.RWMutex
	owners map[string]string // executionID -> sessionID
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{owners: make(map[string]string)}
}

// Track records that sessionID is driving executionID. A later session
// touching the same run takes over as the notification target.
func (r *SessionRegistry) Track(executionID, sessionID string) {
	if executionID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[executionID] = sessionID
}

// SessionFor returns the session driving executionID, if any.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.owners[executionID]
	return sid, ok
}

// Forget drops the tracking entry for a single run.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, executionID)
}

// RemoveSession drops every run tracked by sessionID. Called when a
// notification bounces because the session disconnected.
func (r *SessionRegistry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for execID, sid := range r.owners {
		if sid == sessionID {
			delete(r.owners, execID)
		}
	}
}

// Len returns the number of tracked runs.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
