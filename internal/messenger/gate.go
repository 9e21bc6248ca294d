package messenger

import "sync"

// SessionGate serializes outbound operations per messenger session. A session
// is a single logged-in account; issuing concurrent sends on it from different
// campaigns is exactly the burst pattern the pacing policy exists to avoid.
type SessionGate struct {
	mu    sync.Mutex
	gates map[string]*sync.Mutex
}

func NewSessionGate() *SessionGate {
	return &SessionGate{gates: make(map[string]*sync.Mutex)}
}

func (g *SessionGate) Lock(sessionID string) {
	g.mu.Lock()
	m, ok := g.gates[sessionID]
	if !ok {
		m = &sync.Mutex{}
		g.gates[sessionID] = m
	}
	g.mu.Unlock()
	m.Lock()
}

func (g *SessionGate) Unlock(sessionID string) {
	g.mu.Lock()
	m := g.gates[sessionID]
	g.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}
