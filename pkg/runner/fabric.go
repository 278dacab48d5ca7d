package runner

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// sendBuffer bounds the per-runner outbound queue. A runner that stops
// draining its socket gets disconnected rather than backing up dispatch.
const sendBuffer = 64

// session is one live runner connection.
type session struct {
	runnerID uuid.UUID
	outbound chan interface{}
}

// Fabric tracks connected runners and routes outbound frames to them. It is
// purely in-memory state; durable runner records live in the store.
type Fabric struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

func NewFabric() *Fabric {
	return &Fabric{sessions: map[uuid.UUID]*session{}}
}

// register attaches a connection, replacing any stale session for the same
// runner. The returned channel is the session's outbound queue.
func (f *Fabric) register(runnerID uuid.UUID) chan interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stale, ok := f.sessions[runnerID]; ok {
		close(stale.outbound)
	}
	s := &session{runnerID: runnerID, outbound: make(chan interface{}, sendBuffer)}
	f.sessions[runnerID] = s
	return s.outbound
}

// unregister detaches a connection; a newer session for the same runner is
// left alone.
func (f *Fabric) unregister(runnerID uuid.UUID, outbound chan interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if current, ok := f.sessions[runnerID]; ok && current.outbound == outbound {
		delete(f.sessions, runnerID)
		close(current.outbound)
	}
}

// Connected reports whether a runner currently holds a session.
func (f *Fabric) Connected(runnerID uuid.UUID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.sessions[runnerID]
	return ok
}

// ConnectedIDs lists runners with live sessions in no particular order.
func (f *Fabric) ConnectedIDs() []uuid.UUID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Send queues a frame to a runner. It reports false when the runner is not
// connected or its queue is full.
func (f *Fabric) Send(runnerID uuid.UUID, frame interface{}) bool {
	f.mu.RLock()
	s, ok := f.sessions[runnerID]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case s.outbound <- frame:
		return true
	default:
		logrus.WithField("runner", runnerID).Warn("Runner send queue is full, dropping frame.")
		return false
	}
}

// Pick returns an arbitrary connected runner, favoring none in particular.
func (f *Fabric) Pick() (uuid.UUID, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id := range f.sessions {
		return id, true
	}
	return uuid.Nil, false
}
