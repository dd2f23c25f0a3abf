// Package sessions tracks the active realtime session per user.
package sessions

import (
	"context"
	"sync"
)

// Handle is what the registry needs from a live session: a way to tear it
// down and a way to warn it about impending shutdown.
type Handle struct {
	Cancel func()
	Warn   func(message string) error
}

// Registry maps userID to the single active session for that user.
// Last connection wins: registering over an existing entry cancels the
// older session first, so its upstream engine connection is not leaked.
// Unregistration compares entry identity before deleting, so an older
// session's teardown cannot remove a newer session racing in.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*trackedSession),
	}
}

// Register installs the session for userID and returns its unregister
// function. Any previous session for the same user is canceled and removed.
func (r *Registry) Register(userID string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*trackedSession)
	}
	old := r.sessions[userID]
	r.sessions[userID] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		r.unregister(userID, old)
	}

	return func() { r.unregister(userID, entry) }
}

func (r *Registry) unregister(userID string, entry *trackedSession) {
	if r == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		r.mu.Lock()
		if r.sessions != nil && r.sessions[userID] == entry {
			delete(r.sessions, userID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// WarnAll notifies every active session, used when the gateway starts
// draining.
func (r *Registry) WarnAll(message string) (sent int) {
	if r == nil {
		return 0
	}

	var warns []func(message string) error
	r.mu.Lock()
	for _, entry := range r.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(message)
		sent++
	}
	return sent
}

// CancelAll tears down every active session.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var cancels []func()
	r.mu.Lock()
	for _, entry := range r.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered, or ctx ends.
// It reports whether the registry drained fully.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
