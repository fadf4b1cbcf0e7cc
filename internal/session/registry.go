package session

import (
	"sort"
	"sync"

	"github.com/opencode-ai/sessioncore/internal/event"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// Registry holds the live sessions of a process. Sessions are reference
// counted: Acquire and Release pair up, and the last Release disposes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
	bus      *event.Bus
	opts     []Option

	willDispose []func(*Session)
}

type liveSession struct {
	session *Session
	refs    int
}

// NewRegistry creates a registry. opts are applied to every session it
// starts or loads.
func NewRegistry(bus *event.Bus, opts ...Option) *Registry {
	return &Registry{
		sessions: make(map[string]*liveSession),
		bus:      bus,
		opts:     opts,
	}
}

func (r *Registry) sessionOptions(extra []Option) []Option {
	opts := make([]Option, 0, len(r.opts)+len(extra)+1)
	if r.bus != nil {
		opts = append(opts, WithBus(r.bus))
	}
	opts = append(opts, r.opts...)
	return append(opts, extra...)
}

// Start creates a new live session holding one reference.
func (r *Registry) Start(opts ...Option) *Session {
	s := New(r.sessionOptions(opts)...)

	r.mu.Lock()
	r.sessions[s.ID()] = &liveSession{session: s, refs: 1}
	r.mu.Unlock()
	return s
}

// Load makes a persisted session live, or acquires it if it already is.
func (r *Registry) Load(snap *types.SessionSnapshot, opts ...Option) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.SessionID != "" {
		if live, ok := r.sessions[snap.SessionID]; ok {
			live.refs++
			return live.session
		}
	}
	s := Import(snap, r.sessionOptions(opts)...)
	r.sessions[s.ID()] = &liveSession{session: s, refs: 1}
	return s
}

// Get returns a live session without taking a reference.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return live.session, true
}

// Acquire takes a reference on a live session.
func (r *Registry) Acquire(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	live.refs++
	return live.session, true
}

// Release drops a reference and disposes the session when none remain.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	live, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	live.refs--
	if live.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.dispose(live.session, "released")
}

// Dispose removes a session regardless of outstanding references.
func (r *Registry) Dispose(id, reason string) bool {
	r.mu.Lock()
	live, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.dispose(live.session, reason)
	return true
}

// OnWillDispose registers a hook run before a session is disposed, e.g. to
// persist it.
func (r *Registry) OnWillDispose(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.willDispose = append(r.willDispose, fn)
}

func (r *Registry) dispose(s *Session, reason string) {
	r.mu.RLock()
	hooks := make([]func(*Session), len(r.willDispose))
	copy(hooks, r.willDispose)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn(s)
	}
	s.Dispose()

	if r.bus != nil {
		r.bus.PublishSync(event.Event{
			Type:      event.SessionDisposed,
			SessionID: s.ID(),
			Data:      event.SessionDisposedData{SessionID: s.ID(), Reason: reason},
		})
	}
}

// Live returns the live sessions, most recently active first.
func (r *Registry) Live() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, live := range r.sessions {
		out = append(out, live.session)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity().After(out[j].LastActivity())
	})
	return out
}

// Close disposes every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	live := r.sessions
	r.sessions = make(map[string]*liveSession)
	r.mu.Unlock()

	for _, l := range live {
		r.dispose(l.session, "shutdown")
	}
}
