package history

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
)

// DefaultSession is used when a request names no session.
const DefaultSession = "default"

// Summary describes one session for listings.
type Summary struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
}

type session struct {
	store     *Store
	createdAt time.Time
}

// Registry maps session ids to their stores.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// NewRegistry returns a registry holding only the default session.
func NewRegistry() *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
	r.Get(DefaultSession)
	return r
}

// Lookup returns the store for id without creating it.
func (r *Registry) Lookup(id string) (*Store, bool) {
	id = normalize(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.store, true
}

// Get returns the store for id, creating it when absent.
func (r *Registry) Get(id string) *Store {
	id = normalize(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &session{store: NewStore(), createdAt: r.now()}
		r.sessions[id] = s
	}
	return s.store
}

// Create registers a new empty session under a random id and returns the id.
func (r *Registry) Create() string {
	id := uuid.NewString()
	r.Get(id)
	return id
}

// Delete drops a session. The default session is reset instead of removed.
// It reports whether the session existed.
func (r *Registry) Delete(id string) bool {
	id = normalize(id)
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && id != DefaultSession {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok && id == DefaultSession {
		s.store.Reset()
	}
	return ok
}

// Commit appends turns to session id. opened is the store the caller saw
// when it started, nil if the session did not exist then. A session that
// existed at that point but has since been deleted is not recreated, and
// Commit reports false.
func (r *Registry) Commit(id string, opened *Store, turns ...ctxpkg.Message) bool {
	id = normalize(id)
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		if opened != nil {
			r.mu.Unlock()
			return false
		}
		s = &session{store: NewStore(), createdAt: r.now()}
		r.sessions[id] = s
	}
	r.mu.Unlock()
	s.store.Append(turns...)
	return true
}

// Reset clears the history of a session. Unknown ids are ignored.
func (r *Registry) Reset(id string) {
	if store, ok := r.Lookup(id); ok {
		store.Reset()
	}
}

// Snapshot returns a copy of the history of a session, empty for unknown ids.
func (r *Registry) Snapshot(id string) []ctxpkg.Message {
	store, ok := r.Lookup(id)
	if !ok {
		return []ctxpkg.Message{}
	}
	return store.Snapshot()
}

// Sessions lists all sessions ordered by creation time, then id.
func (r *Registry) Sessions() []Summary {
	r.mu.Lock()
	out := make([]Summary, 0, len(r.sessions))
	stores := make([]*Store, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, Summary{ID: id, CreatedAt: s.createdAt})
		stores = append(stores, s.store)
	}
	r.mu.Unlock()

	for i := range out {
		out[i].Turns = stores[i].Len()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func normalize(id string) string {
	if id == "" {
		return DefaultSession
	}
	return id
}
