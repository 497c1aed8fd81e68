package session

import (
	"time"

	"github.com/sebas/intercom/services/intercom/callid"
	"github.com/sebas/intercom/services/intercom/store"
)

// DefaultTTL is how long an idle session is retained before the
// registry's background sweep evicts it.
const DefaultTTL = 2 * time.Minute

// Registry is the process-wide CallId -> Session mapping shared by the
// visitor and resident leg handlers. It is backed by the generic
// store.TTLStore.
type Registry struct {
	store *store.TTLStore[string, *Session]
	ttl   time.Duration
}

// NewRegistry creates a registry with the given idle TTL and sweep
// interval. onEvict, if non-nil, is invoked (outside any lock) for each
// session the background sweep removes. cmd/intercom passes a callback
// that logs the expiry.
func NewRegistry(ttl, sweepInterval time.Duration, onEvict func(*Session)) *Registry {
	s := store.NewTTLStore[string, *Session](sweepInterval)
	if onEvict != nil {
		s.SetOnEvict(func(_ string, sess *Session) {
			onEvict(sess)
		})
	}
	return &Registry{store: s, ttl: ttl}
}

// GetOrCreate returns the existing session for id, or creates and
// stores a new one. The boolean result is true when a new session was
// created.
func (r *Registry) GetOrCreate(id callid.CallId) (*Session, bool) {
	key := id.String()
	if existing, ok := r.store.Get(key); ok {
		r.store.Refresh(key, r.ttl)
		return existing, false
	}
	sess := New(id)
	r.store.Set(key, sess, r.ttl)
	return sess, true
}

// Get looks up a session without creating one.
func (r *Registry) Get(id callid.CallId) (*Session, bool) {
	return r.store.Get(id.String())
}

// Touch refreshes a session's TTL, called on every inbound frame.
func (r *Registry) Touch(id callid.CallId) {
	r.store.Refresh(id.String(), r.ttl)
}

// End removes a session from the registry immediately, bypassing the
// TTL sweep. The leg handlers do not call it: a session that reaches
// FINISHED stays registered until the TTL sweep evicts it.
func (r *Registry) End(id callid.CallId) {
	r.store.Delete(id.String())
}

// List returns all currently registered sessions. Used by the
// management API's /status endpoint.
func (r *Registry) List() []*Session {
	all := r.store.All()
	out := make([]*Session, 0, len(all))
	for _, s := range all {
		out = append(out, s)
	}
	return out
}

// Close stops the registry's background sweep goroutine.
func (r *Registry) Close() {
	r.store.Close()
}
