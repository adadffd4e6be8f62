package session

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// DefaultIdleTimeout is the default eviction threshold for an untouched
// session.
const DefaultIdleTimeout = 30 * time.Minute

// Store is the concurrent sid -> Session mapping, built on patrickmn/go-cache's
// built-in janitor. It registers an OnEvicted callback so evicting a
// session mid-generation first cancels its orchestrator.
type Store struct {
	cache *cache.Cache
}

// NewStore creates a session store whose idle sweep runs at idleTimeout/2
// and evicts entries untouched for idleTimeout.
func NewStore(idleTimeout time.Duration) *Store {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	c := cache.New(idleTimeout, idleTimeout/2)
	store := &Store{cache: c}

	c.OnEvicted(func(sid string, v interface{}) {
		sess, ok := v.(*Session)
		if !ok {
			return
		}
		log.Info().Str("sid", sid).Msg("session evicted on idle timeout")
		sess.Cancel()
	})

	return store
}

// Touch looks up sid, creating a new idle session if it doesn't exist yet,
// and refreshes its TTL — the store's lookup-or-create primitive.
func (st *Store) Touch(sid string) *Session {
	if v, found := st.cache.Get(sid); found {
		sess := v.(*Session)
		sess.Touch()
		st.cache.Set(sid, sess, cache.DefaultExpiration)
		return sess
	}

	sess := NewSession(sid)
	st.cache.Set(sid, sess, cache.DefaultExpiration)
	return sess
}

// Get returns the session for sid without creating one.
func (st *Store) Get(sid string) (*Session, bool) {
	v, found := st.cache.Get(sid)
	if !found {
		return nil, false
	}
	return v.(*Session), true
}

// Delete removes sid from the store entirely. Nothing in the server calls
// it; normal operation keeps sid registered across a /clear.
func (st *Store) Delete(sid string) {
	st.cache.Delete(sid)
}

// Len reports the number of registered sessions.
func (st *Store) Len() int {
	return st.cache.ItemCount()
}
