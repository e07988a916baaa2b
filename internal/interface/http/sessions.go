package http

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionStore maps bearer tokens issued at login to user IDs. Tokens live
// in process memory, so a restart signs every HTTP client out.
type sessionStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]sessionEntry
}

type sessionEntry struct {
	userID  string
	expires time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &sessionStore{ttl: ttl, now: time.Now, tokens: make(map[string]sessionEntry)}
}

// issue creates a token for userID and drops expired ones.
func (st *sessionStore) issue(userID string) (string, time.Time) {
	token := uuid.NewString()
	now := st.now()
	expires := now.Add(st.ttl)

	st.mu.Lock()
	defer st.mu.Unlock()
	for t, e := range st.tokens {
		if !now.Before(e.expires) {
			delete(st.tokens, t)
		}
	}
	st.tokens[token] = sessionEntry{userID: userID, expires: expires}
	return token, expires
}

// lookup returns the user ID behind token. Expired tokens are dropped.
func (st *sessionStore) lookup(token string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.tokens[token]
	if !ok {
		return "", false
	}
	if !st.now().Before(e.expires) {
		delete(st.tokens, token)
		return "", false
	}
	return e.userID, true
}

func (st *sessionStore) revoke(token string) {
	st.mu.Lock()
	delete(st.tokens, token)
	st.mu.Unlock()
}

func (st *sessionStore) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.tokens)
}
