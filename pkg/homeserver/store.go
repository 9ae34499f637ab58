package homeserver

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rhuss/uiaa/pkg/api"
)

// Sentinel errors for session store operations.
var (
	// ErrSessionNotFound is returned for an unknown or evicted session id.
	ErrSessionNotFound = errors.New("unknown session")
)

// uiaSession is the server side of one UIA negotiation.
type uiaSession struct {
	id        string
	operation string // method and path the session was created for
	completed api.StageSet
	createdAt time.Time
	lruElem   *list.Element // position in LRU list
}

// sessionStore is an in-memory session table with LRU eviction.
type sessionStore struct {
	mu      sync.Mutex
	entries map[string]*uiaSession
	lruList *list.List // front = most recently used, back = least recently used
	maxSize int        // 0 = unlimited
}

func newSessionStore(maxSize int) *sessionStore {
	return &sessionStore{
		entries: make(map[string]*uiaSession),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// create opens a new session bound to operation and returns its id.
func (s *sessionStore) create(operation string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Evict if at capacity.
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	id := uuid.NewString()
	s.entries[id] = &uiaSession{
		id:        id,
		operation: operation,
		completed: api.NewStageSet(),
		createdAt: time.Now(),
		lruElem:   s.lruList.PushFront(id),
	}
	return id
}

// update runs fn on the session with the store locked and marks it as
// recently used.
func (s *sessionStore) update(id string, fn func(*uiaSession) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.entries[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.lruList.MoveToFront(sess.lruElem)
	return fn(sess)
}

// completed returns a snapshot of the session's completed stages.
func (s *sessionStore) completed(id string) ([]api.StageKind, error) {
	var out []api.StageKind
	err := s.update(id, func(sess *uiaSession) error {
		out = sess.completed.Sorted()
		return nil
	})
	return out, err
}

// markCompleted records stage as done within session id.
func (s *sessionStore) markCompleted(id string, stage api.StageKind) error {
	return s.update(id, func(sess *uiaSession) error {
		sess.completed[stage] = struct{}{}
		return nil
	})
}

// delete removes a session. Deleting an unknown id is not an error.
func (s *sessionStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.entries[id]; ok {
		s.lruList.Remove(sess.lruElem)
		delete(s.entries, id)
	}
}

// len returns the number of open sessions.
func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictOldest removes the least recently used session.
// Must be called with s.mu held.
func (s *sessionStore) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
}
