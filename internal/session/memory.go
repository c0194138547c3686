package session

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/querystream/internal/model"
)

// MemoryStore keeps sessions in process. Every update is echoed to
// watchers, the same way a remote store notifies its subscribers.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	watchers map[int]chan *model.Session
	nextID   int
	failWith error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		watchers: make(map[int]chan *model.Session),
	}
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

// Put creates or replaces a session without notifying watchers.
func (s *MemoryStore) Put(sess *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = clone(sess)
}

// UpdateQuery replaces the persisted conversation and notifies watchers.
func (s *MemoryStore) UpdateQuery(ctx context.Context, id string, query []string) error {
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return err
	}

	sess, ok := s.sessions[id]
	if !ok {
		sess = &model.Session{ID: id}
		s.sessions[id] = sess
	}
	sess.Query = append([]string(nil), query...)
	sess.UpdatedAt = time.Now()

	snapshot := clone(sess)
	watchers := make([]chan *model.Session, 0, len(s.watchers))
	for _, ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- clone(snapshot):
		default:
		}
	}
	return nil
}

// CreateSession claims the session for userID unless it already has an owner.
func (s *MemoryStore) CreateSession(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		sess = &model.Session{ID: id, UpdatedAt: time.Now()}
		s.sessions[id] = sess
	}
	if sess.UserID == "" {
		sess.UserID = userID
	}
	return nil
}

// FailWrites makes subsequent UpdateQuery calls return err. Pass nil to recover.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Watch delivers updates to fn until ctx is done.
func (s *MemoryStore) Watch(ctx context.Context, fn func(*model.Session)) error {
	ch := make(chan *model.Session, 64)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sess := <-ch:
			fn(sess)
		}
	}
}

func clone(sess *model.Session) *model.Session {
	c := *sess
	c.Query = append([]string(nil), sess.Query...)
	return &c
}
