package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps locks in process memory. It is safe for concurrent use
// and is what single-process deployments and unit tests run on.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]Lock
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, locks: make(map[string]Lock)}
}

func (s *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lock, bool, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return Lock{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, held := s.locks[name]; held && cur.ExpiresAt.After(now) {
		return cur, false, nil
	}
	l := Lock{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	s.locks[name] = l
	return l, true, nil
}

func (s *MemoryStore) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lock, bool, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return Lock{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.locks[name]
	switch {
	case !held:
		return Lock{}, false, ErrNotFound
	case cur.Owner != owner:
		return Lock{}, false, ErrNotOwner
	}
	// An expired lock that nobody has taken over is still ours to extend.
	cur.ExpiresAt = s.now().Add(ttl)
	s.locks[name] = cur
	return cur, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.locks[name]
	if !held {
		return nil
	}
	if cur.Owner != owner {
		return ErrNotOwner
	}
	delete(s.locks, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lock, error) {
	if name == "" {
		return Lock{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.locks[name]
	if !held {
		return Lock{}, ErrNotFound
	}
	return cur, nil
}
