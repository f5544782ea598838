package locks

import (
	"context"
	"fmt"
	"time"
)

// Leader tracks whether this process owns a leader lock. Tick renews an owned
// lock or tries to take a free one; only the holder runs periodic jobs.
type Leader struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
}

func NewLeader(store Store, name, owner string, ttl time.Duration) (*Leader, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := checkArgs(name, owner, ttl); err != nil {
		return nil, err
	}
	return &Leader{store: store, name: name, owner: owner, ttl: ttl}, nil
}

func (l *Leader) Tick(ctx context.Context) (bool, error) {
	if _, ok, err := l.store.Renew(ctx, l.name, l.owner, l.ttl); err == nil && ok {
		return true, nil
	}
	_, ok, err := l.store.TryAcquire(ctx, l.name, l.owner, l.ttl)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Resign releases leadership, if held.
func (l *Leader) Resign(ctx context.Context) error {
	return l.store.Release(ctx, l.name, l.owner)
}
