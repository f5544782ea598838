package locks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const DefaultGuardTTL = 2 * time.Minute

// Guard runs work while holding a named lock. Acquisition never waits: a lock
// held by another owner fails fast with ErrBusy so batch callers can move on.
type Guard struct {
	store Store
	owner string
	ttl   time.Duration
	log   *slog.Logger
}

func NewGuard(store Store, owner string, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &Guard{
		store: store,
		owner: owner,
		ttl:   ttl,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (g *Guard) WithLogger(log *slog.Logger) *Guard {
	if g != nil && log != nil {
		g.log = log
	}
	return g
}

// Do acquires name, runs fn, and releases. The lock is renewed every ttl/3
// while fn runs so long transfers keep their exclusion. Each call holds the
// lock under its own token, so concurrent calls on one Guard exclude each
// other and cannot release each other's lease.
func (g *Guard) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if g == nil || g.store == nil {
		return fmt.Errorf("%w: nil guard", ErrInvalidInput)
	}
	token := g.owner + "/" + uuid.NewString()
	cur, ok, err := g.store.TryAcquire(ctx, name, token, g.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s held by %s until %s", ErrBusy, name, cur.Owner, cur.ExpiresAt.UTC().Format(time.RFC3339))
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		t := time.NewTicker(g.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if _, _, err := g.store.Renew(ctx, name, token, g.ttl); err != nil && !errors.Is(err, context.Canceled) {
					g.log.Warn("lock renew failed", "lock", name, "err", err)
				}
			}
		}
	}()

	runErr := fn(ctx)

	close(stop)
	<-renewed
	// Release even when ctx is done; an orphaned lock would block the wallet until expiry.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.store.Release(rctx, name, token); err != nil {
		g.log.Warn("lock release failed", "lock", name, "err", err)
	}
	return runErr
}
