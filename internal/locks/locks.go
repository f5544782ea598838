// Package locks provides named, expiring locks backed by a shared store.
//
// The same primitive serves two purposes: per-wallet mutual exclusion between
// balance syncs and reclamation ("wallet/<id>"), and leader election for the
// periodic jobs in custody-worker.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("locks: invalid input")
	ErrNotFound     = errors.New("locks: not found")
	ErrNotOwner     = errors.New("locks: not owner")
	ErrBusy         = errors.New("locks: held by another owner")
)

// Lock is a named ownership record that expires unless renewed.
type Lock struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lock table.
//
// Semantics:
//   - TryAcquire succeeds if the lock is absent or expired, and returns the
//     current holder otherwise.
//   - Renew succeeds only for the current owner.
//   - Release is idempotent once the lock is gone.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lock, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lock, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lock, error)
}

// WalletLockName is the lock guarding balance and transfer work on one wallet.
func WalletLockName(walletID string) string {
	return "wallet/" + walletID
}

func checkArgs(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" {
		return fmt.Errorf("%w: name and owner are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
