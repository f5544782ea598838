// Package custody creates and maintains the custodial wallet bound to each
// contest.
package custody

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/keyring"
	"github.com/contestfi/custody/internal/wallet"
)

var ErrInvalidInput = errors.New("custody: invalid input")

// Contest statuses after which a contest wallet stops taking entries.
const (
	ContestCompleted = "completed"
	ContestCancelled = "cancelled"
)

func contestEnded(status string) bool {
	return status == ContestCompleted || status == ContestCancelled
}

// AdminContext identifies who asked for a custody operation. It is recorded
// in the audit log only.
type AdminContext struct {
	Actor     string
	RequestID string
	Reason    string
}

func (a AdminContext) attrs() []any {
	return []any{"actor", a.Actor, "request_id", a.RequestID, "reason", a.Reason}
}

type Manager struct {
	store wallet.Store
	keys  *keyring.Keyring
	gen   chain.KeyGenerator
	log   *slog.Logger
}

func NewManager(store wallet.Store, keys *keyring.Keyring, gen chain.KeyGenerator) (*Manager, error) {
	if store == nil || keys == nil || gen == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidInput)
	}
	return &Manager{
		store: store,
		keys:  keys,
		gen:   gen,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (m *Manager) WithLogger(log *slog.Logger) *Manager {
	if m != nil && log != nil {
		m.log = log
	}
	return m
}

// CreateContestWallet returns the wallet for contestID, creating it on first
// call. A pooled vanity wallet is preferred over a freshly generated key.
// The returned wallet never carries secret material.
func (m *Manager) CreateContestWallet(ctx context.Context, contestID string, admin AdminContext) (wallet.Wallet, error) {
	contestID = strings.TrimSpace(contestID)
	if contestID == "" {
		return wallet.Wallet{}, fmt.Errorf("%w: contest id is required", ErrInvalidInput)
	}

	existing, err := m.store.GetByContest(ctx, contestID)
	if err == nil {
		return existing.Public(), nil
	}
	if !errors.Is(err, wallet.ErrNotFound) {
		return wallet.Wallet{}, err
	}

	claimed, ok, err := m.store.ClaimPooled(ctx, contestID)
	switch {
	case errors.Is(err, wallet.ErrAlreadyBound):
		return m.boundWallet(ctx, contestID)
	case err != nil:
		return wallet.Wallet{}, err
	case ok:
		m.log.Info("contest wallet assigned from pool",
			append([]any{"contest_id", contestID, "wallet_id", claimed.ID, "address", claimed.Address, "vanity_pattern", claimed.VanityPattern}, admin.attrs()...)...)
		return claimed.Public(), nil
	}

	addr, secret, err := m.gen.Generate()
	if err != nil {
		return wallet.Wallet{}, err
	}
	env, err := m.keys.Encrypt(secret)
	keyring.Wipe(secret)
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("custody: encrypt secret: %w", err)
	}

	created, err := m.store.Create(ctx, wallet.Wallet{
		ContestID: contestID,
		Address:   addr,
		Secret:    env,
		Status:    wallet.StatusActive,
	})
	if errors.Is(err, wallet.ErrAlreadyBound) {
		// Lost a race with another creator; the generated key was never funded.
		return m.boundWallet(ctx, contestID)
	}
	if err != nil {
		return wallet.Wallet{}, err
	}
	m.log.Info("contest wallet generated",
		append([]any{"contest_id", contestID, "wallet_id", created.ID, "address", created.Address, "key_version", env.KeyVersion}, admin.attrs()...)...)
	return created.Public(), nil
}

func (m *Manager) boundWallet(ctx context.Context, contestID string) (wallet.Wallet, error) {
	w, err := m.store.GetByContest(ctx, contestID)
	if err != nil {
		return wallet.Wallet{}, err
	}
	return w.Public(), nil
}

// ImportVanityWallet encrypts an externally mined key and adds it to the
// pool. When pattern is set, the derived address must contain it.
func (m *Manager) ImportVanityWallet(ctx context.Context, secret []byte, pattern string) (wallet.Wallet, error) {
	addr, err := chain.AddressFromSecret(secret)
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	pattern = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(pattern), "0x"))
	if pattern != "" && !strings.Contains(strings.TrimPrefix(addr, "0x"), pattern) {
		return wallet.Wallet{}, fmt.Errorf("%w: address %s does not match pattern %q", ErrInvalidInput, addr, pattern)
	}
	env, err := m.keys.Encrypt(secret)
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("custody: encrypt secret: %w", err)
	}
	w, err := m.store.Create(ctx, wallet.Wallet{
		Address:       addr,
		Secret:        env,
		Status:        wallet.StatusPooled,
		VanityPattern: pattern,
	})
	if err != nil {
		return wallet.Wallet{}, err
	}
	m.log.Info("vanity wallet pooled", "wallet_id", w.ID, "address", w.Address, "vanity_pattern", pattern)
	return w.Public(), nil
}

const maxResolveAttempts = 3

// ResolveContest records the latest contest status on its wallet. An ended
// contest moves an active wallet to completed, which makes it eligible for
// reclamation.
func (m *Manager) ResolveContest(ctx context.Context, contestID, contestStatus string) (wallet.Wallet, error) {
	contestID = strings.TrimSpace(contestID)
	contestStatus = strings.ToLower(strings.TrimSpace(contestStatus))
	if contestID == "" || contestStatus == "" {
		return wallet.Wallet{}, fmt.Errorf("%w: contest id and status are required", ErrInvalidInput)
	}

	for attempt := 1; ; attempt++ {
		w, err := m.store.GetByContest(ctx, contestID)
		if err != nil {
			return wallet.Wallet{}, err
		}
		u := wallet.Update{ContestStatus: &contestStatus}
		if contestEnded(contestStatus) && w.Status == wallet.StatusActive {
			completed := wallet.StatusCompleted
			u.Status = &completed
		}
		cur := w.Status
		out, err := m.store.Update(ctx, w.ID, u, &wallet.Precondition{Status: &cur})
		if errors.Is(err, wallet.ErrPreconditionFailed) && attempt < maxResolveAttempts {
			continue
		}
		if err != nil {
			return wallet.Wallet{}, err
		}
		if out.Status != w.Status {
			m.log.Info("contest wallet status changed", "contest_id", contestID, "wallet_id", out.ID, "from", w.Status, "to", out.Status, "contest_status", contestStatus)
		}
		return out.Public(), nil
	}
}

type RewrapSummary struct {
	Scanned   int
	Rewrapped int
	// Skipped counts wallets whose envelope changed underneath the rewrap.
	Skipped  int
	Failed   int
	Failures []RewrapFailure
}

type RewrapFailure struct {
	WalletID string
	Err      error
}

// RewrapSecrets moves every envelope onto the active key version. Each write
// is conditional on the key version read, so a concurrent rewrap is skipped
// rather than overwritten.
func (m *Manager) RewrapSecrets(ctx context.Context) (RewrapSummary, error) {
	active := m.keys.ActiveVersion()
	stale, err := m.store.Find(ctx, wallet.Filter{KeyVersionNot: active})
	if err != nil {
		return RewrapSummary{}, err
	}

	var sum RewrapSummary
	for _, w := range stale {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Scanned++
		env, changed, err := m.keys.Rewrap(w.Secret)
		if err != nil {
			sum.Failed++
			sum.Failures = append(sum.Failures, RewrapFailure{WalletID: w.ID, Err: err})
			m.log.Error("rewrap failed", "wallet_id", w.ID, "key_version", w.Secret.KeyVersion, "err", err)
			continue
		}
		if !changed {
			continue
		}
		old := w.Secret.KeyVersion
		_, err = m.store.Update(ctx, w.ID, wallet.Update{Secret: &env}, &wallet.Precondition{KeyVersion: &old})
		switch {
		case errors.Is(err, wallet.ErrPreconditionFailed):
			sum.Skipped++
		case err != nil:
			sum.Failed++
			sum.Failures = append(sum.Failures, RewrapFailure{WalletID: w.ID, Err: err})
			m.log.Error("rewrap write failed", "wallet_id", w.ID, "err", err)
		default:
			sum.Rewrapped++
		}
	}
	m.log.Info("rewrap finished", "active_version", active, "scanned", sum.Scanned, "rewrapped", sum.Rewrapped, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}
