// Package balance keeps each wallet's cached balance in step with the chain.
package balance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/locks"
	"github.com/contestfi/custody/internal/wallet"
	"github.com/contestfi/custody/internal/workpool"
)

var (
	ErrInvalidConfig = errors.New("balance: invalid config")
	// ErrWalletBusy means another sync or reclamation holds the wallet.
	ErrWalletBusy = errors.New("balance: wallet busy")
)

type Config struct {
	// Width bounds concurrent chain reads in a batch sync.
	Width int
	Now   func() time.Time
}

type Service struct {
	store wallet.Store
	chain chain.Client
	guard *locks.Guard
	cfg   Config
	log   *slog.Logger
}

func NewService(store wallet.Store, client chain.Client, guard *locks.Guard, cfg Config) (*Service, error) {
	if store == nil || client == nil || guard == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Width <= 0 {
		cfg.Width = workpool.DefaultWidth
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store: store,
		chain: client,
		guard: guard,
		cfg:   cfg,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (s *Service) WithLogger(log *slog.Logger) *Service {
	if s != nil && log != nil {
		s.log = log
	}
	return s
}

// UpdateWalletBalance reads w's on-chain balance and stores it as the cached
// balance, holding the wallet lock for the read and the write.
func (s *Service) UpdateWalletBalance(ctx context.Context, w wallet.Wallet) (wallet.Wallet, error) {
	if w.ID == "" || w.Address == "" {
		return wallet.Wallet{}, fmt.Errorf("%w: wallet id and address are required", wallet.ErrInvalidInput)
	}

	var out wallet.Wallet
	err := s.guard.Do(ctx, locks.WalletLockName(w.ID), func(ctx context.Context) error {
		bal, err := s.chain.GetBalance(ctx, w.Address)
		if err != nil {
			return err
		}
		now := s.cfg.Now().UTC()
		out, err = s.store.Update(ctx, w.ID, wallet.Update{CachedBalance: bal, LastSyncedAt: &now}, nil)
		if err != nil {
			return err
		}
		if prev := w.Balance(); prev.Cmp(bal) != 0 {
			s.log.Info("wallet balance changed", "wallet_id", w.ID, "address", w.Address, "from_wei", prev.String(), "to_wei", bal.String())
		}
		return nil
	})
	if errors.Is(err, locks.ErrBusy) {
		return wallet.Wallet{}, fmt.Errorf("%w: %w", ErrWalletBusy, err)
	}
	if err != nil {
		return wallet.Wallet{}, err
	}
	return out.Public(), nil
}

type BatchOptions struct {
	// Deadline stops starting new syncs; unstarted wallets count as deferred.
	Deadline time.Time
}

type Failure struct {
	WalletID  string
	Address   string
	Err       error
	Retryable bool
}

type SyncSummary struct {
	Total    int
	Updated  int
	Failed   int
	Deferred int
	Failures []Failure
}

// UpdateAllWalletBalances syncs every wallet that is not reclaimed. Per-wallet
// failures are reported in the summary; only failing to list wallets is an
// error.
func (s *Service) UpdateAllWalletBalances(ctx context.Context, opts BatchOptions) (SyncSummary, error) {
	ws, err := s.store.Find(ctx, wallet.Filter{Statuses: wallet.NonTerminalStatuses()})
	if err != nil {
		return SyncSummary{}, err
	}

	results := workpool.Run(ctx, ws, workpool.Options{
		Width:    s.cfg.Width,
		Deadline: opts.Deadline,
		Now:      s.cfg.Now,
	}, s.UpdateWalletBalance)

	sum := SyncSummary{Total: len(ws)}
	for _, r := range results {
		switch {
		case !r.Admitted():
			sum.Deferred++
		case r.Err != nil:
			sum.Failed++
			sum.Failures = append(sum.Failures, Failure{
				WalletID:  r.Item.ID,
				Address:   r.Item.Address,
				Err:       r.Err,
				Retryable: errors.Is(r.Err, ErrWalletBusy) || chain.Retryable(r.Err) || errors.Is(r.Err, wallet.ErrStorage),
			})
			s.log.Warn("wallet balance sync failed", "wallet_id", r.Item.ID, "err", r.Err)
		default:
			sum.Updated++
		}
	}
	s.log.Info("balance sync finished", "total", sum.Total, "updated", sum.Updated, "failed", sum.Failed, "deferred", sum.Deferred)
	return sum, nil
}
