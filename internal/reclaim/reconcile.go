package reclaim

import (
	"context"
	"errors"
	"fmt"

	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/locks"
	"github.com/contestfi/custody/internal/wallet"
	"github.com/contestfi/custody/internal/workpool"
)

type ReconcileFailure struct {
	TransferID string
	WalletID   string
	Signature  string
	Err        error
}

type ReconcileSummary struct {
	Checked      int
	Confirmed    int
	Failed       int
	StillPending int
	Failures     []ReconcileFailure
}

type reconcileOutcome int

const (
	outcomePending reconcileOutcome = iota
	outcomeConfirmed
	outcomeFailed
)

// ReconcilePendingTransfers settles reclaim transfers left pending by an
// earlier run. Signed transfers are checked on chain; unsigned ones older
// than the pending grace never reached the network and are marked failed.
// Records of one wallet are handled in order under a single wallet lock.
func (e *Engine) ReconcilePendingTransfers(ctx context.Context) (ReconcileSummary, error) {
	recs, err := e.store.ListTransfers(ctx, wallet.TransferFilter{
		Statuses: []wallet.TransferStatus{wallet.TransferPending},
		Kinds:    []wallet.TransferKind{wallet.KindReclaim},
	})
	if err != nil {
		return ReconcileSummary{}, err
	}

	var groups [][]wallet.TransferRecord
	idx := map[string]int{}
	for _, r := range recs {
		i, ok := idx[r.WalletID]
		if !ok {
			i = len(groups)
			idx[r.WalletID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}

	results := workpool.Run(ctx, groups, workpool.Options{Width: e.cfg.Width, Now: e.cfg.Now}, e.reconcileWallet)

	var sum ReconcileSummary
	for _, g := range results {
		if !g.Admitted() {
			sum.StillPending += len(g.Item)
			continue
		}
		if g.Err != nil {
			e.log.Warn("reconciling wallet transfers failed", "wallet_id", g.Item[0].WalletID, "err", g.Err)
			for _, rec := range g.Item {
				sum.Checked++
				sum.StillPending++
				sum.Failures = append(sum.Failures, ReconcileFailure{TransferID: rec.ID, WalletID: rec.WalletID, Signature: rec.Signature, Err: g.Err})
			}
			continue
		}
		for i, res := range g.Value {
			rec := g.Item[i]
			sum.Checked++
			if res.err != nil {
				sum.Failures = append(sum.Failures, ReconcileFailure{TransferID: rec.ID, WalletID: rec.WalletID, Signature: rec.Signature, Err: res.err})
				e.log.Warn("reconciling transfer failed", "transfer_id", rec.ID, "tx", rec.Signature, "err", res.err)
			}
			switch res.outcome {
			case outcomeConfirmed:
				sum.Confirmed++
			case outcomeFailed:
				sum.Failed++
			default:
				sum.StillPending++
			}
		}
	}
	e.log.Info("pending transfers reconciled", "checked", sum.Checked, "confirmed", sum.Confirmed, "failed", sum.Failed, "pending", sum.StillPending)
	return sum, nil
}

type reconcileResult struct {
	outcome reconcileOutcome
	err     error
}

func (e *Engine) reconcileWallet(ctx context.Context, recs []wallet.TransferRecord) ([]reconcileResult, error) {
	out := make([]reconcileResult, len(recs))
	err := e.guard.Do(ctx, locks.WalletLockName(recs[0].WalletID), func(ctx context.Context) error {
		for i, rec := range recs {
			out[i].outcome, out[i].err = e.reconcileOne(ctx, rec)
		}
		return nil
	})
	if errors.Is(err, locks.ErrBusy) {
		return nil, fmt.Errorf("%w: %w", ErrWalletBusy, err)
	}
	return out, err
}

// reconcileOne runs with the wallet lock held.
func (e *Engine) reconcileOne(ctx context.Context, rec wallet.TransferRecord) (reconcileOutcome, error) {
	if rec.Signature == "" {
		if e.cfg.Now().Sub(rec.CreatedAt) < e.cfg.PendingGrace {
			return outcomePending, nil
		}
		if _, err := e.store.UpdateTransfer(ctx, rec.ID, wallet.TransferUpdate{Status: wallet.TransferFailed, Error: "never submitted"}); err != nil {
			return outcomePending, err
		}
		return outcomeFailed, nil
	}

	err := e.chain.Confirm(ctx, rec.Signature)
	switch {
	case errors.Is(err, chain.ErrConfirmTimeout):
		return outcomePending, nil
	case errors.Is(err, chain.ErrReverted):
		if _, uerr := e.store.UpdateTransfer(ctx, rec.ID, wallet.TransferUpdate{Status: wallet.TransferFailed, Error: err.Error()}); uerr != nil {
			return outcomePending, uerr
		}
		rec.Status = wallet.TransferFailed
		e.publishTransfer(ctx, rec, "", err.Error())
		return outcomeFailed, nil
	case err != nil:
		return outcomePending, err
	}

	// The wallet row is settled before the record leaves pending. A balance
	// sync may already have seen the withdrawal, so refresh from chain
	// instead of subtracting the amount again.
	w, err := e.store.Get(ctx, rec.WalletID)
	if err != nil {
		return outcomePending, fmt.Errorf("%w: %w", ErrUnsettled, err)
	}
	bal, err := e.chain.GetBalance(ctx, w.Address)
	if err != nil {
		return outcomePending, fmt.Errorf("%w: %w", ErrUnsettled, err)
	}
	reclaimed := wallet.StatusReclaimed
	if _, err := e.store.Update(ctx, w.ID, wallet.Update{CachedBalance: bal, Status: &reclaimed}, nil); err != nil {
		return outcomePending, fmt.Errorf("%w: %w", ErrUnsettled, err)
	}

	if _, err := e.store.UpdateTransfer(ctx, rec.ID, wallet.TransferUpdate{Status: wallet.TransferConfirmed}); err != nil {
		return outcomePending, err
	}
	rec.Status = wallet.TransferConfirmed
	e.publishTransfer(ctx, rec, w.ContestID, "")
	return outcomeConfirmed, nil
}
