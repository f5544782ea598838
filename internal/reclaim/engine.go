// Package reclaim sweeps leftover funds from finished contest wallets back to
// the treasury.
//
// Each run re-reads eligibility from persisted state, so re-running after a
// partial failure is safe: wallets already reclaimed fall below the minimum
// balance and are not picked up again.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/contestfi/custody/internal/blobstore"
	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/events"
	"github.com/contestfi/custody/internal/locks"
	"github.com/contestfi/custody/internal/transfer"
	"github.com/contestfi/custody/internal/units"
	"github.com/contestfi/custody/internal/wallet"
	"github.com/contestfi/custody/internal/workpool"
	"github.com/google/uuid"
)

var (
	ErrInvalidConfig  = errors.New("reclaim: invalid config")
	ErrInvalidOptions = errors.New("reclaim: invalid options")
	ErrWalletBusy     = errors.New("reclaim: wallet busy")
	// ErrIneligible means the wallet no longer qualifies once reloaded
	// under its lock.
	ErrIneligible = errors.New("reclaim: wallet no longer eligible")
	// ErrUnsettled means funds moved on chain but the wallet or transfer
	// write failed. The transfer record stays pending with its signature,
	// and ReconcilePendingTransfers finishes the bookkeeping.
	ErrUnsettled = errors.New("reclaim: transfer confirmed but not settled")
)

// DefaultStatusFilter is used when Options.StatusFilter is empty.
var DefaultStatusFilter = []string{"completed", "cancelled"}

const (
	DefaultReportPrefix = "reclamation/runs"
	DefaultPendingGrace = 10 * time.Minute
)

// Executor is the part of transfer.Executor the engine uses.
type Executor interface {
	Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error)
}

type Config struct {
	// Treasury receives reclaimed funds unless a run overrides it.
	Treasury string
	Width    int
	Now      func() time.Time

	ReportPrefix string
	// PendingGrace is how long an unsigned pending transfer may sit before
	// reconciliation marks it failed.
	PendingGrace time.Duration
}

type Engine struct {
	store   wallet.Store
	exec    Executor
	chain   chain.Client
	guard   *locks.Guard
	reports blobstore.Store
	events  *events.Publisher
	cfg     Config
	log     *slog.Logger
}

func NewEngine(store wallet.Store, exec Executor, client chain.Client, guard *locks.Guard, cfg Config) (*Engine, error) {
	if store == nil || exec == nil || client == nil || guard == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Treasury != "" {
		t, err := wallet.NormalizeAddress(cfg.Treasury)
		if err != nil {
			return nil, fmt.Errorf("%w: treasury: %w", ErrInvalidConfig, err)
		}
		cfg.Treasury = t
	}
	if cfg.Width <= 0 {
		cfg.Width = workpool.DefaultWidth
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.ReportPrefix = strings.Trim(strings.TrimSpace(cfg.ReportPrefix), "/")
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = DefaultReportPrefix
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = DefaultPendingGrace
	}
	return &Engine{
		store: store,
		exec:  exec,
		chain: client,
		guard: guard,
		cfg:   cfg,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (e *Engine) WithLogger(log *slog.Logger) *Engine {
	if e != nil && log != nil {
		e.log = log
	}
	return e
}

// WithReports archives every run summary to s.
func (e *Engine) WithReports(s blobstore.Store) *Engine {
	if e != nil {
		e.reports = s
	}
	return e
}

// WithEvents publishes run summaries and confirmed transfers through p.
func (e *Engine) WithEvents(p *events.Publisher) *Engine {
	if e != nil {
		e.events = p
	}
	return e
}

type Options struct {
	// StatusFilter lists the contest statuses whose wallets are swept.
	StatusFilter []string
	// MinBalance is the smallest cached balance considered, in wei.
	MinBalance *big.Int
	// MinTransfer is left behind in every wallet to cover fees, in wei.
	MinTransfer *big.Int
	DryRun      bool
	// Deadline stops starting new wallets; zero means none.
	Deadline time.Time
	// Treasury overrides Config.Treasury for this run.
	Treasury string
}

type Candidate struct {
	WalletID  string
	ContestID string
	Address   string
	Balance   *big.Int
	Amount    *big.Int
}

type Failure struct {
	WalletID   string
	ContestID  string
	Address    string
	Amount     *big.Int
	TransferID string
	Signature  string
	// Pending is set when the transaction was submitted but its outcome is
	// unknown; the transfer record stays pending.
	Pending   bool
	Retryable bool
	Err       error
}

type Summary struct {
	RunID     string
	DryRun    bool
	Treasury  string
	Processed int
	Reclaimed int
	Skipped   int
	Deferred  int
	// TotalAmount is what actually moved; zero for dry runs.
	TotalAmount *big.Int
	// ProjectedAmount is what the candidates would yield.
	ProjectedAmount *big.Int
	Candidates      []Candidate
	Failures        []Failure
	ReportKey       string
	StartedAt       time.Time
	FinishedAt      time.Time
}

type resolved struct {
	statuses    []string
	minBalance  *big.Int
	minTransfer *big.Int
	treasury    string
}

func (e *Engine) resolve(opts Options) (resolved, error) {
	r := resolved{minBalance: big.NewInt(0), minTransfer: big.NewInt(0), treasury: e.cfg.Treasury}
	for _, s := range opts.StatusFilter {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" && !slices.Contains(r.statuses, s) {
			r.statuses = append(r.statuses, s)
		}
	}
	if len(r.statuses) == 0 {
		r.statuses = slices.Clone(DefaultStatusFilter)
	}
	if opts.MinBalance != nil {
		if opts.MinBalance.Sign() < 0 {
			return resolved{}, fmt.Errorf("%w: negative min balance", ErrInvalidOptions)
		}
		r.minBalance = new(big.Int).Set(opts.MinBalance)
	}
	if opts.MinTransfer != nil {
		if opts.MinTransfer.Sign() < 0 {
			return resolved{}, fmt.Errorf("%w: negative min transfer", ErrInvalidOptions)
		}
		r.minTransfer = new(big.Int).Set(opts.MinTransfer)
	}
	if opts.Treasury != "" {
		t, err := wallet.NormalizeAddress(opts.Treasury)
		if err != nil {
			return resolved{}, fmt.Errorf("%w: treasury: %w", ErrInvalidOptions, err)
		}
		r.treasury = t
	}
	if r.treasury == "" && !opts.DryRun {
		return resolved{}, fmt.Errorf("%w: treasury address is required", ErrInvalidOptions)
	}
	return r, nil
}

func sweepable(s wallet.Status) bool {
	return s == wallet.StatusActive || s == wallet.StatusCompleted || s == wallet.StatusReclaimed
}

// amountFor returns what would be swept from w, or nil when w does not
// qualify.
func (r resolved) amountFor(w wallet.Wallet) *big.Int {
	if !sweepable(w.Status) || !slices.Contains(r.statuses, w.ContestStatus) {
		return nil
	}
	bal := w.Balance()
	if bal.Cmp(r.minBalance) < 0 {
		return nil
	}
	if w.Address == r.treasury {
		return nil
	}
	amount := new(big.Int).Sub(bal, r.minTransfer)
	if amount.Sign() <= 0 {
		return nil
	}
	return amount
}

// ReclaimUnusedFunds sweeps every eligible wallet. Per-wallet failures land
// in the summary; an error is returned only when options are invalid or the
// candidate query fails.
func (e *Engine) ReclaimUnusedFunds(ctx context.Context, opts Options) (Summary, error) {
	r, err := e.resolve(opts)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		RunID:           uuid.NewString(),
		DryRun:          opts.DryRun,
		Treasury:        r.treasury,
		TotalAmount:     big.NewInt(0),
		ProjectedAmount: big.NewInt(0),
		StartedAt:       e.cfg.Now().UTC(),
	}
	log := e.log.With("run_id", sum.RunID, "dry_run", opts.DryRun)

	ws, err := e.store.Find(ctx, wallet.Filter{
		Statuses:        []wallet.Status{wallet.StatusActive, wallet.StatusCompleted, wallet.StatusReclaimed},
		ContestStatuses: r.statuses,
		MinBalance:      r.minBalance,
	})
	if err != nil {
		return Summary{}, err
	}
	for _, w := range ws {
		amount := r.amountFor(w)
		if amount == nil {
			continue
		}
		sum.Candidates = append(sum.Candidates, Candidate{
			WalletID:  w.ID,
			ContestID: w.ContestID,
			Address:   w.Address,
			Balance:   w.Balance(),
			Amount:    amount,
		})
		sum.ProjectedAmount.Add(sum.ProjectedAmount, amount)
	}
	log.Info("reclamation candidates selected", "wallets", len(ws), "candidates", len(sum.Candidates), "projected_eth", units.FormatEther(sum.ProjectedAmount))

	if opts.DryRun {
		sum.Processed = len(sum.Candidates)
	} else {
		results := workpool.Run(ctx, sum.Candidates, workpool.Options{
			Width:    e.cfg.Width,
			Deadline: opts.Deadline,
			Now:      e.cfg.Now,
		}, func(ctx context.Context, c Candidate) (transfer.Result, error) {
			return e.reclaimWallet(ctx, r, c, sum.RunID)
		})
		for _, res := range results {
			switch {
			case !res.Admitted():
				sum.Deferred++
			case errors.Is(res.Err, ErrIneligible):
				sum.Skipped++
			case res.Err != nil:
				sum.Processed++
				f := failureOf(res.Item, res.Err)
				sum.Failures = append(sum.Failures, f)
				log.Warn("wallet reclamation failed", "wallet_id", f.WalletID, "tx", f.Signature, "pending", f.Pending, "retryable", f.Retryable, "err", res.Err)
			default:
				sum.Processed++
				sum.Reclaimed++
				sum.TotalAmount.Add(sum.TotalAmount, res.Value.Amount)
			}
		}
	}
	sum.FinishedAt = e.cfg.Now().UTC()

	e.archive(ctx, &sum)
	log.Info("reclamation finished",
		"processed", sum.Processed,
		"reclaimed", sum.Reclaimed,
		"skipped", sum.Skipped,
		"deferred", sum.Deferred,
		"failed", len(sum.Failures),
		"total_eth", units.FormatEther(sum.TotalAmount),
	)
	return sum, nil
}

func failureOf(c Candidate, err error) Failure {
	f := Failure{
		WalletID:  c.WalletID,
		ContestID: c.ContestID,
		Address:   c.Address,
		Amount:    c.Amount,
		Err:       err,
		Retryable: errors.Is(err, ErrWalletBusy) || errors.Is(err, wallet.ErrStorage) || chain.Retryable(err),
	}
	var re *walletError
	if errors.As(err, &re) {
		f.TransferID = re.transferID
		f.Signature = re.signature
		f.Pending = re.pending
		if re.amount != nil {
			f.Amount = re.amount
		}
	}
	var tf *transfer.TransferFailedError
	if errors.As(err, &tf) {
		f.Retryable = tf.Retryable
	}
	return f
}

// walletError carries per-wallet bookkeeping alongside the cause.
type walletError struct {
	transferID string
	signature  string
	amount     *big.Int
	pending    bool
	err        error
}

func (e *walletError) Error() string { return e.err.Error() }
func (e *walletError) Unwrap() error { return e.err }

func (e *Engine) reclaimWallet(ctx context.Context, r resolved, c Candidate, runID string) (transfer.Result, error) {
	var out transfer.Result
	err := e.guard.Do(ctx, locks.WalletLockName(c.WalletID), func(ctx context.Context) error {
		w, err := e.store.Get(ctx, c.WalletID)
		if err != nil {
			return err
		}
		amount := r.amountFor(w)
		if amount == nil {
			return fmt.Errorf("%w: %s", ErrIneligible, w.ID)
		}

		rec, err := e.store.RecordTransfer(ctx, wallet.TransferRecord{
			WalletID:    w.ID,
			Source:      w.Address,
			Destination: r.treasury,
			Amount:      amount,
			Kind:        wallet.KindReclaim,
		})
		if err != nil {
			return err
		}
		log := e.log.With("run_id", runID, "wallet_id", w.ID, "contest_id", w.ContestID, "transfer_id", rec.ID)

		res, err := e.exec.Transfer(ctx, transfer.Request{
			Source:      w,
			Destination: r.treasury,
			Amount:      amount,
			OnSubmitted: func(ctx context.Context, sig string) error {
				_, err := e.store.UpdateTransfer(ctx, rec.ID, wallet.TransferUpdate{Status: wallet.TransferPending, Signature: sig})
				return err
			},
		})
		if err != nil {
			return e.recordFailure(ctx, w, rec, amount, err)
		}

		// The record stays pending until the wallet row reflects the sweep,
		// so reconciliation picks up either half that did not land.
		if _, err := e.settle(ctx, w, amount); err != nil {
			if _, uerr := e.store.UpdateTransfer(ctx, rec.ID, wallet.TransferUpdate{Status: wallet.TransferPending, Signature: res.Signature}); uerr != nil {
				log.Error("recording unsettled transfer signature failed", "tx", res.Signature, "err", uerr)
			}
			return &walletError{transferID: rec.ID, signature: res.Signature, amount: amount, pending: true, err: fmt.Errorf("%w: %w", ErrUnsettled, err)}
		}
		if _, err := e.store.UpdateTransfer(ctx, rec.ID, wallet.TransferUpdate{Status: wallet.TransferConfirmed, Signature: res.Signature}); err != nil {
			return &walletError{transferID: rec.ID, signature: res.Signature, amount: amount, pending: true, err: fmt.Errorf("%w: %w", ErrUnsettled, err)}
		}
		log.Info("wallet reclaimed", "tx", res.Signature, "amount_wei", amount.String(), "amount_eth", units.FormatEther(amount))

		rec.Status = wallet.TransferConfirmed
		rec.Signature = res.Signature
		e.publishTransfer(ctx, rec, w.ContestID, "")
		out = res
		return nil
	})
	if errors.Is(err, locks.ErrBusy) {
		return transfer.Result{}, fmt.Errorf("%w: %w", ErrWalletBusy, err)
	}
	return out, err
}

// recordFailure leaves a submitted-but-unconfirmed transfer pending with its
// signature and marks anything else failed.
func (e *Engine) recordFailure(ctx context.Context, w wallet.Wallet, rec wallet.TransferRecord, amount *big.Int, cause error) error {
	we := &walletError{transferID: rec.ID, amount: amount, err: cause}
	var tf *transfer.TransferFailedError
	if errors.As(cause, &tf) {
		we.signature = tf.Signature
	}

	if tf != nil && tf.Submitted() && !errors.Is(cause, chain.ErrReverted) {
		we.pending = true
		if _, err := e.store.UpdateTransfer(ctx, rec.ID, wallet.TransferUpdate{Status: wallet.TransferPending, Signature: tf.Signature}); err != nil {
			e.log.Error("recording pending transfer signature failed", "transfer_id", rec.ID, "tx", tf.Signature, "err", err)
		}
		return we
	}

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := e.store.UpdateTransfer(uctx, rec.ID, wallet.TransferUpdate{Status: wallet.TransferFailed, Signature: we.signature, Error: cause.Error()}); err != nil {
		e.log.Error("marking transfer failed", "transfer_id", rec.ID, "err", err)
	} else {
		rec.Status = wallet.TransferFailed
		rec.Signature = we.signature
		e.publishTransfer(ctx, rec, w.ContestID, cause.Error())
	}
	return we
}

// settle applies a confirmed sweep to the wallet row. The balance
// precondition retries once per concurrent writer.
func (e *Engine) settle(ctx context.Context, w wallet.Wallet, amount *big.Int) (wallet.Wallet, error) {
	reclaimed := wallet.StatusReclaimed
	cur := w
	for attempt := 0; attempt < 3; attempt++ {
		next := new(big.Int).Sub(cur.Balance(), amount)
		if next.Sign() < 0 {
			next.SetInt64(0)
		}
		out, err := e.store.Update(ctx, cur.ID, wallet.Update{CachedBalance: next, Status: &reclaimed}, &wallet.Precondition{CachedBalance: cur.Balance()})
		if !errors.Is(err, wallet.ErrPreconditionFailed) {
			return out, err
		}
		if cur, err = e.store.Get(ctx, w.ID); err != nil {
			return wallet.Wallet{}, err
		}
	}
	return wallet.Wallet{}, fmt.Errorf("%w: wallet %s kept changing", wallet.ErrPreconditionFailed, w.ID)
}
