// Command reclaim-funds sweeps leftover balances from finished contest
// wallets to the treasury and prints the run report as JSON.
//
// Run with --dry-run first: it lists the candidates and the projected total
// without locking wallets or touching the chain. The process exits 1 when any
// wallet failed, after printing the report; re-running is safe.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/contestfi/custody/internal/app"
	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/queue"
	"github.com/contestfi/custody/internal/reclaim"
	"github.com/contestfi/custody/internal/transfer"
	"github.com/contestfi/custody/internal/units"
)

var errRunFailures = errors.New("reclaim-funds: some wallets failed")

type config struct {
	opts        reclaim.Options
	treasury    string
	width       int
	reconcile   bool
	deadlineDur time.Duration
}

type output struct {
	Reconcile *reconcileJSON `json:"reconcile,omitempty"`
	Run       reclaim.Report `json:"run"`
}

type reconcileJSON struct {
	Checked      int                    `json:"checked"`
	Confirmed    int                    `json:"confirmed"`
	Failed       int                    `json:"failed"`
	StillPending int                    `json:"stillPending"`
	Failures     []reconcileFailureJSON `json:"failures"`
}

type reconcileFailureJSON struct {
	TransferID string `json:"transferId"`
	WalletID   string `json:"walletId"`
	Signature  string `json:"signature,omitempty"`
	Error      string `json:"error"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(app.ExitCode(err))
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("reclaim-funds", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := app.RegisterFlags(fs)

	status := fs.String("status", strings.Join(reclaim.DefaultStatusFilter, ","), "comma-separated contest statuses to sweep")
	minBalance := fs.String("min-balance", "0", "smallest cached balance considered (wei, or ether with an eth suffix)")
	minTransfer := fs.String("min-transfer", "0", "amount left behind in each wallet (wei, or ether with an eth suffix)")
	dryRun := fs.Bool("dry-run", false, "report candidates without transferring")
	deadline := fs.Duration("deadline", 0, "stop starting new wallets after this long; 0 means none")
	treasury := fs.String("treasury", os.Getenv("CUSTODY_TREASURY"), "treasury address receiving reclaimed funds")
	width := fs.Int("concurrency", 0, "concurrent wallet transfers (0 uses the default)")
	reconcile := fs.Bool("reconcile", true, "settle pending transfers from earlier runs first")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", app.ErrInvalidConfig, fs.Args())
	}

	cfg := config{
		treasury:    strings.TrimSpace(*treasury),
		width:       *width,
		reconcile:   *reconcile && !*dryRun,
		deadlineDur: *deadline,
	}
	cfg.opts.StatusFilter = queue.SplitCommaList(*status)
	cfg.opts.DryRun = *dryRun
	var err error
	if cfg.opts.MinBalance, err = parseAmount("--min-balance", *minBalance); err != nil {
		return err
	}
	if cfg.opts.MinTransfer, err = parseAmount("--min-transfer", *minTransfer); err != nil {
		return err
	}
	if *deadline < 0 {
		return fmt.Errorf("%w: --deadline must be >= 0", app.ErrInvalidConfig)
	}
	if !*dryRun && cfg.treasury == "" {
		return fmt.Errorf("%w: --treasury is required unless --dry-run", app.ErrInvalidConfig)
	}

	log, err := app.NewLogger(stderr, f.LogLevel)
	if err != nil {
		return err
	}

	need := app.NeedEvents | app.NeedReports
	if !*dryRun {
		need |= app.NeedKeys | app.NeedChain
	}
	deps, err := app.Open(ctx, f, need, log, stderr)
	if err != nil {
		return err
	}
	defer deps.Close()

	return reclaimFunds(ctx, deps, cfg, stdout)
}

func parseAmount(name, v string) (*big.Int, error) {
	amt, err := units.ParseAmount(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", app.ErrInvalidConfig, name, err)
	}
	return amt, nil
}

func reclaimFunds(ctx context.Context, deps *app.Deps, cfg config, stdout io.Writer) error {
	guard, err := deps.Guard()
	if err != nil {
		return err
	}
	var (
		exec   reclaim.Executor = offline{}
		client chain.Client     = offline{}
	)
	if deps.Chain != nil && deps.Keys != nil {
		client = deps.Chain
		x, err := transfer.NewExecutor(deps.Chain, deps.Keys)
		if err != nil {
			return err
		}
		exec = x.WithLogger(deps.Log)
	}
	engine, err := reclaim.NewEngine(deps.Store, exec, client, guard, reclaim.Config{
		Treasury: cfg.treasury,
		Width:    cfg.width,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}
	engine = engine.WithLogger(deps.Log).WithEvents(deps.Events).WithReports(deps.Reports)

	var out output
	if cfg.reconcile {
		rs, err := engine.ReconcilePendingTransfers(ctx)
		if err != nil {
			return err
		}
		rj := &reconcileJSON{
			Checked:      rs.Checked,
			Confirmed:    rs.Confirmed,
			Failed:       rs.Failed,
			StillPending: rs.StillPending,
			Failures:     []reconcileFailureJSON{},
		}
		for _, fl := range rs.Failures {
			rj.Failures = append(rj.Failures, reconcileFailureJSON{TransferID: fl.TransferID, WalletID: fl.WalletID, Signature: fl.Signature, Error: fl.Err.Error()})
		}
		out.Reconcile = rj
	}

	opts := cfg.opts
	if cfg.deadlineDur > 0 {
		opts.Deadline = time.Now().Add(cfg.deadlineDur)
	}
	sum, err := engine.ReclaimUnusedFunds(ctx, opts)
	if err != nil {
		if errors.Is(err, reclaim.ErrInvalidOptions) {
			return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
		}
		return err
	}
	out.Run = reclaim.NewReport(sum)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if len(sum.Failures) > 0 {
		return fmt.Errorf("%w: %d of %d", errRunFailures, len(sum.Failures), sum.Processed)
	}
	return nil
}

var errOffline = errors.New("reclaim-funds: chain access during dry run")

// offline stands in for the chain and the transfer executor on dry runs,
// which never dial the node or load keys.
type offline struct{}

func (offline) GetBalance(context.Context, string) (*big.Int, error) { return nil, errOffline }

func (offline) BuildTransfer(context.Context, string, string, *big.Int) (*chain.UnsignedTransfer, error) {
	return nil, errOffline
}

func (offline) SignAndSend(context.Context, *chain.UnsignedTransfer, []byte) (string, error) {
	return "", errOffline
}

func (offline) Confirm(context.Context, string) error { return errOffline }

func (offline) Transfer(context.Context, transfer.Request) (transfer.Result, error) {
	return transfer.Result{}, errOffline
}
