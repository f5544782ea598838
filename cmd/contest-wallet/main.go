// Command contest-wallet runs one-off custody operations against the wallet
// store:
//
//	contest-wallet create   --contest-id ID [--actor NAME]
//	contest-wallet get      --contest-id ID
//	contest-wallet resolve  --contest-id ID --status STATUS
//	contest-wallet sync     --contest-id ID
//	contest-wallet sync-all [--deadline DUR]
//	contest-wallet rewrap
//
// Every subcommand prints a JSON result on stdout. Secrets are never printed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/contestfi/custody/internal/app"
	"github.com/contestfi/custody/internal/balance"
	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/custody"
	"github.com/contestfi/custody/internal/units"
	"github.com/contestfi/custody/internal/wallet"
)

const usage = "usage: contest-wallet create|get|resolve|sync|sync-all|rewrap [flags]"

type walletJSON struct {
	ID            string     `json:"walletId"`
	ContestID     string     `json:"contestId,omitempty"`
	ContestStatus string     `json:"contestStatus,omitempty"`
	Address       string     `json:"address"`
	Status        string     `json:"status"`
	BalanceWei    string     `json:"balanceWei"`
	BalanceEth    string     `json:"balanceEth"`
	KeyVersion    uint32     `json:"keyVersion"`
	VanityPattern string     `json:"vanityPattern,omitempty"`
	LastSyncedAt  *time.Time `json:"lastSyncedAt,omitempty"`
}

// toJSON renders a stored wallet. Only the envelope's key version is read.
func toJSON(w wallet.Wallet) walletJSON {
	bal := w.Balance()
	out := walletJSON{
		ID:            w.ID,
		ContestID:     w.ContestID,
		ContestStatus: w.ContestStatus,
		Address:       w.Address,
		Status:        string(w.Status),
		BalanceWei:    bal.String(),
		BalanceEth:    units.FormatEther(bal),
		KeyVersion:    w.Secret.KeyVersion,
		VanityPattern: w.VanityPattern,
	}
	if !w.LastSyncedAt.IsZero() {
		t := w.LastSyncedAt
		out.LastSyncedAt = &t
	}
	return out
}

type failureJSON struct {
	WalletID  string `json:"walletId"`
	Address   string `json:"address,omitempty"`
	Retryable bool   `json:"retryable"`
	Error     string `json:"error"`
}

type syncJSON struct {
	Total    int           `json:"total"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Deferred int           `json:"deferred"`
	Failures []failureJSON `json:"failures"`
}

type rewrapJSON struct {
	ActiveKeyVersion uint32        `json:"activeKeyVersion"`
	Scanned          int           `json:"scanned"`
	Rewrapped        int           `json:"rewrapped"`
	Skipped          int           `json:"skipped"`
	Failed           int           `json:"failed"`
	Failures         []failureJSON `json:"failures"`
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
	if len(args) == 0 {
		return fmt.Errorf("%w: %s", app.ErrInvalidConfig, usage)
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet("contest-wallet "+cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := app.RegisterFlags(fs)

	contestID := fs.String("contest-id", "", "contest id")
	status := fs.String("status", "", "contest status for resolve (e.g. completed, cancelled)")
	actor := fs.String("actor", "", "admin recorded in the audit log")
	reason := fs.String("reason", "", "reason recorded in the audit log")
	deadline := fs.Duration("deadline", 0, "sync-all: stop starting new wallets after this long; 0 means none")
	width := fs.Int("concurrency", 0, "sync-all: concurrent chain reads (0 uses the default)")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", app.ErrInvalidConfig, fs.Args())
	}

	var need app.Need
	switch cmd {
	case "get":
	case "create", "rewrap":
		need = app.NeedKeys
	case "resolve":
		if strings.TrimSpace(*status) == "" {
			return fmt.Errorf("%w: --status is required", app.ErrInvalidConfig)
		}
		need = app.NeedKeys
	case "sync", "sync-all":
		need = app.NeedChain
	default:
		return fmt.Errorf("%w: unknown subcommand %q; %s", app.ErrInvalidConfig, cmd, usage)
	}
	if cmd != "sync-all" && cmd != "rewrap" && strings.TrimSpace(*contestID) == "" {
		return fmt.Errorf("%w: --contest-id is required", app.ErrInvalidConfig)
	}
	if *deadline < 0 {
		return fmt.Errorf("%w: --deadline must be >= 0", app.ErrInvalidConfig)
	}

	log, err := app.NewLogger(stderr, f.LogLevel)
	if err != nil {
		return err
	}
	deps, err := app.Open(ctx, f, need, log, stdout)
	if err != nil {
		return err
	}
	defer deps.Close()

	var result any
	switch cmd {
	case "create":
		mgr, err := custody.NewManager(deps.Store, deps.Keys, chain.EVMKeyGenerator{})
		if err != nil {
			return err
		}
		if _, err := mgr.WithLogger(log).CreateContestWallet(ctx, *contestID, custody.AdminContext{Actor: *actor, Reason: *reason}); err != nil {
			return err
		}
		if result, err = show(ctx, deps, *contestID); err != nil {
			return err
		}

	case "get":
		if result, err = show(ctx, deps, *contestID); err != nil {
			return err
		}

	case "resolve":
		mgr, err := custody.NewManager(deps.Store, deps.Keys, chain.EVMKeyGenerator{})
		if err != nil {
			return err
		}
		if _, err := mgr.WithLogger(log).ResolveContest(ctx, *contestID, *status); err != nil {
			return err
		}
		if result, err = show(ctx, deps, *contestID); err != nil {
			return err
		}

	case "sync", "sync-all":
		svc, err := newBalanceService(deps, *width)
		if err != nil {
			return err
		}
		if cmd == "sync" {
			w, err := deps.Store.GetByContest(ctx, strings.TrimSpace(*contestID))
			if err != nil {
				return err
			}
			if _, err := svc.UpdateWalletBalance(ctx, w); err != nil {
				return err
			}
			if result, err = show(ctx, deps, *contestID); err != nil {
				return err
			}
			break
		}
		opts := balance.BatchOptions{}
		if *deadline > 0 {
			opts.Deadline = time.Now().Add(*deadline)
		}
		sum, err := svc.UpdateAllWalletBalances(ctx, opts)
		if err != nil {
			return err
		}
		out := syncJSON{Total: sum.Total, Updated: sum.Updated, Failed: sum.Failed, Deferred: sum.Deferred, Failures: []failureJSON{}}
		for _, fl := range sum.Failures {
			out.Failures = append(out.Failures, failureJSON{WalletID: fl.WalletID, Address: fl.Address, Retryable: fl.Retryable, Error: errString(fl.Err)})
		}
		result = out

	case "rewrap":
		mgr, err := custody.NewManager(deps.Store, deps.Keys, chain.EVMKeyGenerator{})
		if err != nil {
			return err
		}
		sum, err := mgr.WithLogger(log).RewrapSecrets(ctx)
		if err != nil {
			return err
		}
		out := rewrapJSON{
			ActiveKeyVersion: deps.Keys.ActiveVersion(),
			Scanned:          sum.Scanned,
			Rewrapped:        sum.Rewrapped,
			Skipped:          sum.Skipped,
			Failed:           sum.Failed,
			Failures:         []failureJSON{},
		}
		for _, fl := range sum.Failures {
			out.Failures = append(out.Failures, failureJSON{WalletID: fl.WalletID, Error: errString(fl.Err)})
		}
		result = out
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func show(ctx context.Context, deps *app.Deps, contestID string) (walletJSON, error) {
	w, err := deps.Store.GetByContest(ctx, strings.TrimSpace(contestID))
	if err != nil {
		return walletJSON{}, err
	}
	return toJSON(w), nil
}

func newBalanceService(deps *app.Deps, width int) (*balance.Service, error) {
	guard, err := deps.Guard()
	if err != nil {
		return nil, err
	}
	svc, err := balance.NewService(deps.Store, deps.Chain, guard, balance.Config{Width: width})
	if err != nil {
		return nil, err
	}
	return svc.WithLogger(deps.Log), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
