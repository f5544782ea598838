// Command custody-worker keeps contest wallets in step with the contest
// lifecycle.
//
// Every instance consumes contest events: the first event for a contest
// creates its wallet, and terminal statuses resolve it. Periodic balance
// sync, reconciliation of pending transfers, and (when enabled) fund
// reclamation run only on the instance holding the leader lease.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/contestfi/custody/internal/app"
	"github.com/contestfi/custody/internal/balance"
	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/custody"
	"github.com/contestfi/custody/internal/events"
	"github.com/contestfi/custody/internal/locks"
	"github.com/contestfi/custody/internal/queue"
	"github.com/contestfi/custody/internal/reclaim"
	"github.com/contestfi/custody/internal/transfer"
	"github.com/contestfi/custody/internal/units"
	"github.com/contestfi/custody/internal/wallet"
	"golang.org/x/sync/errgroup"
)

const leaderLease = "custody-worker/leader"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(app.ExitCode(err))
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("custody-worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := app.RegisterFlags(fs)

	tick := fs.Duration("tick", 15*time.Second, "leader check interval")
	leaderTTL := fs.Duration("leader-ttl", 45*time.Second, "leader lease TTL")
	syncEvery := fs.Duration("sync-interval", 5*time.Minute, "balance sync interval; 0 disables")
	reconcileEvery := fs.Duration("reconcile-interval", 5*time.Minute, "pending transfer reconciliation interval; 0 disables")
	reclaimEvery := fs.Duration("reclaim-interval", 0, "fund reclamation interval; 0 disables")
	width := fs.Int("concurrency", 0, "concurrent chain operations per batch (0 uses the default)")

	treasury := fs.String("treasury", os.Getenv("CUSTODY_TREASURY"), "treasury address receiving reclaimed funds")
	status := fs.String("reclaim-status", strings.Join(reclaim.DefaultStatusFilter, ","), "comma-separated contest statuses to sweep")
	minBalance := fs.String("reclaim-min-balance", "0", "smallest cached balance swept (wei, or ether with an eth suffix)")
	minTransfer := fs.String("reclaim-min-transfer", "0", "amount left behind in each wallet (wei, or ether with an eth suffix)")

	consume := fs.Bool("consume", true, "consume contest events (requires --queue-driver)")
	group := fs.String("consumer-group", "custody-worker", "kafka consumer group")
	topic := fs.String("contest-topic", events.TopicContests, "contest event topic")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", app.ErrInvalidConfig, fs.Args())
	}
	if *tick <= 0 || *leaderTTL <= *tick {
		return fmt.Errorf("%w: --tick must be > 0 and below --leader-ttl", app.ErrInvalidConfig)
	}
	if *syncEvery < 0 || *reconcileEvery < 0 || *reclaimEvery < 0 {
		return fmt.Errorf("%w: intervals must be >= 0", app.ErrInvalidConfig)
	}
	if *reclaimEvery > 0 && strings.TrimSpace(*treasury) == "" {
		return fmt.Errorf("%w: --treasury is required when --reclaim-interval is set", app.ErrInvalidConfig)
	}
	reclaimOpts := reclaim.Options{StatusFilter: queue.SplitCommaList(*status)}
	var err error
	if reclaimOpts.MinBalance, err = parseAmount("--reclaim-min-balance", *minBalance); err != nil {
		return err
	}
	if reclaimOpts.MinTransfer, err = parseAmount("--reclaim-min-transfer", *minTransfer); err != nil {
		return err
	}

	driver := strings.ToLower(strings.TrimSpace(f.QueueDriver))
	consuming := *consume && driver != app.DriverNone && driver != ""

	log, err := app.NewLogger(stderr, f.LogLevel)
	if err != nil {
		return err
	}
	deps, err := app.Open(ctx, f, app.NeedKeys|app.NeedChain|app.NeedEvents|app.NeedReports, log, stdout)
	if err != nil {
		return err
	}
	defer deps.Close()

	w, err := newWorker(deps, workerConfig{
		Treasury:       strings.TrimSpace(*treasury),
		Width:          *width,
		LeaderTTL:      *leaderTTL,
		SyncEvery:      *syncEvery,
		ReconcileEvery: *reconcileEvery,
		ReclaimEvery:   *reclaimEvery,
		Reclaim:        reclaimOpts,
	})
	if err != nil {
		return err
	}

	var consumer queue.Consumer
	if consuming {
		consumer, err = queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:  driver,
			Brokers: queue.SplitCommaList(f.QueueBrokers),
			Group:   *group,
			Topics:  []string{*topic},
			Reader:  stdin,
		})
		if err != nil {
			return err
		}
		defer consumer.Close()
	}
	w.topic = *topic

	log.Info("custody worker started", "owner", deps.Owner, "consuming", consuming, "sync_every", *syncEvery, "reconcile_every", *reconcileEvery, "reclaim_every", *reclaimEvery)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(*tick)
		defer ticker.Stop()

		w.tick(gctx)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				w.tick(gctx)
			}
		}
	})
	if consumer != nil {
		g.Go(func() error { return w.consume(gctx, consumer) })
	}
	err = g.Wait()

	resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := w.leader.Resign(resignCtx); rerr != nil {
		log.Warn("leader resign failed", "err", rerr)
	}
	return err
}

func parseAmount(name, v string) (*big.Int, error) {
	amt, err := units.ParseAmount(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", app.ErrInvalidConfig, name, err)
	}
	return amt, nil
}

type workerConfig struct {
	Treasury  string
	Width     int
	LeaderTTL time.Duration

	SyncEvery      time.Duration
	ReconcileEvery time.Duration
	ReclaimEvery   time.Duration
	Reclaim        reclaim.Options

	// EventRetryInitial and EventRetryMax bound the backoff between
	// attempts at a contest event that failed transiently.
	EventRetryInitial time.Duration
	EventRetryMax     time.Duration

	Now func() time.Time
}

type job struct {
	name  string
	every time.Duration
	last  time.Time
	run   func(ctx context.Context, deadline time.Time) error
}

type worker struct {
	log      *slog.Logger
	leader   *locks.Leader
	mgr      *custody.Manager
	balances *balance.Service
	engine   *reclaim.Engine
	now      func() time.Time
	topic    string
	jobs     []*job
	isLeader bool

	retryInitial time.Duration
	retryMax     time.Duration
}

func newWorker(deps *app.Deps, cfg workerConfig) (*worker, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EventRetryInitial <= 0 {
		cfg.EventRetryInitial = 500 * time.Millisecond
	}
	if cfg.EventRetryMax <= 0 {
		cfg.EventRetryMax = 30 * time.Second
	}
	leader, err := locks.NewLeader(deps.Locks, leaderLease, deps.Owner, cfg.LeaderTTL)
	if err != nil {
		return nil, err
	}
	guard, err := deps.Guard()
	if err != nil {
		return nil, err
	}
	mgr, err := custody.NewManager(deps.Store, deps.Keys, chain.EVMKeyGenerator{})
	if err != nil {
		return nil, err
	}
	balances, err := balance.NewService(deps.Store, deps.Chain, guard, balance.Config{Width: cfg.Width, Now: cfg.Now})
	if err != nil {
		return nil, err
	}
	exec, err := transfer.NewExecutor(deps.Chain, deps.Keys)
	if err != nil {
		return nil, err
	}
	engine, err := reclaim.NewEngine(deps.Store, exec.WithLogger(deps.Log), deps.Chain, guard, reclaim.Config{
		Treasury: cfg.Treasury,
		Width:    cfg.Width,
		Now:      cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}

	w := &worker{
		log:      deps.Log,
		leader:   leader,
		mgr:      mgr.WithLogger(deps.Log),
		balances: balances.WithLogger(deps.Log),
		engine:   engine.WithLogger(deps.Log).WithEvents(deps.Events).WithReports(deps.Reports),
		now:      cfg.Now,
		topic:    events.TopicContests,

		retryInitial: cfg.EventRetryInitial,
		retryMax:     cfg.EventRetryMax,
	}
	// Order matters within a tick: fresh balances feed reconciliation and
	// reclamation.
	w.jobs = []*job{
		{name: "sync", every: cfg.SyncEvery, run: w.syncBalances},
		{name: "reconcile", every: cfg.ReconcileEvery, run: w.reconcile},
		{name: "reclaim", every: cfg.ReclaimEvery, run: func(ctx context.Context, deadline time.Time) error {
			return w.reclaimFunds(ctx, cfg.Reclaim, deadline)
		}},
	}
	return w, nil
}

// tick renews leadership and runs the jobs that are due. Job errors are
// logged; the next due tick retries.
func (w *worker) tick(ctx context.Context) {
	leader, err := w.leader.Tick(ctx)
	if err != nil {
		w.log.Error("leader tick failed", "err", err)
		leader = false
	}
	if leader != w.isLeader {
		w.log.Info("leadership changed", "leader", leader)
		w.isLeader = leader
	}
	if !leader {
		return
	}
	for _, j := range w.jobs {
		if j.every <= 0 || ctx.Err() != nil {
			continue
		}
		now := w.now()
		if !j.last.IsZero() && now.Sub(j.last) < j.every {
			continue
		}
		j.last = now
		if err := j.run(ctx, now.Add(j.every)); err != nil {
			w.log.Error("job failed", "job", j.name, "err", err)
		}
	}
}

func (w *worker) syncBalances(ctx context.Context, deadline time.Time) error {
	sum, err := w.balances.UpdateAllWalletBalances(ctx, balance.BatchOptions{Deadline: deadline})
	if err != nil {
		return err
	}
	w.log.Info("balance sync done", "total", sum.Total, "updated", sum.Updated, "failed", sum.Failed, "deferred", sum.Deferred)
	return nil
}

func (w *worker) reconcile(ctx context.Context, _ time.Time) error {
	sum, err := w.engine.ReconcilePendingTransfers(ctx)
	if err != nil {
		return err
	}
	if sum.Checked > 0 {
		w.log.Info("reconciliation done", "checked", sum.Checked, "confirmed", sum.Confirmed, "failed", sum.Failed, "pending", sum.StillPending)
	}
	return nil
}

func (w *worker) reclaimFunds(ctx context.Context, opts reclaim.Options, deadline time.Time) error {
	opts.Deadline = deadline
	_, err := w.engine.ReclaimUnusedFunds(ctx, opts)
	return err
}

// consume handles contest events until ctx ends or the consumer drains.
// Offsets commit in order, so a failed event is retried in place before the
// next one is read. Events that can never succeed are logged and acked.
func (w *worker) consume(ctx context.Context, c queue.Consumer) error {
	msgs, errs := c.Messages(), c.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Error("queue error", "err", err)
		case msg, ok := <-msgs:
			if !ok {
				w.log.Info("contest event stream ended")
				return nil
			}
			if err := w.deliver(ctx, msg); err != nil {
				// Shutting down; the offset stays uncommitted for redelivery.
				return nil
			}
			if err := msg.Ack(ctx); err != nil {
				w.log.Error("ack failed", "topic", msg.Topic, "err", err)
			}
		}
	}
}

// deliver handles msg, retrying transient failures until ctx ends. It
// returns an error only when ctx ended before msg was handled.
func (w *worker) deliver(ctx context.Context, msg queue.Message) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryInitial
	policy.MaxInterval = w.retryMax
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := w.handleContest(ctx, msg)
		if err != nil && !transientEvent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		w.log.Warn("contest event failed, retrying", "topic", msg.Topic, "key", string(msg.Key), "attempt", attempt, "next", next, "err", err)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		w.log.Error("dropping contest event", "topic", msg.Topic, "key", string(msg.Key), "err", err)
	}
	return nil
}

func transientEvent(err error) bool {
	return errors.Is(err, wallet.ErrStorage) ||
		errors.Is(err, wallet.ErrPreconditionFailed) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (w *worker) handleContest(ctx context.Context, msg queue.Message) error {
	if msg.Topic != "" && msg.Topic != w.topic {
		return nil
	}
	ev, err := events.DecodeContest(msg.Value)
	if err != nil {
		w.log.Warn("dropping contest event", "err", err)
		return nil
	}

	ended := ev.Status == custody.ContestCompleted || ev.Status == custody.ContestCancelled
	if !ended {
		admin := custody.AdminContext{Actor: ev.Actor, Reason: "contest event"}
		if _, err := w.mgr.CreateContestWallet(ctx, ev.ContestID, admin); err != nil {
			return err
		}
		if ev.Status == "" {
			return nil
		}
	}
	_, err = w.mgr.ResolveContest(ctx, ev.ContestID, ev.Status)
	if ended && errors.Is(err, wallet.ErrNotFound) {
		w.log.Warn("contest ended without a wallet", "contest_id", ev.ContestID, "status", ev.Status)
		return nil
	}
	return err
}
