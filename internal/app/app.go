// Package app wires the custody binaries: shared flags, storage and lock
// drivers, the master keyring, the chain client, and the event and report
// sinks.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/contestfi/custody/internal/blobstore"
	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/events"
	"github.com/contestfi/custody/internal/keyring"
	"github.com/contestfi/custody/internal/locks"
	lockspg "github.com/contestfi/custody/internal/locks/postgres"
	"github.com/contestfi/custody/internal/queue"
	"github.com/contestfi/custody/internal/secrets"
	"github.com/contestfi/custody/internal/wallet"
	walletpg "github.com/contestfi/custody/internal/wallet/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	// DriverNone disables an optional sink.
	DriverNone = "none"
)

var ErrInvalidConfig = errors.New("app: invalid config")

// Need selects the optional dependencies a binary opens.
type Need uint8

const (
	NeedKeys Need = 1 << iota
	NeedChain
	NeedEvents
	NeedReports
)

// Flags holds the settings shared by every custody binary.
type Flags struct {
	LogLevel string
	Owner    string

	StoreDriver string
	PostgresDSN string
	LockTTL     time.Duration

	KeyActive  uint
	KeySources string

	RPCURL         string
	ChainID        int64
	MinTipWei      string
	CallTimeout    time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Confirmations  uint64
	RPCRetries     int

	QueueDriver  string
	QueueBrokers string

	BlobDriver string
	BlobBucket string
	BlobPrefix string
}

func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.LogLevel, "log-level", "info", "log level: debug|info|warn|error")
	fs.StringVar(&f.Owner, "owner-id", defaultOwner(), "instance id used as lock owner")

	fs.StringVar(&f.StoreDriver, "store-driver", DriverPostgres, "wallet and lock store: postgres|memory")
	fs.StringVar(&f.PostgresDSN, "postgres-dsn", os.Getenv("CUSTODY_POSTGRES_DSN"), "Postgres DSN (required for postgres)")
	fs.DurationVar(&f.LockTTL, "lock-ttl", locks.DefaultGuardTTL, "wallet lock TTL")

	fs.UintVar(&f.KeyActive, "master-key-active", 1, "active master key version")
	fs.StringVar(&f.KeySources, "master-key-sources", "1=env:CUSTODY_MASTER_KEY", "master key refs as version=scheme:key, comma separated (schemes: env, aws, file)")

	fs.StringVar(&f.RPCURL, "rpc-url", os.Getenv("CUSTODY_RPC_URL"), "EVM JSON-RPC endpoint")
	fs.Int64Var(&f.ChainID, "chain-id", 0, "expected chain id; 0 reads it from the node")
	fs.StringVar(&f.MinTipWei, "min-tip-wei", "0", "floor for the priority fee, in wei")
	fs.DurationVar(&f.CallTimeout, "rpc-timeout", 10*time.Second, "per-call RPC timeout")
	fs.DurationVar(&f.ConfirmTimeout, "confirm-timeout", 2*time.Minute, "how long to wait for a transfer to confirm")
	fs.DurationVar(&f.PollInterval, "confirm-poll", 2*time.Second, "receipt poll interval")
	fs.Uint64Var(&f.Confirmations, "confirmations", 1, "block depth a transfer must reach")
	fs.IntVar(&f.RPCRetries, "rpc-retries", 3, "retries for transient RPC failures")

	fs.StringVar(&f.QueueDriver, "queue-driver", DriverNone, "event queue: kafka|stdio|none")
	fs.StringVar(&f.QueueBrokers, "queue-brokers", "", "comma-separated kafka brokers")

	fs.StringVar(&f.BlobDriver, "blob-driver", DriverNone, "report archive: s3|memory|none")
	fs.StringVar(&f.BlobBucket, "blob-bucket", "", "S3 bucket for reports")
	fs.StringVar(&f.BlobPrefix, "blob-prefix", "custody", "key prefix for reports")
	return f
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "custody"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// NewLogger returns a text logger, the format every custody binary uses.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

// Deps are the opened dependencies. Fields not requested through Need stay nil.
type Deps struct {
	Log     *slog.Logger
	Owner   string
	Store   wallet.Store
	Locks   locks.Store
	LockTTL time.Duration
	Keys    *keyring.Keyring
	Chain   chain.Client

	Producer queue.Producer
	Events   *events.Publisher
	Reports  blobstore.Store

	closers []func()
}

// Open builds Deps. The caller must Close them.
func Open(ctx context.Context, f *Flags, need Need, log *slog.Logger, stdout io.Writer) (*Deps, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if strings.TrimSpace(f.Owner) == "" {
		return nil, fmt.Errorf("%w: --owner-id is required", ErrInvalidConfig)
	}
	d := &Deps{Log: log, Owner: f.Owner, LockTTL: f.LockTTL}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	if err := d.openStore(ctx, f); err != nil {
		return nil, err
	}
	if need&NeedKeys != 0 {
		keys, err := LoadKeyring(ctx, f)
		if err != nil {
			return nil, err
		}
		d.Keys = keys
		log.Info("master keyring loaded", "keyring", keys)
	}
	if need&NeedChain != 0 {
		c, err := DialChain(ctx, f)
		if err != nil {
			return nil, err
		}
		d.Chain = c.WithLogger(log)
	}
	if need&NeedEvents != 0 {
		if err := d.openEvents(f, stdout); err != nil {
			return nil, err
		}
	}
	if need&NeedReports != 0 {
		if err := d.openReports(ctx, f); err != nil {
			return nil, err
		}
	}
	ok = true
	return d, nil
}

func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Guard returns a wallet lock guard owned by this instance.
func (d *Deps) Guard() (*locks.Guard, error) {
	g, err := locks.NewGuard(d.Locks, d.Owner, d.LockTTL)
	if err != nil {
		return nil, err
	}
	return g.WithLogger(d.Log), nil
}

func (d *Deps) openStore(ctx context.Context, f *Flags) error {
	switch strings.ToLower(strings.TrimSpace(f.StoreDriver)) {
	case DriverPostgres:
		if strings.TrimSpace(f.PostgresDSN) == "" {
			return fmt.Errorf("%w: --postgres-dsn is required when --store-driver=postgres", ErrInvalidConfig)
		}
		pool, err := pgxpool.New(ctx, f.PostgresDSN)
		if err != nil {
			return fmt.Errorf("%w: postgres: %w", wallet.ErrStorage, err)
		}
		d.closers = append(d.closers, pool.Close)

		ws, err := walletpg.New(pool)
		if err != nil {
			return err
		}
		if err := ws.EnsureSchema(ctx); err != nil {
			return err
		}
		ls, err := lockspg.New(pool)
		if err != nil {
			return err
		}
		if err := ls.EnsureSchema(ctx); err != nil {
			return err
		}
		d.Store, d.Locks = ws, ls
	case DriverMemory:
		d.Store = wallet.NewMemoryStore(time.Now)
		d.Locks = locks.NewMemoryStore(time.Now)
	default:
		return fmt.Errorf("%w: unsupported --store-driver %q", ErrInvalidConfig, f.StoreDriver)
	}
	return nil
}

// LoadKeyring reads every configured master key once.
func LoadKeyring(ctx context.Context, f *Flags) (*keyring.Keyring, error) {
	refs, err := keyring.ParseSourceList(f.KeySources)
	if err != nil {
		return nil, err
	}
	providers := map[string]secrets.Provider{
		secrets.SchemeEnv:  secrets.NewEnv(),
		secrets.SchemeFile: secrets.NewFile(),
	}
	for _, ref := range refs {
		if scheme, _, err := secrets.ParseRef(ref); err == nil && scheme == secrets.SchemeAWS {
			aws, err := secrets.NewAWS(ctx)
			if err != nil {
				return nil, err
			}
			providers[secrets.SchemeAWS] = aws
			break
		}
	}
	resolver, err := secrets.NewResolver(providers)
	if err != nil {
		return nil, err
	}
	if f.KeyActive == 0 || uint64(f.KeyActive) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: --master-key-active out of range", keyring.ErrInvalidConfig)
	}
	return keyring.Load(ctx, resolver, keyring.Sources{Active: uint32(f.KeyActive), Refs: refs})
}

// DialChain connects the EVM client described by f.
func DialChain(ctx context.Context, f *Flags) (*chain.EVMClient, error) {
	minTip, ok := new(big.Int).SetString(strings.TrimSpace(f.MinTipWei), 10)
	if !ok || minTip.Sign() < 0 {
		return nil, fmt.Errorf("%w: --min-tip-wei must be a non-negative integer", ErrInvalidConfig)
	}
	cfg := chain.Config{
		MinTipCap:      minTip,
		CallTimeout:    f.CallTimeout,
		ConfirmTimeout: f.ConfirmTimeout,
		PollInterval:   f.PollInterval,
		Confirmations:  f.Confirmations,
		MaxRetries:     f.RPCRetries,
	}
	if f.ChainID > 0 {
		cfg.ChainID = big.NewInt(f.ChainID)
	}
	return chain.Dial(ctx, f.RPCURL, cfg)
}

func (d *Deps) openEvents(f *Flags, stdout io.Writer) error {
	driver := strings.ToLower(strings.TrimSpace(f.QueueDriver))
	if driver == DriverNone || driver == "" {
		return nil
	}
	p, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  driver,
		Brokers: queue.SplitCommaList(f.QueueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	d.closers = append(d.closers, func() { _ = p.Close() })
	d.Producer = p
	d.Events = events.NewPublisher(p).WithLogger(d.Log)
	return nil
}

func (d *Deps) openReports(ctx context.Context, f *Flags) error {
	driver := strings.ToLower(strings.TrimSpace(f.BlobDriver))
	cfg := blobstore.Config{Driver: driver, Bucket: strings.TrimSpace(f.BlobBucket), Prefix: f.BlobPrefix}
	switch driver {
	case DriverNone, "":
		return nil
	case blobstore.DriverS3:
		client, err := blobstore.NewS3Client(ctx)
		if err != nil {
			return err
		}
		cfg.S3Client = client
	}
	s, err := blobstore.New(cfg)
	if err != nil {
		return err
	}
	d.Reports = s
	return nil
}

// ExitCode maps startup errors to process exit codes: configuration
// problems exit 2, everything else 1.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, keyring.ErrInvalidConfig),
		errors.Is(err, secrets.ErrInvalidConfig),
		errors.Is(err, secrets.ErrNotFound),
		errors.Is(err, chain.ErrInvalidConfig),
		errors.Is(err, queue.ErrInvalidConfig),
		errors.Is(err, blobstore.ErrInvalidConfig):
		return 2
	default:
		return 1
	}
}
