package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of ethclient.Client used here.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	ChainID   *big.Int
	MinTipCap *big.Int

	// CallTimeout bounds each individual RPC attempt.
	CallTimeout time.Duration
	// ConfirmTimeout bounds the whole Confirm poll.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// Confirmations is the block depth a receipt must reach; 1 means mined.
	Confirmations uint64

	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

func (c *Config) setDefaults() {
	if c.MinTipCap == nil {
		c.MinTipCap = big.NewInt(0)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
}

type EVMClient struct {
	backend Backend
	cfg     Config
	log     *slog.Logger
}

var _ Client = (*EVMClient)(nil)

func NewEVMClient(backend Backend, cfg Config) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.MinTipCap != nil && cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative min tip cap", ErrInvalidConfig)
	}
	cfg.setDefaults()
	return &EVMClient{
		backend: backend,
		cfg:     cfg,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// Dial connects to an RPC endpoint. A nil cfg.ChainID is read from the node.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*EVMClient, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, fmt.Errorf("%w: missing rpc url", ErrInvalidConfig)
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrRPC, err)
	}
	if cfg.ChainID == nil {
		id, err := ec.ChainID(ctx)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("%w: chain id: %w", ErrRPC, err)
		}
		cfg.ChainID = id
	}
	c, err := NewEVMClient(ec, cfg)
	if err != nil {
		ec.Close()
		return nil, err
	}
	return c, nil
}

func (c *EVMClient) WithLogger(log *slog.Logger) *EVMClient {
	if c != nil && log != nil {
		c.log = log
	}
	return c
}

func (c *EVMClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	var bal *big.Int
	err = c.call(ctx, "balance", func(ctx context.Context) error {
		var err error
		bal, err = c.backend.BalanceAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if bal == nil || bal.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid balance for %s", ErrRPC, addr.Hex())
	}
	return bal, nil
}

func (c *EVMClient) BuildTransfer(ctx context.Context, from, to string, amount *big.Int) (*UnsignedTransfer, error) {
	src, err := parseAddress(from)
	if err != nil {
		return nil, err
	}
	dst, err := parseAddress(to)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}

	var (
		nonce  uint64
		tip    *big.Int
		header *types.Header
	)
	if err := c.call(ctx, "nonce", func(ctx context.Context) error {
		var err error
		nonce, err = c.backend.PendingNonceAt(ctx, src)
		return err
	}); err != nil {
		return nil, err
	}
	if err := c.call(ctx, "tip", func(ctx context.Context) error {
		var err error
		tip, err = c.backend.SuggestGasTipCap(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := c.call(ctx, "header", func(ctx context.Context) error {
		var err error
		header, err = c.backend.HeaderByNumber(ctx, nil)
		return err
	}); err != nil {
		return nil, err
	}
	if header == nil || header.BaseFee == nil {
		return nil, fmt.Errorf("%w: latest header has no base fee", ErrRPC)
	}
	tipCap, feeCap, err := feeCaps(header.BaseFee, tip, c.cfg.MinTipCap)
	if err != nil {
		return nil, err
	}
	return &UnsignedTransfer{
		ChainID:   new(big.Int).Set(c.cfg.ChainID),
		From:      src,
		To:        dst,
		Value:     new(big.Int).Set(amount),
		Nonce:     nonce,
		Gas:       TransferGas,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
	}, nil
}

func (c *EVMClient) SignAndSend(ctx context.Context, tx *UnsignedTransfer, secret []byte) (string, error) {
	if tx == nil || tx.Value == nil || tx.GasTipCap == nil || tx.GasFeeCap == nil || tx.ChainID == nil {
		return "", fmt.Errorf("%w: incomplete transfer", ErrInvalidInput)
	}
	key, err := toKey(secret)
	if err != nil {
		return "", err
	}
	signerAddr := crypto.PubkeyToAddress(key.PublicKey)
	signed, err := types.SignNewTx(key, types.LatestSignerForChainID(tx.ChainID), &types.DynamicFeeTx{
		ChainID:   tx.ChainID,
		Nonce:     tx.Nonce,
		GasTipCap: tx.GasTipCap,
		GasFeeCap: tx.GasFeeCap,
		Gas:       tx.Gas,
		To:        &tx.To,
		Value:     tx.Value,
	})
	zeroKey(key)
	if err != nil {
		return "", fmt.Errorf("chain: sign: %w", err)
	}
	if signerAddr != tx.From {
		return "", fmt.Errorf("%w: key does not control %s", ErrInvalidKey, tx.From.Hex())
	}

	hash := signed.Hash().Hex()
	err = c.call(ctx, "send", func(ctx context.Context) error {
		err := c.backend.SendTransaction(ctx, signed)
		// A retried send the node already accepted.
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil
		}
		return err
	})
	if errors.Is(err, ErrRejected) {
		return "", err
	}
	if err != nil {
		// The node may have accepted a send whose reply was lost.
		return hash, err
	}
	c.log.Info("transfer submitted", "tx", hash, "from", tx.From.Hex(), "to", tx.To.Hex(), "value_wei", tx.Value.String(), "nonce", tx.Nonce)
	return hash, nil
}

var txHashRE = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func (c *EVMClient) Confirm(ctx context.Context, signature string) error {
	if !txHashRE.MatchString(signature) {
		return fmt.Errorf("%w: malformed tx hash", ErrInvalidInput)
	}
	h := common.HexToHash(signature)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	for {
		done, err := c.pollReceipt(ctx, h)
		if done || err != nil {
			return err
		}
		if err := c.cfg.Sleep(ctx, c.cfg.PollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrConfirmTimeout, signature)
			}
			return err
		}
	}
}

func (c *EVMClient) pollReceipt(ctx context.Context, h common.Hash) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	receipt, err := c.backend.TransactionReceipt(cctx, h)
	cancel()
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			c.log.Debug("receipt poll failed", "tx", h.Hex(), "err", err)
		}
		return false, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return true, fmt.Errorf("%w: %s", ErrReverted, h.Hex())
	}
	if c.cfg.Confirmations <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}

	cctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
	head, err := c.backend.HeaderByNumber(cctx, nil)
	cancel()
	if err != nil || head == nil || head.Number == nil {
		return false, nil
	}
	depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(c.cfg.Confirmations)) >= 0, nil
}

// call runs fn with a per-attempt timeout, retrying transient failures with
// exponential backoff. Node rejections come back wrapped in ErrRejected and
// every other failure in ErrRPC.
func (c *EVMClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInitial
	policy.MaxInterval = c.cfg.RetryMax
	policy.MaxElapsedTime = 0

	attempt := 0
	rejected := false
	err := backoff.RetryNotify(func() error {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		err := fn(cctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if !transient(err) {
			rejected = true
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx), func(err error, next time.Duration) {
		c.log.Warn("chain rpc retry", "op", op, "attempt", attempt, "next", next, "err", err)
	})
	if rejected {
		return fmt.Errorf("%w: %s: %w", ErrRejected, op, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRPC, op, err)
	}
	return nil
}

// transient excludes node rejections that will fail the same way on retry.
func transient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, permanent := range []string{
		"insufficient funds",
		"nonce too low",
		"intrinsic gas too low",
		"invalid sender",
		"exceeds block gas limit",
	} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
