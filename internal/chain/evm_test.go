package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeBackend struct {
	mu sync.Mutex

	balances map[common.Address]*big.Int
	nonce    uint64
	tip      *big.Int
	baseFee  *big.Int
	head     uint64

	balanceErrs []error
	sendErrs    []error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balances: make(map[common.Address]*big.Int),
		tip:      big.NewInt(2),
		baseFee:  big.NewInt(10),
		head:     100,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) BalanceAt(_ context.Context, a common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.balanceErrs) > 0 {
		err := b.balanceErrs[0]
		b.balanceErrs = b.balanceErrs[1:]
		return nil, err
	}
	if v, ok := b.balances[a]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.tip), nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee), Number: new(big.Int).SetUint64(b.head)}, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		return err
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func testClient(t *testing.T, b Backend, mut func(*Config)) *EVMClient {
	t.Helper()
	cfg := Config{
		ChainID:      big.NewInt(8453),
		MinTipCap:    big.NewInt(5),
		MaxRetries:   3,
		RetryInitial: time.Millisecond,
		RetryMax:     time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}
	c, err := NewEVMClient(b, cfg)
	if err != nil {
		t.Fatalf("NewEVMClient: %v", err)
	}
	return c
}

func testKey(t *testing.T) ([]byte, string) {
	t.Helper()
	addr, secret, err := EVMKeyGenerator{}.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return secret, addr
}

func TestGetBalance_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	b.balances[addr] = big.NewInt(42)
	b.balanceErrs = []error{errors.New("connection reset"), errors.New("503")}

	c := testClient(t, b, nil)
	got, err := c.GetBalance(context.Background(), strings.ToLower(addr.Hex()))
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got.Int64() != 42 {
		t.Fatalf("balance: got %s want 42", got)
	}
}

func TestGetBalance_ExhaustedRetriesAreRPCErrors(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.balanceErrs = []error{errors.New("down"), errors.New("down"), errors.New("down")}
	c := testClient(t, b, func(cfg *Config) { cfg.MaxRetries = 2 })

	_, err := c.GetBalance(context.Background(), "0x00000000000000000000000000000000000000aa")
	if !errors.Is(err, ErrRPC) || !Retryable(err) {
		t.Fatalf("expected retryable ErrRPC, got %v", err)
	}
	if _, err := c.GetBalance(context.Background(), "nope"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBuildTransfer_PricesEIP1559(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.nonce = 7
	c := testClient(t, b, nil)

	tx, err := c.BuildTransfer(context.Background(),
		"0x00000000000000000000000000000000000000aa",
		"0x00000000000000000000000000000000000000bb",
		big.NewInt(1000))
	if err != nil {
		t.Fatalf("BuildTransfer: %v", err)
	}
	// tip = max(2, 5) = 5; feeCap = 2*10 + 5.
	if tx.Nonce != 7 || tx.Gas != TransferGas || tx.GasTipCap.Int64() != 5 || tx.GasFeeCap.Int64() != 25 {
		t.Fatalf("unexpected pricing: nonce=%d gas=%d tip=%s fee=%s", tx.Nonce, tx.Gas, tx.GasTipCap, tx.GasFeeCap)
	}
	if tx.MaxFee().Int64() != int64(TransferGas)*25 {
		t.Fatalf("max fee: %s", tx.MaxFee())
	}
	if _, err := c.BuildTransfer(context.Background(), "0x00000000000000000000000000000000000000aa", "0x00000000000000000000000000000000000000bb", big.NewInt(0)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero amount, got %v", err)
	}
}

func TestSignAndSend_SignsForSource(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	c := testClient(t, b, nil)
	secret, from := testKey(t)

	tx, err := c.BuildTransfer(context.Background(), from, "0x00000000000000000000000000000000000000bb", big.NewInt(1000))
	if err != nil {
		t.Fatalf("BuildTransfer: %v", err)
	}
	hash, err := c.SignAndSend(context.Background(), tx, secret)
	if err != nil {
		t.Fatalf("SignAndSend: %v", err)
	}
	if len(b.sent) != 1 || b.sent[0].Hash().Hex() != hash {
		t.Fatalf("unexpected sent txs: %d", len(b.sent))
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), b.sent[0])
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if !strings.EqualFold(sender.Hex(), from) {
		t.Fatalf("sender: got %s want %s", sender.Hex(), from)
	}
	if b.sent[0].Value().Int64() != 1000 {
		t.Fatalf("value: %s", b.sent[0].Value())
	}
}

func TestSignAndSend_RejectsForeignKey(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	c := testClient(t, b, nil)
	secret, _ := testKey(t)
	_, other := testKey(t)

	tx, err := c.BuildTransfer(context.Background(), other, "0x00000000000000000000000000000000000000bb", big.NewInt(1))
	if err != nil {
		t.Fatalf("BuildTransfer: %v", err)
	}
	_, err = c.SignAndSend(context.Background(), tx, secret)
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if strings.Contains(err.Error(), common.Bytes2Hex(secret)) {
		t.Fatalf("error leaks key material")
	}
	if len(b.sent) != 0 {
		t.Fatalf("foreign-key transfer must not be sent")
	}
	if _, err := c.SignAndSend(context.Background(), tx, []byte{1, 2}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for short secret, got %v", err)
	}
}

func TestSignAndSend_AlreadyKnownIsSuccessAndRejectionsAreFinal(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.sendErrs = []error{errors.New("timeout"), errors.New("already known")}
	c := testClient(t, b, nil)
	secret, from := testKey(t)

	tx, err := c.BuildTransfer(context.Background(), from, "0x00000000000000000000000000000000000000bb", big.NewInt(1))
	if err != nil {
		t.Fatalf("BuildTransfer: %v", err)
	}
	if _, err := c.SignAndSend(context.Background(), tx, secret); err != nil {
		t.Fatalf("SignAndSend: %v", err)
	}

	b.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}
	before := len(b.sent)
	_, err = c.SignAndSend(context.Background(), tx, secret)
	if !errors.Is(err, ErrRejected) || Retryable(err) {
		t.Fatalf("expected non-retryable ErrRejected, got %v", err)
	}
	if len(b.sent) != before+1 {
		t.Fatalf("rejection must not be retried: sends=%d", len(b.sent)-before)
	}
}

func TestSignAndSend_UnansweredSendKeepsHash(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	timeout := errors.New("read tcp 10.0.0.1:443: i/o timeout")
	b.sendErrs = []error{timeout, timeout, timeout, timeout}
	c := testClient(t, b, nil)
	secret, from := testKey(t)

	tx, err := c.BuildTransfer(context.Background(), from, "0x00000000000000000000000000000000000000bb", big.NewInt(1))
	if err != nil {
		t.Fatalf("BuildTransfer: %v", err)
	}
	hash, err := c.SignAndSend(context.Background(), tx, secret)
	if !errors.Is(err, ErrRPC) || !Retryable(err) {
		t.Fatalf("expected retryable ErrRPC, got %v", err)
	}
	if len(b.sent) != 4 {
		t.Fatalf("sends=%d, want 4", len(b.sent))
	}
	if hash != b.sent[0].Hash().Hex() {
		t.Fatalf("hash=%q, want %q", hash, b.sent[0].Hash().Hex())
	}
}

func TestConfirm(t *testing.T) {
	t.Parallel()

	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	b := newFakeBackend()
	b.receipts[ok] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
	b.receipts[reverted] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100)}

	var sleeps int
	c := testClient(t, b, func(cfg *Config) {
		cfg.Sleep = func(ctx context.Context, _ time.Duration) error {
			sleeps++
			if sleeps > 3 {
				return context.DeadlineExceeded
			}
			return nil
		}
	})
	ctx := context.Background()

	if err := c.Confirm(ctx, ok.Hex()); err != nil {
		t.Fatalf("Confirm ok: %v", err)
	}
	if err := c.Confirm(ctx, reverted.Hex()); !errors.Is(err, ErrReverted) || Retryable(err) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	err := c.Confirm(ctx, common.HexToHash("0x03").Hex())
	if !errors.Is(err, ErrConfirmTimeout) || !Retryable(err) {
		t.Fatalf("expected retryable ErrConfirmTimeout, got %v", err)
	}
	if err := c.Confirm(ctx, "0xabc"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConfirm_WaitsForDepth(t *testing.T) {
	t.Parallel()

	h := common.HexToHash("0x0a")
	b := newFakeBackend()
	b.head = 100
	b.receipts[h] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}

	c := testClient(t, b, func(cfg *Config) {
		cfg.Confirmations = 3
		cfg.Sleep = func(context.Context, time.Duration) error {
			b.mu.Lock()
			b.head++
			b.mu.Unlock()
			return nil
		}
	})
	if err := c.Confirm(context.Background(), h.Hex()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if b.head != 102 {
		t.Fatalf("expected confirmation at depth 3 (head 102), got head %d", b.head)
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()

	secret, addr := testKey(t)
	if len(secret) != SecretSize || !strings.HasPrefix(addr, "0x") || addr != strings.ToLower(addr) {
		t.Fatalf("unexpected keypair: len=%d addr=%s", len(secret), addr)
	}
	got, err := AddressFromSecret(secret)
	if err != nil || got != addr {
		t.Fatalf("AddressFromSecret: got %s err=%v want %s", got, err, addr)
	}

	parsed, err := ParseSecretHex("0x" + common.Bytes2Hex(secret))
	if err != nil || !bytes.Equal(parsed, secret) {
		t.Fatalf("ParseSecretHex: err=%v", err)
	}
	if _, err := ParseSecretHex("zz"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}

	key, err := crypto.ToECDSA(secret)
	if err != nil {
		t.Fatalf("ToECDSA: %v", err)
	}
	zeroKey(key)
	if key.D.Sign() != 0 {
		t.Fatalf("zeroKey left scalar")
	}
}
