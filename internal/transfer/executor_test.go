package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/keyring"
	"github.com/contestfi/custody/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
)

const treasury = "0x00000000000000000000000000000000000000aa"

type fakeChain struct {
	buildErr   error
	sendErr    error
	confirmErr error

	seenSecret []byte
	sent       *chain.UnsignedTransfer
	confirmed  []string
}

func (c *fakeChain) GetBalance(context.Context, string) (*big.Int, error) { return big.NewInt(0), nil }

func (c *fakeChain) BuildTransfer(_ context.Context, from, to string, amount *big.Int) (*chain.UnsignedTransfer, error) {
	if c.buildErr != nil {
		return nil, c.buildErr
	}
	return &chain.UnsignedTransfer{
		ChainID:   big.NewInt(1),
		From:      common.HexToAddress(from),
		To:        common.HexToAddress(to),
		Value:     new(big.Int).Set(amount),
		Gas:       chain.TransferGas,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
	}, nil
}

func (c *fakeChain) SignAndSend(_ context.Context, tx *chain.UnsignedTransfer, secret []byte) (string, error) {
	// Keep the caller's buffer, not a copy, so tests can see it wiped.
	c.seenSecret = secret
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = tx
	return "0xsig", nil
}

func (c *fakeChain) Confirm(_ context.Context, sig string) error {
	c.confirmed = append(c.confirmed, sig)
	return c.confirmErr
}

func testWallet(t *testing.T, keys *keyring.Keyring) (wallet.Wallet, []byte) {
	t.Helper()
	addr, secret, err := chain.EVMKeyGenerator{}.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	env, err := keys.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return wallet.Wallet{ID: "w1", ContestID: "c1", Address: addr, Secret: env, Status: wallet.StatusCompleted}, secret
}

func testExecutor(t *testing.T, c chain.Client) (*Executor, *keyring.Keyring) {
	t.Helper()
	keys, err := keyring.New(keyring.Config{Active: 1, Keys: map[uint32][]byte{1: bytes.Repeat([]byte{7}, keyring.MasterKeySize)}})
	if err != nil {
		t.Fatalf("keyring.New: %v", err)
	}
	e, err := NewExecutor(c, keys)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e, keys
}

func TestPerformBlockchainTransfer_Success(t *testing.T) {
	t.Parallel()

	c := &fakeChain{}
	e, keys := testExecutor(t, c)
	w, secret := testWallet(t, keys)

	res, err := e.PerformBlockchainTransfer(context.Background(), w, treasury, big.NewInt(2400))
	if err != nil {
		t.Fatalf("PerformBlockchainTransfer: %v", err)
	}
	if res.Signature != "0xsig" || res.Amount.Int64() != 2400 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if c.sent == nil || c.sent.Value.Int64() != 2400 || !strings.EqualFold(c.sent.To.Hex(), treasury) {
		t.Fatalf("unexpected tx: %+v", c.sent)
	}
	if len(c.confirmed) != 1 || c.confirmed[0] != "0xsig" {
		t.Fatalf("confirm calls: %v", c.confirmed)
	}
	if len(c.seenSecret) != len(secret) {
		t.Fatalf("signer saw %d key bytes, want %d", len(c.seenSecret), len(secret))
	}
	if !bytes.Equal(c.seenSecret, make([]byte, len(secret))) {
		t.Fatalf("decrypted key was not wiped")
	}
}

func TestPerformBlockchainTransfer_WipesKeyOnSendFailure(t *testing.T) {
	t.Parallel()

	c := &fakeChain{sendErr: fmt.Errorf("%w: insufficient funds", chain.ErrRejected)}
	e, keys := testExecutor(t, c)
	w, secret := testWallet(t, keys)

	_, err := e.PerformBlockchainTransfer(context.Background(), w, treasury, big.NewInt(1))
	var tf *TransferFailedError
	if !errors.As(err, &tf) {
		t.Fatalf("expected TransferFailedError, got %v", err)
	}
	if tf.Retryable || tf.Submitted() {
		t.Fatalf("rejection must be final and unsubmitted: %+v", tf)
	}
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, chain.ErrRejected) {
		t.Fatalf("error chain: %v", err)
	}
	if !bytes.Equal(c.seenSecret, make([]byte, len(secret))) {
		t.Fatalf("decrypted key was not wiped")
	}
}

func TestPerformBlockchainTransfer_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		chain     *fakeChain
		retryable bool
		signature string
		is        error
	}{
		{
			name:      "build rpc failure",
			chain:     &fakeChain{buildErr: fmt.Errorf("%w: nonce", chain.ErrRPC)},
			retryable: true,
			is:        chain.ErrRPC,
		},
		{
			name:      "confirm timeout keeps signature",
			chain:     &fakeChain{confirmErr: chain.ErrConfirmTimeout},
			retryable: true,
			signature: "0xsig",
			is:        chain.ErrConfirmTimeout,
		},
		{
			name:      "reverted",
			chain:     &fakeChain{confirmErr: chain.ErrReverted},
			signature: "0xsig",
			is:        chain.ErrReverted,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e, keys := testExecutor(t, tc.chain)
			w, _ := testWallet(t, keys)
			_, err := e.PerformBlockchainTransfer(context.Background(), w, treasury, big.NewInt(5))
			var tf *TransferFailedError
			if !errors.As(err, &tf) {
				t.Fatalf("expected TransferFailedError, got %v", err)
			}
			if tf.Retryable != tc.retryable || tf.Signature != tc.signature || tf.Amount.Int64() != 5 {
				t.Fatalf("unexpected failure: %+v", tf)
			}
			if !errors.Is(err, tc.is) {
				t.Fatalf("expected %v in chain, got %v", tc.is, err)
			}
		})
	}
}

func TestPerformBlockchainTransfer_DecryptFailure(t *testing.T) {
	t.Parallel()

	c := &fakeChain{}
	e, keys := testExecutor(t, c)
	w, _ := testWallet(t, keys)
	w.Secret.Ciphertext[0] ^= 0xff

	_, err := e.PerformBlockchainTransfer(context.Background(), w, treasury, big.NewInt(1))
	if !errors.Is(err, keyring.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	var tf *TransferFailedError
	if errors.As(err, &tf) {
		t.Fatalf("decrypt failure must not be a transfer failure")
	}
	if c.seenSecret != nil {
		t.Fatalf("chain reached after decrypt failure")
	}
}

func TestTransfer_OnSubmittedRunsBeforeConfirm(t *testing.T) {
	t.Parallel()

	c := &fakeChain{confirmErr: chain.ErrConfirmTimeout}
	e, keys := testExecutor(t, c)
	w, _ := testWallet(t, keys)

	var got string
	_, err := e.Transfer(context.Background(), Request{
		Source:      w,
		Destination: treasury,
		Amount:      big.NewInt(9),
		OnSubmitted: func(_ context.Context, sig string) error {
			got = sig
			return errors.New("store down")
		},
	})
	if !errors.Is(err, chain.ErrConfirmTimeout) {
		t.Fatalf("expected ErrConfirmTimeout, got %v", err)
	}
	if got != "0xsig" {
		t.Fatalf("OnSubmitted saw %q", got)
	}
}

func TestPerformBlockchainTransfer_InvalidInput(t *testing.T) {
	t.Parallel()

	e, keys := testExecutor(t, &fakeChain{})
	w, _ := testWallet(t, keys)

	tests := []struct {
		name   string
		mut    func(*wallet.Wallet)
		dest   string
		amount *big.Int
	}{
		{name: "zero amount", dest: treasury, amount: big.NewInt(0)},
		{name: "negative amount", dest: treasury, amount: big.NewInt(-1)},
		{name: "nil amount", dest: treasury},
		{name: "bad destination", dest: "0x1234", amount: big.NewInt(1)},
		{name: "no secret", mut: func(w *wallet.Wallet) { w.Secret = keyring.Envelope{} }, dest: treasury, amount: big.NewInt(1)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := w.Clone()
			if tc.mut != nil {
				tc.mut(&src)
			}
			if _, err := e.PerformBlockchainTransfer(context.Background(), src, tc.dest, tc.amount); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
