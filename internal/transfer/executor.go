// Package transfer moves native value out of a custodial wallet.
//
// The executor is the only place a wallet's private key is decrypted. The
// plaintext lives in one buffer that is wiped right after signing and again
// on every return path.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/keyring"
	"github.com/contestfi/custody/internal/wallet"
)

var (
	ErrInvalidConfig  = errors.New("transfer: invalid config")
	ErrInvalidInput   = errors.New("transfer: invalid input")
	ErrTransferFailed = errors.New("transfer: failed")
)

// TransferFailedError reports a transfer that did not reach confirmation.
// Signature is set when the transaction was submitted, in which case the
// outcome may still settle on chain.
type TransferFailedError struct {
	Amount    *big.Int
	Signature string
	Retryable bool
	Err       error
}

func (e *TransferFailedError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(ErrTransferFailed.Error())
	if e.Signature != "" {
		b.WriteString(" (tx ")
		b.WriteString(e.Signature)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransferFailedError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Err == nil {
		return []error{ErrTransferFailed}
	}
	return []error{ErrTransferFailed, e.Err}
}

// Submitted reports whether the failed transfer reached the network.
func (e *TransferFailedError) Submitted() bool {
	return e != nil && e.Signature != ""
}

type Result struct {
	Signature string
	Amount    *big.Int
}

type Request struct {
	Source      wallet.Wallet
	Destination string
	Amount      *big.Int

	// OnSubmitted, when set, runs once the network accepted the transaction
	// and before confirmation is awaited. An error is logged and does not
	// abort the transfer.
	OnSubmitted func(ctx context.Context, signature string) error
}

type Executor struct {
	chain chain.Client
	keys  *keyring.Keyring
	log   *slog.Logger
}

func NewExecutor(client chain.Client, keys *keyring.Keyring) (*Executor, error) {
	if client == nil || keys == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	return &Executor{
		chain: client,
		keys:  keys,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (e *Executor) WithLogger(log *slog.Logger) *Executor {
	if e != nil && log != nil {
		e.log = log
	}
	return e
}

// PerformBlockchainTransfer sends amount wei from source to destination and
// waits for confirmation. It never mutates wallet state.
func (e *Executor) PerformBlockchainTransfer(ctx context.Context, source wallet.Wallet, destination string, amount *big.Int) (Result, error) {
	return e.Transfer(ctx, Request{Source: source, Destination: destination, Amount: amount})
}

func (e *Executor) Transfer(ctx context.Context, req Request) (Result, error) {
	if err := checkRequest(req); err != nil {
		return Result{}, err
	}
	src := req.Source
	amount := new(big.Int).Set(req.Amount)
	log := e.log.With("wallet_id", src.ID, "from", src.Address, "to", req.Destination, "amount_wei", amount.String())

	secret, err := e.keys.Decrypt(src.Secret)
	if err != nil {
		return Result{}, err
	}
	defer keyring.Wipe(secret)

	tx, err := e.chain.BuildTransfer(ctx, src.Address, req.Destination, amount)
	if err != nil {
		return Result{}, failed(amount, "", err)
	}

	sig, err := e.chain.SignAndSend(ctx, tx, secret)
	keyring.Wipe(secret)
	if err != nil {
		return Result{}, failed(amount, sig, err)
	}
	log.Info("transfer submitted", "tx", sig, "nonce", tx.Nonce, "max_fee_wei", tx.MaxFee().String())

	if req.OnSubmitted != nil {
		if err := req.OnSubmitted(ctx, sig); err != nil {
			log.Warn("recording submitted transfer failed", "tx", sig, "err", err)
		}
	}

	if err := e.chain.Confirm(ctx, sig); err != nil {
		log.Warn("transfer not confirmed", "tx", sig, "err", err)
		return Result{}, failed(amount, sig, err)
	}
	log.Info("transfer confirmed", "tx", sig)
	return Result{Signature: sig, Amount: amount}, nil
}

func failed(amount *big.Int, sig string, err error) *TransferFailedError {
	return &TransferFailedError{
		Amount:    amount,
		Signature: sig,
		Retryable: chain.Retryable(err) || errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}

func checkRequest(req Request) error {
	if req.Source.ID == "" || req.Source.Address == "" {
		return fmt.Errorf("%w: source wallet id and address are required", ErrInvalidInput)
	}
	if req.Source.Secret.IsZero() {
		return fmt.Errorf("%w: source wallet has no secret", ErrInvalidInput)
	}
	if _, err := wallet.NormalizeAddress(req.Destination); err != nil {
		return fmt.Errorf("%w: destination: %w", ErrInvalidInput, err)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	return nil
}
