// Package chain talks to the EVM network that holds contest funds.
//
// Callers see a small Client surface (balance, build, sign-and-send, confirm)
// keyed by 0x-hex addresses and transaction hashes. Private keys cross this
// boundary only as raw 32-byte secp256k1 scalars, which SignAndSend zeroes
// from its own copies before returning.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig  = errors.New("chain: invalid config")
	ErrInvalidInput   = errors.New("chain: invalid input")
	ErrInvalidKey     = errors.New("chain: invalid private key")
	ErrRPC            = errors.New("chain: rpc failure")
	ErrConfirmTimeout = errors.New("chain: confirmation timed out")
	ErrReverted       = errors.New("chain: transaction reverted")
	ErrRejected       = errors.New("chain: transaction rejected by node")
)

// Client is the chain surface the custody engine depends on.
type Client interface {
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	BuildTransfer(ctx context.Context, from, to string, amount *big.Int) (*UnsignedTransfer, error)
	// SignAndSend signs tx with secret and submits it, returning the tx hash.
	// A send that fails for any reason other than ErrRejected still returns
	// the hash, since the transaction may have reached the network.
	SignAndSend(ctx context.Context, tx *UnsignedTransfer, secret []byte) (string, error)
	// Confirm blocks until signature is final. It returns ErrConfirmTimeout
	// when the transaction is still unknown or unconfirmed at the deadline,
	// and ErrReverted when it was mined but failed.
	Confirm(ctx context.Context, signature string) error
}

// UnsignedTransfer is a fully priced native-value transfer.
type UnsignedTransfer struct {
	ChainID   *big.Int
	From      common.Address
	To        common.Address
	Value     *big.Int
	Nonce     uint64
	Gas       uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// MaxFee is the most the sender can pay in gas for this transfer.
func (t *UnsignedTransfer) MaxFee() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(t.Gas), t.GasFeeCap)
}

// Retryable reports whether err is a transient chain failure worth retrying
// in a later run.
func Retryable(err error) bool {
	return errors.Is(err, ErrRPC) || errors.Is(err, ErrConfirmTimeout)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidInput
	}
	return common.HexToAddress(s), nil
}
