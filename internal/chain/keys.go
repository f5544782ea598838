package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// SecretSize is the length of a raw secp256k1 private key.
const SecretSize = 32

// KeyGenerator mints fresh wallet keypairs.
type KeyGenerator interface {
	// Generate returns a lowercase 0x address and the raw private key. The
	// caller owns secret and must wipe it.
	Generate() (address string, secret []byte, err error)
}

type EVMKeyGenerator struct{}

func (EVMKeyGenerator) Generate() (string, []byte, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", nil, fmt.Errorf("chain: generate key: %w", err)
	}
	defer zeroKey(key)
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return addr, crypto.FromECDSA(key), nil
}

// AddressFromSecret derives the lowercase 0x address for a raw private key.
// Errors never include key material.
func AddressFromSecret(secret []byte) (string, error) {
	key, err := toKey(secret)
	if err != nil {
		return "", err
	}
	defer zeroKey(key)
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), nil
}

// ParseSecretHex decodes a 0x-optional hex private key as produced by
// vanity miners.
func ParseSecretHex(s string) ([]byte, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, ErrInvalidKey
	}
	defer zeroKey(key)
	return crypto.FromECDSA(key), nil
}

func toKey(secret []byte) (*ecdsa.PrivateKey, error) {
	if len(secret) != SecretSize {
		return nil, ErrInvalidKey
	}
	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}
