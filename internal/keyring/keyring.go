// Package keyring envelope-encrypts wallet private keys under versioned
// master keys.
//
// A Keyring is built once at process start from one or more 32-byte master
// keys. Each version derives its own AES-256-GCM data key with HKDF-SHA256,
// so envelopes written under an older version stay decryptable after the
// active version moves forward. There is no way to read a master key back out
// of a Keyring or to change it after construction.
package keyring

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/contestfi/custody/internal/secrets"
	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the required length of every master key.
	MasterKeySize = 32

	nonceSize = 12
	tagSize   = 16

	infoPrefix = "contest-wallet/envelope/v"
)

var (
	ErrInvalidConfig = errors.New("keyring: invalid config")
	ErrDecrypt       = errors.New("keyring: decryption failed")
)

// Envelope is the persisted form of an encrypted secret.
type Envelope struct {
	IV         []byte
	AuthTag    []byte
	Ciphertext []byte
	KeyVersion uint32
}

func (e Envelope) IsZero() bool {
	return len(e.IV) == 0 && len(e.AuthTag) == 0 && len(e.Ciphertext) == 0 && e.KeyVersion == 0
}

func (e Envelope) Clone() Envelope {
	return Envelope{
		IV:         append([]byte(nil), e.IV...),
		AuthTag:    append([]byte(nil), e.AuthTag...),
		Ciphertext: append([]byte(nil), e.Ciphertext...),
		KeyVersion: e.KeyVersion,
	}
}

type Config struct {
	Active uint32
	// Keys maps key version to raw master key. The slices are copied and the
	// caller may wipe them after New returns.
	Keys map[uint32][]byte
}

type Keyring struct {
	active   uint32
	versions map[uint32]cipher.AEAD
}

func New(cfg Config) (*Keyring, error) {
	if cfg.Active == 0 {
		return nil, fmt.Errorf("%w: active key version must be > 0", ErrInvalidConfig)
	}
	if _, ok := cfg.Keys[cfg.Active]; !ok {
		return nil, fmt.Errorf("%w: no master key for active version %d", ErrInvalidConfig, cfg.Active)
	}

	versions := make(map[uint32]cipher.AEAD, len(cfg.Keys))
	for v, master := range cfg.Keys {
		if v == 0 {
			return nil, fmt.Errorf("%w: key version 0 is reserved", ErrInvalidConfig)
		}
		if len(master) != MasterKeySize {
			return nil, fmt.Errorf("%w: master key v%d must be %d bytes, got %d", ErrInvalidConfig, v, MasterKeySize, len(master))
		}
		aead, err := deriveAEAD(master, v)
		if err != nil {
			return nil, err
		}
		versions[v] = aead
	}
	return &Keyring{active: cfg.Active, versions: versions}, nil
}

// Sources names where each master key version is read from. Refs use the
// secrets.Resolver syntax, e.g. "aws:custody/master-key-v2" or "env:MASTER_KEY".
type Sources struct {
	Active uint32
	Refs   map[uint32]string
}

// Load resolves every master key once and builds the Keyring. Any missing or
// malformed key is a configuration error.
func Load(ctx context.Context, p secrets.Provider, src Sources) (*Keyring, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil secrets provider", ErrInvalidConfig)
	}
	if len(src.Refs) == 0 {
		return nil, fmt.Errorf("%w: no master key sources", ErrInvalidConfig)
	}
	keys := make(map[uint32][]byte, len(src.Refs))
	defer func() {
		for _, k := range keys {
			Wipe(k)
		}
	}()
	for v, ref := range src.Refs {
		raw, err := p.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: master key v%d: %w", ErrInvalidConfig, v, err)
		}
		key, err := secrets.DecodeKey(raw, MasterKeySize)
		if err != nil {
			return nil, fmt.Errorf("%w: master key v%d: %w", ErrInvalidConfig, v, err)
		}
		keys[v] = key
	}
	return New(Config{Active: src.Active, Keys: keys})
}

// ParseSourceList parses "1=aws:old-key,2=env:NEW_KEY".
func ParseSourceList(s string) (map[uint32]string, error) {
	out := make(map[uint32]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		vs, ref, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: expected version=ref, got %q", ErrInvalidConfig, part)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(vs), 10, 32)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("%w: invalid key version %q", ErrInvalidConfig, vs)
		}
		if _, dup := out[uint32(v)]; dup {
			return nil, fmt.Errorf("%w: duplicate key version %d", ErrInvalidConfig, v)
		}
		out[uint32(v)] = strings.TrimSpace(ref)
	}
	return out, nil
}

func (k *Keyring) ActiveVersion() uint32 {
	if k == nil {
		return 0
	}
	return k.active
}

// Versions returns the loaded key versions in ascending order.
func (k *Keyring) Versions() []uint32 {
	if k == nil {
		return nil
	}
	out := make([]uint32, 0, len(k.versions))
	for v := range k.versions {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

func (k *Keyring) Encrypt(plaintext []byte) (Envelope, error) {
	if k == nil {
		return Envelope{}, fmt.Errorf("%w: nil keyring", ErrInvalidConfig)
	}
	if len(plaintext) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty plaintext", ErrInvalidConfig)
	}
	aead := k.versions[k.active]

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("keyring: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, additionalData(k.active))
	split := len(sealed) - tagSize
	return Envelope{
		IV:         nonce,
		AuthTag:    append([]byte(nil), sealed[split:]...),
		Ciphertext: sealed[:split],
		KeyVersion: k.active,
	}, nil
}

// Decrypt returns the plaintext for env. The caller owns the returned slice
// and should Wipe it when done.
func (k *Keyring) Decrypt(env Envelope) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil keyring", ErrInvalidConfig)
	}
	aead, ok := k.versions[env.KeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key version %d", ErrDecrypt, env.KeyVersion)
	}
	if len(env.IV) != nonceSize || len(env.AuthTag) != tagSize {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecrypt)
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+tagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	out, err := aead.Open(nil, env.IV, sealed, additionalData(env.KeyVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	return out, nil
}

// Rewrap re-encrypts env under the active key version. It reports false
// without touching env when env is already on the active version.
func (k *Keyring) Rewrap(env Envelope) (Envelope, bool, error) {
	if k == nil {
		return Envelope{}, false, fmt.Errorf("%w: nil keyring", ErrInvalidConfig)
	}
	if env.KeyVersion == k.active {
		return env, false, nil
	}
	plain, err := k.Decrypt(env)
	if err != nil {
		return Envelope{}, false, err
	}
	defer Wipe(plain)
	out, err := k.Encrypt(plain)
	if err != nil {
		return Envelope{}, false, err
	}
	return out, true, nil
}

func (k *Keyring) String() string {
	if k == nil {
		return "keyring(nil)"
	}
	vs := k.Versions()
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = "v" + strconv.FormatUint(uint64(v), 10)
	}
	return fmt.Sprintf("keyring(active=v%d versions=[%s])", k.active, strings.Join(parts, " "))
}

func (k *Keyring) GoString() string { return k.String() }

func (k *Keyring) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("active_version", uint64(k.ActiveVersion())),
		slog.Int("versions", len(k.Versions())),
	)
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keyring: generate master key: %w", err)
	}
	return key, nil
}

func deriveAEAD(master []byte, version uint32) (cipher.AEAD, error) {
	dk := make([]byte, 32)
	defer Wipe(dk)
	r := hkdf.New(sha256.New, master, nil, []byte(infoPrefix+strconv.FormatUint(uint64(version), 10)))
	if _, err := io.ReadFull(r, dk); err != nil {
		return nil, fmt.Errorf("keyring: derive v%d: %w", version, err)
	}
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("keyring: cipher v%d: %w", version, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("keyring: gcm v%d: %w", version, err)
	}
	return aead, nil
}

func additionalData(version uint32) []byte {
	ad := make([]byte, 0, len(infoPrefix)+4)
	ad = append(ad, infoPrefix...)
	return binary.BigEndian.AppendUint32(ad, version)
}
