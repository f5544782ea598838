package keyring

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/contestfi/custody/internal/secrets"
)

func testMaster(b byte) []byte {
	return bytes.Repeat([]byte{b}, MasterKeySize)
}

func mustKeyring(t *testing.T, active uint32, keys map[uint32][]byte) *Keyring {
	t.Helper()
	k, err := New(Config{Active: active, Keys: keys})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func TestKeyring_RoundTrip(t *testing.T) {
	t.Parallel()

	k := mustKeyring(t, 1, map[uint32][]byte{1: testMaster(0x11)})
	for _, n := range []int{1, 16, 31, 32, 33, 64, 1000} {
		plain := make([]byte, n)
		if _, err := rand.Read(plain); err != nil {
			t.Fatalf("rand: %v", err)
		}
		env, err := k.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%d): %v", n, err)
		}
		if env.KeyVersion != 1 {
			t.Fatalf("key version: got %d want 1", env.KeyVersion)
		}
		if len(env.IV) != nonceSize || len(env.AuthTag) != tagSize || len(env.Ciphertext) != n {
			t.Fatalf("envelope shape: iv=%d tag=%d ct=%d", len(env.IV), len(env.AuthTag), len(env.Ciphertext))
		}
		got, err := k.Decrypt(env)
		if err != nil {
			t.Fatalf("Decrypt(%d): %v", n, err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("round trip mismatch for len %d", n)
		}
	}
}

func TestKeyring_FreshNoncePerEncryption(t *testing.T) {
	t.Parallel()

	k := mustKeyring(t, 1, map[uint32][]byte{1: testMaster(0x11)})
	plain := []byte("same plaintext")
	a, err := k.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := k.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(a.IV, b.IV) {
		t.Fatalf("nonce reused across encryptions")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatalf("ciphertext repeated across encryptions")
	}
}

func TestKeyring_TamperDetection(t *testing.T) {
	t.Parallel()

	k := mustKeyring(t, 1, map[uint32][]byte{1: testMaster(0x22)})
	env, err := k.Encrypt([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	flip := func(field string, buf []byte) {
		for i := 0; i < len(buf)*8; i++ {
			buf[i/8] ^= 1 << (i % 8)
			if _, err := k.Decrypt(env); !errors.Is(err, ErrDecrypt) {
				t.Fatalf("%s bit %d: expected ErrDecrypt, got %v", field, i, err)
			}
			buf[i/8] ^= 1 << (i % 8)
		}
	}
	flip("auth_tag", env.AuthTag)
	flip("ciphertext", env.Ciphertext)
	flip("iv", env.IV)

	if _, err := k.Decrypt(env); err != nil {
		t.Fatalf("restored envelope should decrypt: %v", err)
	}
}

func TestKeyring_KeyVersionDispatch(t *testing.T) {
	t.Parallel()

	old := mustKeyring(t, 1, map[uint32][]byte{1: testMaster(0x01)})
	env, err := old.Encrypt([]byte("wallet secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	rotated := mustKeyring(t, 2, map[uint32][]byte{1: testMaster(0x01), 2: testMaster(0x02)})
	got, err := rotated.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt old envelope after rotation: %v", err)
	}
	if string(got) != "wallet secret" {
		t.Fatalf("plaintext mismatch: %q", got)
	}

	fresh, err := rotated.Encrypt([]byte("new secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if fresh.KeyVersion != 2 {
		t.Fatalf("new envelopes must use active version: got %d", fresh.KeyVersion)
	}
	if _, err := old.Decrypt(fresh); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for unsupported version, got %v", err)
	}

	// A version label that does not match the key used must not verify.
	relabeled := env.Clone()
	relabeled.KeyVersion = 2
	if _, err := rotated.Decrypt(relabeled); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for relabeled envelope, got %v", err)
	}
}

func TestKeyring_Rewrap(t *testing.T) {
	t.Parallel()

	k := mustKeyring(t, 2, map[uint32][]byte{1: testMaster(0x01), 2: testMaster(0x02)})
	v1 := mustKeyring(t, 1, map[uint32][]byte{1: testMaster(0x01)})
	env, err := v1.Encrypt([]byte("rotate me"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	out, changed, err := k.Rewrap(env)
	if err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	if !changed || out.KeyVersion != 2 {
		t.Fatalf("expected rewrap to v2: changed=%v version=%d", changed, out.KeyVersion)
	}
	got, err := k.Decrypt(out)
	if err != nil || string(got) != "rotate me" {
		t.Fatalf("Decrypt rewrapped: %q %v", got, err)
	}

	again, changed, err := k.Rewrap(out)
	if err != nil || changed || again.KeyVersion != 2 {
		t.Fatalf("rewrap of active envelope should be a no-op: changed=%v err=%v", changed, err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "no active", cfg: Config{Keys: map[uint32][]byte{1: testMaster(1)}}},
		{name: "missing active key", cfg: Config{Active: 2, Keys: map[uint32][]byte{1: testMaster(1)}}},
		{name: "short key", cfg: Config{Active: 1, Keys: map[uint32][]byte{1: make([]byte, 16)}}},
		{name: "long key", cfg: Config{Active: 1, Keys: map[uint32][]byte{1: make([]byte, 64)}}},
		{name: "version zero", cfg: Config{Active: 1, Keys: map[uint32][]byte{0: testMaster(1), 1: testMaster(2)}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

type mapProvider map[string]string

func (m mapProvider) Get(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", secrets.ErrNotFound, key)
	}
	return v, nil
}

func TestLoad(t *testing.T) {
	t.Parallel()

	p := mapProvider{
		"old": base64.StdEncoding.EncodeToString(testMaster(0x01)),
		"new": base64.StdEncoding.EncodeToString(testMaster(0x02)),
	}
	k, err := Load(context.Background(), p, Sources{Active: 2, Refs: map[uint32]string{1: "old", 2: "new"}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if k.ActiveVersion() != 2 || len(k.Versions()) != 2 {
		t.Fatalf("unexpected keyring: %s", k)
	}

	if _, err := Load(context.Background(), p, Sources{Active: 1, Refs: map[uint32]string{1: "missing"}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing secret, got %v", err)
	}
	if _, err := Load(context.Background(), mapProvider{"short": "c2hvcnQ="}, Sources{Active: 1, Refs: map[uint32]string{1: "short"}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for short secret, got %v", err)
	}
}

func TestParseSourceList(t *testing.T) {
	t.Parallel()

	got, err := ParseSourceList(" 1=aws:custody/v1 , 2=env:MASTER_KEY_V2,")
	if err != nil {
		t.Fatalf("ParseSourceList: %v", err)
	}
	if got[1] != "aws:custody/v1" || got[2] != "env:MASTER_KEY_V2" || len(got) != 2 {
		t.Fatalf("unexpected sources: %v", got)
	}
	for _, bad := range []string{"x=env:A", "0=env:A", "1", "1=env:A,1=env:B"} {
		if _, err := ParseSourceList(bad); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("ParseSourceList(%q): expected ErrInvalidConfig, got %v", bad, err)
		}
	}
}

func TestKeyring_NeverRendersKeyMaterial(t *testing.T) {
	t.Parallel()

	master := testMaster(0x5a)
	k := mustKeyring(t, 1, map[uint32][]byte{1: master})

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	log.Info("loaded", "keyring", k)

	for _, rendered := range []string{k.String(), fmt.Sprintf("%v %+v %#v", k, k, k), buf.String()} {
		if strings.Contains(rendered, "5a5a") || strings.Contains(rendered, base64.StdEncoding.EncodeToString(master)) {
			t.Fatalf("rendered keyring leaks key material: %s", rendered)
		}
	}
}

func TestWipe(t *testing.T) {
	t.Parallel()

	b := []byte{1, 2, 3, 4}
	Wipe(b)
	if !bytes.Equal(b, make([]byte, 4)) {
		t.Fatalf("Wipe left data: %v", b)
	}
}
