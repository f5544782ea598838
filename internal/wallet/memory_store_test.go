package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/contestfi/custody/internal/keyring"
)

func testEnvelope() keyring.Envelope {
	return keyring.Envelope{
		IV:         make([]byte, 12),
		AuthTag:    make([]byte, 16),
		Ciphertext: []byte{1, 2, 3},
		KeyVersion: 1,
	}
}

func testAddr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func pooledWallet(n int) Wallet {
	return Wallet{Address: testAddr(n), Secret: testEnvelope(), Status: StatusPooled, VanityPattern: "abc"}
}

func TestMemoryStore_CreateGetAndUniqueness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)

	w, err := s.Create(ctx, Wallet{
		ContestID:     "c1",
		Address:       "0xABCDEF0000000000000000000000000000000001",
		Secret:        testEnvelope(),
		Status:        StatusActive,
		CachedBalance: big.NewInt(5),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.ID == "" || w.Address != "0xabcdef0000000000000000000000000000000001" {
		t.Fatalf("unexpected wallet: id=%q addr=%q", w.ID, w.Address)
	}

	got, err := s.GetByContest(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByContest: %v", err)
	}
	if got.ID != w.ID || got.Balance().Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("GetByContest mismatch: %+v", got.Public())
	}

	// Returned records are copies.
	got.CachedBalance.SetInt64(99)
	got.Secret.Ciphertext[0] = 0xff
	again, _ := s.Get(ctx, w.ID)
	if again.Balance().Int64() != 5 || again.Secret.Ciphertext[0] != 1 {
		t.Fatalf("store leaked internal state")
	}

	dupAddr := pooledWallet(0)
	dupAddr.Address = w.Address
	if _, err := s.Create(ctx, dupAddr); !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("expected ErrDuplicateAddress, got %v", err)
	}
	if _, err := s.Create(ctx, Wallet{ContestID: "c1", Address: testAddr(2), Secret: testEnvelope(), Status: StatusActive}); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CreateRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		w    Wallet
	}{
		{name: "bad address", w: Wallet{Address: "0x1234", Secret: testEnvelope(), Status: StatusPooled}},
		{name: "missing secret", w: Wallet{Address: testAddr(1), Status: StatusPooled}},
		{name: "pooled but bound", w: Wallet{ContestID: "c", Address: testAddr(1), Secret: testEnvelope(), Status: StatusPooled}},
		{name: "active but unbound", w: Wallet{Address: testAddr(1), Secret: testEnvelope(), Status: StatusActive}},
		{name: "negative balance", w: Wallet{Address: testAddr(1), Secret: testEnvelope(), Status: StatusPooled, CachedBalance: big.NewInt(-1)}},
		{name: "unknown status", w: Wallet{Address: testAddr(1), Secret: testEnvelope(), Status: "lost"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewMemoryStore(nil).Create(context.Background(), tc.w); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestMemoryStore_ClaimPooledIsExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	const pool = 5
	for i := 0; i < pool; i++ {
		if _, err := s.Create(ctx, pooledWallet(i+1)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	const claimers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]string)
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			contest := fmt.Sprintf("contest-%d", i)
			w, ok, err := s.ClaimPooled(ctx, contest)
			if err != nil {
				t.Errorf("ClaimPooled: %v", err)
				return
			}
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimed[w.ID]; dup {
				t.Errorf("wallet %s claimed by %s and %s", w.ID, prev, contest)
			}
			claimed[w.ID] = contest
		}(i)
	}
	wg.Wait()

	if len(claimed) != pool {
		t.Fatalf("claimed: got %d want %d", len(claimed), pool)
	}
	for id, contest := range claimed {
		w, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if w.Status != StatusActive || w.ContestID != contest {
			t.Fatalf("wallet %s: status=%s contest=%q want active/%q", id, w.Status, w.ContestID, contest)
		}
	}

	if _, ok, err := s.ClaimPooled(ctx, "late"); err != nil || ok {
		t.Fatalf("expected empty pool: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_ClaimPooledOldestFirst(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	first, err := s.Create(ctx, pooledWallet(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := s.Create(ctx, pooledWallet(2)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := s.ClaimPooled(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("ClaimPooled: ok=%v err=%v", ok, err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected oldest pooled wallet")
	}
	if _, _, err := s.ClaimPooled(ctx, "c1"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound for bound contest, got %v", err)
	}
}

func TestMemoryStore_UpdatePreconditionsAndImmutability(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	w, err := s.Create(ctx, Wallet{ContestID: "c1", Address: testAddr(1), Secret: testEnvelope(), Status: StatusActive, CachedBalance: big.NewInt(100)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reclaimed := StatusReclaimed
	if _, err := s.Update(ctx, w.ID, Update{Status: &reclaimed, CachedBalance: big.NewInt(10)}, &Precondition{CachedBalance: big.NewInt(99)}); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	out, err := s.Update(ctx, w.ID, Update{Status: &reclaimed, CachedBalance: big.NewInt(10)}, &Precondition{CachedBalance: big.NewInt(100)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out.Status != StatusReclaimed || out.Balance().Int64() != 10 {
		t.Fatalf("unexpected update result: status=%s balance=%s", out.Status, out.Balance())
	}

	other := "c2"
	if _, err := s.Update(ctx, w.ID, Update{ContestID: &other}, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on contest rebinding, got %v", err)
	}
	if _, err := s.Update(ctx, w.ID, Update{}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty update, got %v", err)
	}
	if _, err := s.Update(ctx, w.ID, Update{CachedBalance: big.NewInt(-1)}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative balance, got %v", err)
	}
	if _, err := s.Update(ctx, "missing", Update{CachedBalance: big.NewInt(1)}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Find(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	mk := func(n int, contest, contestStatus string, status Status, bal int64) {
		t.Helper()
		w := Wallet{ContestID: contest, ContestStatus: contestStatus, Address: testAddr(n), Secret: testEnvelope(), Status: status, CachedBalance: big.NewInt(bal)}
		if _, err := s.Create(ctx, w); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	mk(1, "a", "completed", StatusCompleted, 500)
	mk(2, "b", "completed", StatusCompleted, 50)
	mk(3, "c", "open", StatusActive, 900)
	mk(4, "", "", StatusPooled, 0)

	got, err := s.Find(ctx, Filter{ContestStatuses: []string{"completed"}, MinBalance: big.NewInt(100)})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 || got[0].ContestID != "a" {
		t.Fatalf("unexpected find result: %d", len(got))
	}

	got, err = s.Find(ctx, Filter{Statuses: NonTerminalStatuses()})
	if err != nil || len(got) != 4 {
		t.Fatalf("Find non-terminal: n=%d err=%v", len(got), err)
	}
	got, err = s.Find(ctx, Filter{Limit: 2})
	if err != nil || len(got) != 2 {
		t.Fatalf("Find limit: n=%d err=%v", len(got), err)
	}
	got, err = s.Find(ctx, Filter{KeyVersionNot: 1})
	if err != nil || len(got) != 0 {
		t.Fatalf("Find key version: n=%d err=%v", len(got), err)
	}
}

func TestMemoryStore_TransferLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	w, err := s.Create(ctx, Wallet{ContestID: "c1", Address: testAddr(1), Secret: testEnvelope(), Status: StatusCompleted})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := s.RecordTransfer(ctx, TransferRecord{WalletID: w.ID, Source: w.Address, Destination: testAddr(9), Amount: big.NewInt(7), Kind: KindReclaim})
	if err != nil {
		t.Fatalf("RecordTransfer: %v", err)
	}
	if rec.Status != TransferPending || rec.ID == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := s.RecordTransfer(ctx, TransferRecord{WalletID: w.ID, Source: w.Address, Destination: testAddr(9), Amount: big.NewInt(0), Kind: KindReclaim}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero amount, got %v", err)
	}

	if _, err := s.UpdateTransfer(ctx, rec.ID, TransferUpdate{Status: TransferConfirmed}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for confirmation without signature, got %v", err)
	}
	if _, err := s.UpdateTransfer(ctx, rec.ID, TransferUpdate{Status: TransferPending, Signature: "0xsig"}); err != nil {
		t.Fatalf("UpdateTransfer pending: %v", err)
	}
	done, err := s.UpdateTransfer(ctx, rec.ID, TransferUpdate{Status: TransferConfirmed})
	if err != nil {
		t.Fatalf("UpdateTransfer confirmed: %v", err)
	}
	if done.Signature != "0xsig" || done.Status != TransferConfirmed {
		t.Fatalf("unexpected confirmed record: %+v", done)
	}
	if _, err := s.UpdateTransfer(ctx, rec.ID, TransferUpdate{Status: TransferFailed}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirmed record must be immutable, got %v", err)
	}

	second, err := s.RecordTransfer(ctx, TransferRecord{WalletID: w.ID, Source: w.Address, Destination: testAddr(9), Amount: big.NewInt(1), Kind: KindReclaim})
	if err != nil {
		t.Fatalf("RecordTransfer: %v", err)
	}
	if _, err := s.UpdateTransfer(ctx, second.ID, TransferUpdate{Status: TransferConfirmed, Signature: "0xsig"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected duplicate confirmed signature rejection, got %v", err)
	}
	if _, err := s.UpdateTransfer(ctx, second.ID, TransferUpdate{Status: TransferFailed, Error: "boom"}); err != nil {
		t.Fatalf("UpdateTransfer failed: %v", err)
	}

	list, err := s.ListTransfers(ctx, TransferFilter{WalletID: w.ID, Statuses: []TransferStatus{TransferConfirmed}})
	if err != nil || len(list) != 1 || list[0].ID != rec.ID {
		t.Fatalf("ListTransfers: n=%d err=%v", len(list), err)
	}
}

func TestCheckTransferTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		from    TransferRecord
		u       TransferUpdate
		wantErr error
	}{
		{name: "pending to confirmed", from: TransferRecord{Status: TransferPending, Signature: "s"}, u: TransferUpdate{Status: TransferConfirmed}},
		{name: "pending to failed", from: TransferRecord{Status: TransferPending}, u: TransferUpdate{Status: TransferFailed}},
		{name: "failed to confirmed", from: TransferRecord{Status: TransferFailed, Signature: "s"}, u: TransferUpdate{Status: TransferConfirmed}},
		{name: "failed to pending", from: TransferRecord{Status: TransferFailed}, u: TransferUpdate{Status: TransferPending}, wantErr: ErrInvalidTransition},
		{name: "confirmed is final", from: TransferRecord{Status: TransferConfirmed, Signature: "s"}, u: TransferUpdate{Status: TransferConfirmed}, wantErr: ErrInvalidTransition},
		{name: "signature swap", from: TransferRecord{Status: TransferPending, Signature: "a"}, u: TransferUpdate{Status: TransferPending, Signature: "b"}, wantErr: ErrInvalidTransition},
		{name: "unknown status", from: TransferRecord{Status: TransferPending}, u: TransferUpdate{Status: "lost"}, wantErr: ErrInvalidInput},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := CheckTransferTransition(tc.from, tc.u)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestWallet_PublicStripsSecret(t *testing.T) {
	t.Parallel()

	w := Wallet{ID: "w", Address: testAddr(1), Secret: testEnvelope(), CachedBalance: big.NewInt(3)}
	p := w.Public()
	if !p.Secret.IsZero() {
		t.Fatalf("Public kept secret material")
	}
	if w.Secret.IsZero() {
		t.Fatalf("Public mutated the original")
	}
}
