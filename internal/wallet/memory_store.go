package wallet

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	wallets   map[string]Wallet
	byAddress map[string]string
	byContest map[string]string
	transfers map[string]TransferRecord
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		wallets:   make(map[string]Wallet),
		byAddress: make(map[string]string),
		byContest: make(map[string]string),
		transfers: make(map[string]TransferRecord),
	}
}

func (s *MemoryStore) Create(_ context.Context, w Wallet) (Wallet, error) {
	addr, err := NormalizeAddress(w.Address)
	if err != nil {
		return Wallet{}, err
	}
	w.Address = addr
	if err := w.Validate(); err != nil {
		return Wallet{}, err
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.ID]; ok {
		return Wallet{}, fmt.Errorf("%w: wallet id %s exists", ErrInvalidInput, w.ID)
	}
	if _, ok := s.byAddress[w.Address]; ok {
		return Wallet{}, ErrDuplicateAddress
	}
	if w.ContestID != "" {
		if _, ok := s.byContest[w.ContestID]; ok {
			return Wallet{}, ErrAlreadyBound
		}
	}

	now := s.now().UTC()
	w.CachedBalance = w.Balance()
	w.CreatedAt = now
	w.UpdatedAt = now
	s.wallets[w.ID] = w.Clone()
	s.byAddress[w.Address] = w.ID
	if w.ContestID != "" {
		s.byContest[w.ContestID] = w.ID
	}
	return w.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Wallet, error) {
	if id == "" {
		return Wallet{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w.Clone(), nil
}

func (s *MemoryStore) GetByContest(_ context.Context, contestID string) (Wallet, error) {
	if contestID == "" {
		return Wallet{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byContest[contestID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return s.wallets[id].Clone(), nil
}

func (s *MemoryStore) Find(_ context.Context, f Filter) ([]Wallet, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Wallet
	for _, w := range s.wallets {
		if matches(w, f) {
			out = append(out, w.Clone())
		}
	}
	// Match the postgres ordering.
	slices.SortFunc(out, func(a, b Wallet) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(w Wallet, f Filter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, w.Status) {
		return false
	}
	if len(f.ContestStatuses) > 0 && !slices.Contains(f.ContestStatuses, w.ContestStatus) {
		return false
	}
	if f.MinBalance != nil && w.Balance().Cmp(f.MinBalance) < 0 {
		return false
	}
	if f.KeyVersionNot != 0 && w.Secret.KeyVersion == f.KeyVersionNot {
		return false
	}
	return true
}

func (s *MemoryStore) Update(_ context.Context, id string, u Update, pre *Precondition) (Wallet, error) {
	if id == "" {
		return Wallet{}, ErrInvalidInput
	}
	if err := u.Validate(); err != nil {
		return Wallet{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	if !pre.holds(w) {
		return Wallet{}, ErrPreconditionFailed
	}
	if u.ContestID != nil && *u.ContestID != w.ContestID {
		if w.ContestID != "" {
			return Wallet{}, fmt.Errorf("%w: contest id is immutable", ErrInvalidTransition)
		}
		if _, taken := s.byContest[*u.ContestID]; taken {
			return Wallet{}, ErrAlreadyBound
		}
	}

	next := w.Clone()
	applyUpdate(&next, u)
	if err := next.Validate(); err != nil {
		return Wallet{}, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	next.UpdatedAt = s.now().UTC()

	if next.ContestID != w.ContestID {
		s.byContest[next.ContestID] = id
	}
	s.wallets[id] = next
	return next.Clone(), nil
}

func applyUpdate(w *Wallet, u Update) {
	if u.ContestID != nil {
		w.ContestID = *u.ContestID
	}
	if u.ContestStatus != nil {
		w.ContestStatus = *u.ContestStatus
	}
	if u.Status != nil {
		w.Status = *u.Status
	}
	if u.CachedBalance != nil {
		w.CachedBalance = new(big.Int).Set(u.CachedBalance)
	}
	if u.LastSyncedAt != nil {
		w.LastSyncedAt = u.LastSyncedAt.UTC()
	}
	if u.Secret != nil {
		w.Secret = u.Secret.Clone()
	}
}

func (s *MemoryStore) ClaimPooled(_ context.Context, contestID string) (Wallet, bool, error) {
	if strings.TrimSpace(contestID) == "" {
		return Wallet{}, false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byContest[contestID]; taken {
		return Wallet{}, false, ErrAlreadyBound
	}

	var pick *Wallet
	for _, w := range s.wallets {
		if w.Status != StatusPooled || w.ContestID != "" {
			continue
		}
		if pick == nil || w.CreatedAt.Before(pick.CreatedAt) || (w.CreatedAt.Equal(pick.CreatedAt) && w.ID < pick.ID) {
			w := w
			pick = &w
		}
	}
	if pick == nil {
		return Wallet{}, false, nil
	}

	next := pick.Clone()
	next.ContestID = contestID
	next.Status = StatusActive
	next.UpdatedAt = s.now().UTC()
	s.wallets[next.ID] = next
	s.byContest[contestID] = next.ID
	return next.Clone(), true, nil
}

func (s *MemoryStore) RecordTransfer(_ context.Context, t TransferRecord) (TransferRecord, error) {
	if t.Status == "" {
		t.Status = TransferPending
	}
	if err := t.Validate(); err != nil {
		return TransferRecord{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[t.WalletID]; !ok {
		return TransferRecord{}, fmt.Errorf("%w: wallet %s", ErrNotFound, t.WalletID)
	}
	if _, ok := s.transfers[t.ID]; ok {
		return TransferRecord{}, fmt.Errorf("%w: transfer id %s exists", ErrInvalidInput, t.ID)
	}
	if t.Status == TransferConfirmed && s.confirmedSignatureTaken(t.Signature, t.ID) {
		return TransferRecord{}, fmt.Errorf("%w: signature already confirmed", ErrInvalidTransition)
	}

	now := s.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.transfers[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTransfer(_ context.Context, id string, u TransferUpdate) (TransferRecord, error) {
	if id == "" {
		return TransferRecord{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return TransferRecord{}, ErrNotFound
	}
	if err := CheckTransferTransition(t, u); err != nil {
		return TransferRecord{}, err
	}
	if u.Signature != "" {
		t.Signature = u.Signature
	}
	if u.Status == TransferConfirmed && s.confirmedSignatureTaken(t.Signature, id) {
		return TransferRecord{}, fmt.Errorf("%w: signature already confirmed", ErrInvalidTransition)
	}
	t.Status = u.Status
	t.Error = u.Error
	t.UpdatedAt = s.now().UTC()
	s.transfers[id] = t
	return t.Clone(), nil
}

func (s *MemoryStore) confirmedSignatureTaken(sig, exceptID string) bool {
	for id, t := range s.transfers {
		if id != exceptID && t.Status == TransferConfirmed && t.Signature == sig {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListTransfers(_ context.Context, f TransferFilter) ([]TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TransferRecord
	for _, t := range s.transfers {
		if f.WalletID != "" && t.WalletID != f.WalletID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
			continue
		}
		if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, t.Kind) {
			continue
		}
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b TransferRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}
