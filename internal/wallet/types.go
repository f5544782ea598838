package wallet

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/contestfi/custody/internal/keyring"
)

var (
	ErrInvalidInput       = errors.New("wallet: invalid input")
	ErrNotFound           = errors.New("wallet: not found")
	ErrDuplicateAddress   = errors.New("wallet: duplicate address")
	ErrAlreadyBound       = errors.New("wallet: contest already bound")
	ErrPreconditionFailed = errors.New("wallet: precondition failed")
	ErrInvalidTransition  = errors.New("wallet: invalid transition")
	ErrStorage            = errors.New("wallet: storage failure")
)

type Status string

const (
	StatusPooled    Status = "pooled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusReclaimed Status = "reclaimed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPooled, StatusActive, StatusCompleted, StatusReclaimed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the wallet no longer tracks a live contest.
func (s Status) Terminal() bool {
	return s == StatusReclaimed
}

// NonTerminalStatuses lists every status whose balance is still tracked.
func NonTerminalStatuses() []Status {
	return []Status{StatusPooled, StatusActive, StatusCompleted}
}

// Wallet is a custodial contest wallet. Secret holds the encrypted private key
// and is cleared by Public before the record leaves the engine.
type Wallet struct {
	ID            string
	ContestID     string
	ContestStatus string
	Address       string
	Secret        keyring.Envelope
	CachedBalance *big.Int
	Status        Status
	VanityPattern string
	LastSyncedAt  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (w Wallet) Bound() bool { return w.ContestID != "" }

// Balance returns the cached balance, treating nil as zero.
func (w Wallet) Balance() *big.Int {
	if w.CachedBalance == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(w.CachedBalance)
}

// Public returns a copy without secret material.
func (w Wallet) Public() Wallet {
	out := w.Clone()
	out.Secret = keyring.Envelope{}
	return out
}

func (w Wallet) Clone() Wallet {
	out := w
	out.Secret = w.Secret.Clone()
	if w.CachedBalance != nil {
		out.CachedBalance = new(big.Int).Set(w.CachedBalance)
	}
	return out
}

var addressRE = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// NormalizeAddress lowercases a 0x-prefixed 20-byte hex address.
func NormalizeAddress(addr string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(a, "0x") {
		a = "0x" + a
	}
	if !addressRE.MatchString(a) {
		return "", fmt.Errorf("%w: malformed address", ErrInvalidInput)
	}
	return a, nil
}

func (w Wallet) Validate() error {
	if _, err := NormalizeAddress(w.Address); err != nil {
		return err
	}
	if w.Secret.IsZero() || len(w.Secret.Ciphertext) == 0 {
		return fmt.Errorf("%w: missing encrypted secret", ErrInvalidInput)
	}
	if !w.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidInput, w.Status)
	}
	if w.Status == StatusPooled && w.ContestID != "" {
		return fmt.Errorf("%w: pooled wallet cannot be bound", ErrInvalidInput)
	}
	if w.Status != StatusPooled && w.ContestID == "" {
		return fmt.Errorf("%w: %s wallet must be bound to a contest", ErrInvalidInput, w.Status)
	}
	if w.CachedBalance != nil && w.CachedBalance.Sign() < 0 {
		return fmt.Errorf("%w: negative balance", ErrInvalidInput)
	}
	return nil
}

// Filter selects wallets. Empty fields do not constrain the result.
type Filter struct {
	Statuses        []Status
	ContestStatuses []string
	// MinBalance keeps wallets with CachedBalance >= MinBalance.
	MinBalance *big.Int
	// KeyVersionNot keeps wallets whose secret is not on this key version.
	KeyVersionNot uint32
	Limit         int
}

// Update lists the fields to change. Nil fields are left untouched.
type Update struct {
	ContestID     *string
	ContestStatus *string
	Status        *Status
	CachedBalance *big.Int
	LastSyncedAt  *time.Time
	Secret        *keyring.Envelope
}

func (u Update) empty() bool {
	return u.ContestID == nil && u.ContestStatus == nil && u.Status == nil && u.CachedBalance == nil && u.LastSyncedAt == nil && u.Secret == nil
}

func (u Update) Validate() error {
	if u.empty() {
		return fmt.Errorf("%w: empty update", ErrInvalidInput)
	}
	if u.ContestID != nil && strings.TrimSpace(*u.ContestID) == "" {
		return fmt.Errorf("%w: empty contest id", ErrInvalidInput)
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidInput, *u.Status)
	}
	if u.CachedBalance != nil && u.CachedBalance.Sign() < 0 {
		return fmt.Errorf("%w: negative balance", ErrInvalidInput)
	}
	if u.Secret != nil && (len(u.Secret.Ciphertext) == 0 || u.Secret.KeyVersion == 0) {
		return fmt.Errorf("%w: invalid secret", ErrInvalidInput)
	}
	return nil
}

// Precondition guards an Update. The update applies only if every set field
// matches the stored row at write time.
type Precondition struct {
	Status        *Status
	CachedBalance *big.Int
	KeyVersion    *uint32
}

func (p *Precondition) holds(w Wallet) bool {
	if p == nil {
		return true
	}
	if p.Status != nil && w.Status != *p.Status {
		return false
	}
	if p.CachedBalance != nil && w.Balance().Cmp(p.CachedBalance) != 0 {
		return false
	}
	if p.KeyVersion != nil && w.Secret.KeyVersion != *p.KeyVersion {
		return false
	}
	return true
}

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

type TransferKind string

const (
	KindReclaim TransferKind = "reclaim"
	KindPayout  TransferKind = "payout"
	KindFunding TransferKind = "funding"
)

// TransferRecord is the audit row for one on-chain movement of funds.
type TransferRecord struct {
	ID          string
	WalletID    string
	Source      string
	Destination string
	Amount      *big.Int
	Signature   string
	Status      TransferStatus
	Kind        TransferKind
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (t TransferRecord) Clone() TransferRecord {
	out := t
	if t.Amount != nil {
		out.Amount = new(big.Int).Set(t.Amount)
	}
	return out
}

func (t TransferRecord) Validate() error {
	if t.WalletID == "" {
		return fmt.Errorf("%w: missing wallet id", ErrInvalidInput)
	}
	if _, err := NormalizeAddress(t.Source); err != nil {
		return err
	}
	if _, err := NormalizeAddress(t.Destination); err != nil {
		return err
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	switch t.Kind {
	case KindReclaim, KindPayout, KindFunding:
	default:
		return fmt.Errorf("%w: invalid kind %q", ErrInvalidInput, t.Kind)
	}
	switch t.Status {
	case TransferPending, TransferConfirmed, TransferFailed:
	default:
		return fmt.Errorf("%w: invalid transfer status %q", ErrInvalidInput, t.Status)
	}
	if t.Status == TransferConfirmed && t.Signature == "" {
		return fmt.Errorf("%w: confirmed transfer requires a signature", ErrInvalidInput)
	}
	return nil
}

// TransferUpdate moves a record forward. Signature may be set while pending.
type TransferUpdate struct {
	Status    TransferStatus
	Signature string
	Error     string
}

// CheckTransferTransition enforces pending -> {pending, confirmed, failed}
// and failed -> confirmed (late confirmation). Confirmed rows never change.
func CheckTransferTransition(from TransferRecord, u TransferUpdate) error {
	switch from.Status {
	case TransferConfirmed:
		return fmt.Errorf("%w: transfer %s already confirmed", ErrInvalidTransition, from.ID)
	case TransferFailed:
		if u.Status != TransferConfirmed {
			return fmt.Errorf("%w: transfer %s already failed", ErrInvalidTransition, from.ID)
		}
	}
	switch u.Status {
	case TransferPending, TransferFailed:
	case TransferConfirmed:
		if u.Signature == "" && from.Signature == "" {
			return fmt.Errorf("%w: confirmed transfer requires a signature", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: invalid transfer status %q", ErrInvalidInput, u.Status)
	}
	if from.Signature != "" && u.Signature != "" && from.Signature != u.Signature {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidTransition)
	}
	return nil
}

type TransferFilter struct {
	WalletID string
	Statuses []TransferStatus
	Kinds    []TransferKind
}
