package wallet

import "context"

// Store is the single source of truth for wallets and transfer records.
//
// Semantics:
//   - Create assigns an ID when empty and rejects duplicate addresses and
//     contests that already have a wallet (ErrAlreadyBound).
//   - ClaimPooled binds one available pooled wallet to contestID with a single
//     conditional write. Two concurrent claims never return the same wallet.
//     ok=false means the pool is empty or the claim lost every race.
//   - Update applies u only if pre holds at write time (ErrPreconditionFailed
//     otherwise). ContestID can only be set on an unbound wallet.
//   - Transfer records are append-only; confirmed records are immutable.
type Store interface {
	Create(ctx context.Context, w Wallet) (Wallet, error)
	Get(ctx context.Context, id string) (Wallet, error)
	GetByContest(ctx context.Context, contestID string) (Wallet, error)
	Find(ctx context.Context, f Filter) ([]Wallet, error)
	Update(ctx context.Context, id string, u Update, pre *Precondition) (Wallet, error)
	ClaimPooled(ctx context.Context, contestID string) (Wallet, bool, error)

	RecordTransfer(ctx context.Context, t TransferRecord) (TransferRecord, error)
	UpdateTransfer(ctx context.Context, id string, u TransferUpdate) (TransferRecord, error)
	ListTransfers(ctx context.Context, f TransferFilter) ([]TransferRecord, error)
}
