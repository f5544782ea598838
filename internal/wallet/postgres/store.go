package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/contestfi/custody/internal/wallet"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("wallet/postgres: invalid config")

const walletColumns = `id, contest_id, contest_status, address,
	secret_iv, secret_auth_tag, secret_ciphertext, key_version,
	cached_balance::text, status, vanity_pattern, last_synced_at, created_at, updated_at`

const transferColumns = `id, wallet_id, source, destination, amount::text, signature, status, kind, error, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

var _ wallet.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("wallet/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, w wallet.Wallet) (wallet.Wallet, error) {
	if s == nil || s.pool == nil {
		return wallet.Wallet{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	addr, err := wallet.NormalizeAddress(w.Address)
	if err != nil {
		return wallet.Wallet{}, err
	}
	w.Address = addr
	if err := w.Validate(); err != nil {
		return wallet.Wallet{}, err
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO contest_wallets (
			id, contest_id, contest_status, address,
			secret_iv, secret_auth_tag, secret_ciphertext, key_version,
			cached_balance, status, vanity_pattern, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::text::numeric,$10,$11,now(),now())
		RETURNING `+walletColumns,
		w.ID, nullString(w.ContestID), w.ContestStatus, w.Address,
		w.Secret.IV, w.Secret.AuthTag, w.Secret.Ciphertext, int64(w.Secret.KeyVersion),
		w.Balance().String(), string(w.Status), w.VanityPattern,
	)
	out, err := scanWallet(row)
	if err != nil {
		return wallet.Wallet{}, mapWriteErr("create wallet", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (wallet.Wallet, error) {
	if s == nil || s.pool == nil {
		return wallet.Wallet{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if id == "" {
		return wallet.Wallet{}, wallet.ErrInvalidInput
	}
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM contest_wallets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Wallet{}, wallet.ErrNotFound
		}
		return wallet.Wallet{}, storageErr("get wallet", err)
	}
	return w, nil
}

func (s *Store) GetByContest(ctx context.Context, contestID string) (wallet.Wallet, error) {
	if s == nil || s.pool == nil {
		return wallet.Wallet{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if contestID == "" {
		return wallet.Wallet{}, wallet.ErrInvalidInput
	}
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM contest_wallets WHERE contest_id = $1`, contestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Wallet{}, wallet.ErrNotFound
		}
		return wallet.Wallet{}, storageErr("get wallet by contest", err)
	}
	return w, nil
}

func (s *Store) Find(ctx context.Context, f wallet.Filter) ([]wallet.Wallet, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", wallet.ErrInvalidInput)
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+"::text[])")
	}
	if len(f.ContestStatuses) > 0 {
		where = append(where, "contest_status = ANY("+arg(f.ContestStatuses)+"::text[])")
	}
	if f.MinBalance != nil {
		where = append(where, "cached_balance >= "+arg(f.MinBalance.String())+"::text::numeric")
	}
	if f.KeyVersionNot != 0 {
		where = append(where, "key_version <> "+arg(int64(f.KeyVersionNot)))
	}

	q := `SELECT ` + walletColumns + ` FROM contest_wallets`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, storageErr("find wallets", err)
	}
	defer rows.Close()

	var out []wallet.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, storageErr("scan wallet row", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("find rows", err)
	}
	return out, nil
}

// Update applies u in one conditional statement. When no row matches, the
// current row is read back to report why.
func (s *Store) Update(ctx context.Context, id string, u wallet.Update, pre *wallet.Precondition) (wallet.Wallet, error) {
	if s == nil || s.pool == nil {
		return wallet.Wallet{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if id == "" {
		return wallet.Wallet{}, wallet.ErrInvalidInput
	}
	if err := u.Validate(); err != nil {
		return wallet.Wallet{}, err
	}

	var (
		contestID, contestStatus, status, balance any
		lastSynced                                any
		iv, tag, ct                               any
		keyVersion                                any
	)
	if u.ContestID != nil {
		contestID = *u.ContestID
	}
	if u.ContestStatus != nil {
		contestStatus = *u.ContestStatus
	}
	if u.Status != nil {
		status = string(*u.Status)
	}
	if u.CachedBalance != nil {
		balance = u.CachedBalance.String()
	}
	if u.LastSyncedAt != nil {
		lastSynced = u.LastSyncedAt.UTC()
	}
	if u.Secret != nil {
		iv, tag, ct = u.Secret.IV, u.Secret.AuthTag, u.Secret.Ciphertext
		keyVersion = int64(u.Secret.KeyVersion)
	}

	var preStatus, preBalance, preKeyVersion any
	if pre != nil {
		if pre.Status != nil {
			preStatus = string(*pre.Status)
		}
		if pre.CachedBalance != nil {
			preBalance = pre.CachedBalance.String()
		}
		if pre.KeyVersion != nil {
			preKeyVersion = int64(*pre.KeyVersion)
		}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE contest_wallets
		SET contest_id = COALESCE($2::text, contest_id),
			contest_status = COALESCE($3::text, contest_status),
			status = COALESCE($4::text, status),
			cached_balance = COALESCE($5::text::numeric, cached_balance),
			last_synced_at = COALESCE($6::timestamptz, last_synced_at),
			secret_iv = COALESCE($7::bytea, secret_iv),
			secret_auth_tag = COALESCE($8::bytea, secret_auth_tag),
			secret_ciphertext = COALESCE($9::bytea, secret_ciphertext),
			key_version = COALESCE($10::integer, key_version),
			updated_at = now()
		WHERE id = $1
			AND ($2::text IS NULL OR contest_id IS NULL OR contest_id = $2::text)
			AND ($11::text IS NULL OR status = $11::text)
			AND ($12::text IS NULL OR cached_balance = $12::text::numeric)
			AND ($13::integer IS NULL OR key_version = $13::integer)
		RETURNING `+walletColumns,
		id, contestID, contestStatus, status, balance, lastSynced, iv, tag, ct, keyVersion,
		preStatus, preBalance, preKeyVersion,
	)
	out, err := scanWallet(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return wallet.Wallet{}, mapWriteErr("update wallet", err)
	}

	cur, gerr := s.Get(ctx, id)
	if gerr != nil {
		return wallet.Wallet{}, gerr
	}
	if u.ContestID != nil && cur.ContestID != "" && cur.ContestID != *u.ContestID {
		return wallet.Wallet{}, fmt.Errorf("%w: contest id is immutable", wallet.ErrInvalidTransition)
	}
	return wallet.Wallet{}, wallet.ErrPreconditionFailed
}

func (s *Store) ClaimPooled(ctx context.Context, contestID string) (wallet.Wallet, bool, error) {
	if s == nil || s.pool == nil {
		return wallet.Wallet{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if strings.TrimSpace(contestID) == "" {
		return wallet.Wallet{}, false, wallet.ErrInvalidInput
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE contest_wallets
		SET contest_id = $1,
			status = 'active',
			updated_at = now()
		WHERE id = (
			SELECT id FROM contest_wallets
			WHERE status = 'pooled' AND contest_id IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'pooled' AND contest_id IS NULL
		RETURNING `+walletColumns, contestID)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Wallet{}, false, nil
		}
		return wallet.Wallet{}, false, mapWriteErr("claim pooled wallet", err)
	}
	return w, true, nil
}

func (s *Store) RecordTransfer(ctx context.Context, t wallet.TransferRecord) (wallet.TransferRecord, error) {
	if s == nil || s.pool == nil {
		return wallet.TransferRecord{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if t.Status == "" {
		t.Status = wallet.TransferPending
	}
	if err := t.Validate(); err != nil {
		return wallet.TransferRecord{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO wallet_transfers (
			id, wallet_id, source, destination, amount, signature, status, kind, error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5::text::numeric,$6,$7,$8,$9,now(),now())
		RETURNING `+transferColumns,
		t.ID, t.WalletID, strings.ToLower(t.Source), strings.ToLower(t.Destination), t.Amount.String(),
		t.Signature, string(t.Status), string(t.Kind), t.Error,
	)
	out, err := scanTransfer(row)
	if err != nil {
		return wallet.TransferRecord{}, mapWriteErr("record transfer", err)
	}
	return out, nil
}

func (s *Store) UpdateTransfer(ctx context.Context, id string, u wallet.TransferUpdate) (wallet.TransferRecord, error) {
	if s == nil || s.pool == nil {
		return wallet.TransferRecord{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if id == "" {
		return wallet.TransferRecord{}, wallet.ErrInvalidInput
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wallet.TransferRecord{}, storageErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanTransfer(tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM wallet_transfers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.TransferRecord{}, wallet.ErrNotFound
		}
		return wallet.TransferRecord{}, storageErr("load transfer", err)
	}
	if err := wallet.CheckTransferTransition(cur, u); err != nil {
		return wallet.TransferRecord{}, err
	}

	out, err := scanTransfer(tx.QueryRow(ctx, `
		UPDATE wallet_transfers
		SET status = $2,
			signature = CASE WHEN $3::text = '' THEN signature ELSE $3::text END,
			error = $4,
			updated_at = now()
		WHERE id = $1
		RETURNING `+transferColumns,
		id, string(u.Status), u.Signature, u.Error,
	))
	if err != nil {
		return wallet.TransferRecord{}, mapWriteErr("update transfer", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wallet.TransferRecord{}, storageErr("commit", err)
	}
	return out, nil
}

func (s *Store) ListTransfers(ctx context.Context, f wallet.TransferFilter) ([]wallet.TransferRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.WalletID != "" {
		where = append(where, "wallet_id = "+arg(f.WalletID))
	}
	if len(f.Statuses) > 0 {
		v := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			v[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(v)+"::text[])")
	}
	if len(f.Kinds) > 0 {
		v := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			v[i] = string(k)
		}
		where = append(where, "kind = ANY("+arg(v)+"::text[])")
	}

	q := `SELECT ` + transferColumns + ` FROM wallet_transfers`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list transfers", err)
	}
	defer rows.Close()

	var out []wallet.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, storageErr("scan transfer row", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("transfer rows", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (wallet.Wallet, error) {
	var (
		w          wallet.Wallet
		contestID  *string
		keyVersion int64
		balance    string
		status     string
		lastSynced *time.Time
	)
	if err := row.Scan(
		&w.ID, &contestID, &w.ContestStatus, &w.Address,
		&w.Secret.IV, &w.Secret.AuthTag, &w.Secret.Ciphertext, &keyVersion,
		&balance, &status, &w.VanityPattern, &lastSynced, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return wallet.Wallet{}, err
	}
	if contestID != nil {
		w.ContestID = *contestID
	}
	if keyVersion <= 0 || keyVersion > int64(^uint32(0)) {
		return wallet.Wallet{}, fmt.Errorf("wallet/postgres: key version out of range: %d", keyVersion)
	}
	w.Secret.KeyVersion = uint32(keyVersion)
	b, ok := new(big.Int).SetString(balance, 10)
	if !ok {
		return wallet.Wallet{}, fmt.Errorf("wallet/postgres: invalid balance %q", balance)
	}
	w.CachedBalance = b
	w.Status = wallet.Status(status)
	if lastSynced != nil {
		w.LastSyncedAt = lastSynced.UTC()
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func scanTransfer(row rowScanner) (wallet.TransferRecord, error) {
	var (
		t      wallet.TransferRecord
		amount string
		status string
		kind   string
	)
	if err := row.Scan(&t.ID, &t.WalletID, &t.Source, &t.Destination, &amount, &t.Signature, &status, &kind, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return wallet.TransferRecord{}, err
	}
	a, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return wallet.TransferRecord{}, fmt.Errorf("wallet/postgres: invalid amount %q", amount)
	}
	t.Amount = a
	t.Status = wallet.TransferStatus(status)
	t.Kind = wallet.TransferKind(kind)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func mapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			switch pgErr.ConstraintName {
			case "contest_wallets_contest_id_key":
				return wallet.ErrAlreadyBound
			case "contest_wallets_address_key":
				return wallet.ErrDuplicateAddress
			case "wallet_transfers_confirmed_signature_uniq":
				return fmt.Errorf("%w: signature already confirmed", wallet.ErrInvalidTransition)
			}
		case "23503":
			return fmt.Errorf("%w: %s", wallet.ErrNotFound, pgErr.ConstraintName)
		case "23514":
			return fmt.Errorf("%w: %s", wallet.ErrInvalidTransition, pgErr.ConstraintName)
		}
	}
	return storageErr(op, err)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", wallet.ErrStorage, op, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
