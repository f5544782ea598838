package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS contest_wallets (
	id TEXT PRIMARY KEY,
	contest_id TEXT,
	contest_status TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL,

	secret_iv BYTEA NOT NULL,
	secret_auth_tag BYTEA NOT NULL,
	secret_ciphertext BYTEA NOT NULL,
	key_version INTEGER NOT NULL,

	cached_balance NUMERIC(78,0) NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	vanity_pattern TEXT NOT NULL DEFAULT '',
	last_synced_at TIMESTAMPTZ,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT contest_wallets_address_key UNIQUE (address),
	CONSTRAINT contest_wallets_contest_id_key UNIQUE (contest_id),
	CONSTRAINT contest_wallets_address_format CHECK (address ~ '^0x[0-9a-f]{40}$'),
	CONSTRAINT contest_wallets_contest_nonempty CHECK (contest_id IS NULL OR contest_id <> ''),
	CONSTRAINT contest_wallets_status_valid CHECK (status IN ('pooled', 'active', 'completed', 'reclaimed')),
	CONSTRAINT contest_wallets_pool_binding CHECK ((status = 'pooled') = (contest_id IS NULL)),
	CONSTRAINT contest_wallets_balance_nonneg CHECK (cached_balance >= 0),
	CONSTRAINT contest_wallets_iv_len CHECK (octet_length(secret_iv) = 12),
	CONSTRAINT contest_wallets_tag_len CHECK (octet_length(secret_auth_tag) = 16),
	CONSTRAINT contest_wallets_ciphertext_nonempty CHECK (octet_length(secret_ciphertext) > 0),
	CONSTRAINT contest_wallets_key_version_pos CHECK (key_version > 0)
);

CREATE INDEX IF NOT EXISTS contest_wallets_pool_idx ON contest_wallets (created_at, id) WHERE status = 'pooled' AND contest_id IS NULL;
CREATE INDEX IF NOT EXISTS contest_wallets_status_idx ON contest_wallets (status, contest_status);

CREATE TABLE IF NOT EXISTS wallet_transfers (
	id TEXT PRIMARY KEY,
	wallet_id TEXT NOT NULL REFERENCES contest_wallets(id),
	source TEXT NOT NULL,
	destination TEXT NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	kind TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT wallet_transfers_amount_pos CHECK (amount > 0),
	CONSTRAINT wallet_transfers_status_valid CHECK (status IN ('pending', 'confirmed', 'failed')),
	CONSTRAINT wallet_transfers_kind_valid CHECK (kind IN ('reclaim', 'payout', 'funding')),
	CONSTRAINT wallet_transfers_confirmed_signed CHECK (status <> 'confirmed' OR signature <> '')
);

CREATE UNIQUE INDEX IF NOT EXISTS wallet_transfers_confirmed_signature_uniq ON wallet_transfers (signature) WHERE status = 'confirmed';
CREATE INDEX IF NOT EXISTS wallet_transfers_wallet_idx ON wallet_transfers (wallet_id, created_at);
CREATE INDEX IF NOT EXISTS wallet_transfers_status_idx ON wallet_transfers (status);
`
