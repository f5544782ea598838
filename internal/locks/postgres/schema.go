package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS custody_locks (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT custody_locks_owner_nonempty CHECK (owner <> '')
);

CREATE INDEX IF NOT EXISTS custody_locks_expires_at_idx ON custody_locks (expires_at);
`
