package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
//
// The SQL is shared by SQLite and PostgreSQL, so it sticks to TEXT,
// INTEGER and BIGINT columns. Timestamps are RFC 3339 text and the
// insertion sequence is a unix-nano BIGINT.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS emails (
	uid          TEXT PRIMARY KEY,
	sender       TEXT NOT NULL DEFAULT '',
	sender_fold  TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	attachments  TEXT NOT NULL DEFAULT '',
	sent_at      TEXT,
	is_read      INTEGER NOT NULL DEFAULT 0,
	created_at   BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS recipients (
	email_uid    TEXT NOT NULL REFERENCES emails(uid) ON DELETE CASCADE,
	kind         TEXT NOT NULL CHECK(kind IN ('to', 'cc', 'bcc')),
	position     INTEGER NOT NULL,
	address      TEXT NOT NULL,
	address_fold TEXT NOT NULL,
	PRIMARY KEY (email_uid, kind, position)
);

CREATE INDEX IF NOT EXISTS idx_emails_sender_fold ON emails(sender_fold);
CREATE INDEX IF NOT EXISTS idx_emails_sent_at ON emails(sent_at);
CREATE INDEX IF NOT EXISTS idx_emails_created_at ON emails(created_at);
CREATE INDEX IF NOT EXISTS idx_recipients_address_fold ON recipients(address_fold);
CREATE INDEX IF NOT EXISTS idx_recipients_email_uid ON recipients(email_uid);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	name_fold   TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL DEFAULT '',
	email_fold  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_name_fold ON accounts(name_fold);
CREATE INDEX IF NOT EXISTS idx_accounts_email_fold ON accounts(email_fold);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
