package database

const schema = `
CREATE TABLE IF NOT EXISTS email_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL,
    host TEXT NOT NULL,
    port INTEGER NOT NULL DEFAULT 993,
    username TEXT NOT NULL,
    password TEXT NOT NULL,
    use_tls BOOLEAN DEFAULT true,
    source_folder TEXT NOT NULL DEFAULT 'INBOX',
    quarantine_folder TEXT NOT NULL DEFAULT 'Quarantine',
    idle_timeout_secs INTEGER DEFAULT 0,
    keepalive_secs INTEGER DEFAULT 0,
    is_active BOOLEAN DEFAULT true,
    last_error TEXT NOT NULL DEFAULT '',
    last_checked_at DATETIME,
    uid_validity INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(email, source_folder)
);

CREATE TABLE IF NOT EXISTS email_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
    direction TEXT NOT NULL DEFAULT 'inbound',
    state TEXT NOT NULL DEFAULT 'FETCHED',
    from_addr TEXT NOT NULL DEFAULT '',
    from_name TEXT NOT NULL DEFAULT '',
    recipients TEXT NOT NULL DEFAULT '[]',
    subject TEXT NOT NULL DEFAULT '',
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    raw BLOB,
    raw_path TEXT NOT NULL DEFAULT '',
    original_uid INTEGER,
    internal_date DATETIME,
    captured_at DATETIME NOT NULL,
    action_at DATETIME,
    latency_ms INTEGER,
    released_msg_id TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, original_uid)
);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
    worker_id TEXT PRIMARY KEY,
    last_seen DATETIME NOT NULL,
    status TEXT NOT NULL DEFAULT '',
    error_count INTEGER NOT NULL DEFAULT 0,
    stop_requested BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_accounts_active ON email_accounts(is_active);
CREATE INDEX IF NOT EXISTS idx_messages_account ON email_messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_state ON email_messages(state);
`
