package db

const Schema = `
CREATE TABLE IF NOT EXISTS claim_attempts (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id INTEGER NOT NULL,
    url      TEXT NOT NULL,
    outcome  TEXT NOT NULL,
    detail   TEXT NOT NULL DEFAULT '',
    at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS claim_attempts_at ON claim_attempts (at);
`
