package sqlite

import "database/sql"

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id             TEXT PRIMARY KEY,
    client         TEXT NOT NULL DEFAULT '',
    source_hash    TEXT NOT NULL DEFAULT '',
    source         TEXT NOT NULL DEFAULT '',
    stage          TEXT NOT NULL
                   CHECK(stage IN ('validation','compilation','execution')),
    success        INTEGER NOT NULL DEFAULT 0,
    exit_code      INTEGER NOT NULL DEFAULT 0,
    duration_ms    INTEGER NOT NULL DEFAULT 0,
    error          TEXT NOT NULL DEFAULT '',
    stdout         TEXT NOT NULL DEFAULT '',
    stderr         TEXT NOT NULL DEFAULT '',
    created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_client_stage ON executions(client, stage, created_at);
`

// v2 records the timeout and truncation flags separately from the error text.
const schemaV2 = `
ALTER TABLE executions ADD COLUMN timed_out INTEGER NOT NULL DEFAULT 0;
ALTER TABLE executions ADD COLUMN truncated INTEGER NOT NULL DEFAULT 0;
`

func runMigrations(db *sql.DB) error {
	// Check current version
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty; run initial schema
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}
	if current < 2 {
		if _, err := db.Exec(schemaV2); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
