package sqlite

var schema = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		current_owner TEXT NOT NULL,
		last_applied_block INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS assets_current_owner_idx ON assets (current_owner)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		asset_id TEXT NOT NULL,
		block_number INTEGER NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index INTEGER NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		observed_at INTEGER NOT NULL,
		PRIMARY KEY (asset_id, block_number, tx_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS transfers_block_number_idx ON transfers (block_number DESC)`,
	`CREATE INDEX IF NOT EXISTS transfers_asset_id_idx ON transfers (asset_id)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		asset_id TEXT NOT NULL,
		block_number INTEGER NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index INTEGER NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		last_error TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		first_failed_at INTEGER NOT NULL,
		last_attempt_at INTEGER NOT NULL,
		PRIMARY KEY (asset_id, block_number, tx_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS dead_letters_first_failed_at_idx ON dead_letters (first_failed_at)`,
}
