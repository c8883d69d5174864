package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		current_owner TEXT NOT NULL,
		last_applied_block BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS assets_current_owner_idx ON assets (current_owner)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		asset_id TEXT NOT NULL,
		block_number BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index BIGINT NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (asset_id, block_number, tx_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS transfers_block_number_idx ON transfers (block_number DESC)`,
	`CREATE INDEX IF NOT EXISTS transfers_asset_id_idx ON transfers (asset_id)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		asset_id TEXT NOT NULL,
		block_number BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index BIGINT NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		last_error TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		first_failed_at TIMESTAMPTZ NOT NULL,
		last_attempt_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (asset_id, block_number, tx_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS dead_letters_first_failed_at_idx ON dead_letters (first_failed_at)`,
}
