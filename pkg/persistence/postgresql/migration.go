package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow executions
			CREATE TABLE executions (
				id TEXT PRIMARY KEY,
				workflow_type VARCHAR(50) NOT NULL,
				execution_key TEXT NOT NULL,
				status VARCHAR(100) NOT NULL,
				input JSONB NOT NULL,
				result JSONB,
				error JSONB,
				cause JSONB,
				correlation_id TEXT NOT NULL,
				step_plan JSONB NOT NULL DEFAULT '[]',
				steps JSONB NOT NULL DEFAULT '[]',
				compensations JSONB NOT NULL DEFAULT '[]',
				unresolved JSONB,
				step_cursor INT NOT NULL DEFAULT 0,
				segment INT NOT NULL DEFAULT 0,
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				deadline TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				archived_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_correlation_id ON executions(correlation_id);
			CREATE INDEX idx_executions_updated_at ON executions(updated_at);

			-- Idempotency keys
			CREATE TABLE idempotency_keys (
				key TEXT PRIMARY KEY,
				state VARCHAR(20) NOT NULL CHECK (state IN ('in_flight', 'completed')),
				owner TEXT NOT NULL DEFAULT '',
				result BYTEA,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_idempotency_keys_expires_at ON idempotency_keys(expires_at);
		`,
		2: `
			-- Ledger and inventory resources
			CREATE TABLE accounts (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				closed BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE transactions (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id),
				booked_on DATE NOT NULL,
				amount_cents BIGINT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				idempotency_key TEXT NOT NULL UNIQUE,
				execution_id TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_transactions_account_id ON transactions(account_id);

			CREATE TABLE inventory_units (
				id TEXT PRIMARY KEY,
				transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
				item_id TEXT NOT NULL,
				seq INT NOT NULL,
				unit_price_cents BIGINT NOT NULL,
				expires_on DATE,
				expiry_notified_on DATE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_inventory_units_transaction_id ON inventory_units(transaction_id);
			CREATE INDEX idx_inventory_units_expires_on ON inventory_units(expires_on) WHERE expires_on IS NOT NULL;
		`,
		3: `
			-- Transactional outbox and dead letters
			CREATE TABLE outbox (
				id TEXT PRIMARY KEY,
				event_type VARCHAR(255) NOT NULL,
				idempotency_key TEXT NOT NULL UNIQUE,
				correlation_id TEXT NOT NULL,
				payload JSONB NOT NULL,
				status VARCHAR(20) NOT NULL,
				attempts INT NOT NULL DEFAULT 0,
				last_error TEXT,
				next_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				delivered_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_outbox_pending ON outbox(next_attempt_at) WHERE status = 'pending';

			CREATE TABLE dead_letters (
				id TEXT PRIMARY KEY,
				original_routing_key VARCHAR(255) NOT NULL,
				rejection_reason TEXT NOT NULL,
				original_payload BYTEA NOT NULL,
				correlation_id TEXT,
				idempotency_key TEXT,
				source VARCHAR(20) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				replayed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_dead_letters_created_at ON dead_letters(created_at);
		`,
		4: `
			-- Execution claims, optimistic versions and the compensation log
			ALTER TABLE executions
				ADD COLUMN version BIGINT NOT NULL DEFAULT 0,
				ADD COLUMN owner TEXT NOT NULL DEFAULT '',
				ADD COLUMN lease_expires_at TIMESTAMP WITH TIME ZONE,
				ADD COLUMN carry JSONB,
				ADD COLUMN compensation_depth INT NOT NULL DEFAULT 0,
				DROP COLUMN compensations;

			CREATE TABLE execution_compensations (
				execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				idx INT NOT NULL,
				step VARCHAR(100) NOT NULL,
				resource_type VARCHAR(100) NOT NULL,
				resource_ids JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (execution_id, idx)
			);
		`,
	}
}
