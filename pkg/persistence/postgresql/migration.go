package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS queues (
				id TEXT PRIMARY KEY,
				key TEXT NOT NULL,
				name TEXT NOT NULL,
				folder_id TEXT,
				concurrency INTEGER NOT NULL CHECK (concurrency >= 1),
				retry_limit INTEGER NOT NULL DEFAULT 0,
				retry_delay_ms BIGINT NOT NULL DEFAULT 0,
				priority INTEGER NOT NULL DEFAULT 5,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				tags JSONB,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE IF NOT EXISTS queue_items (
				id TEXT PRIMARY KEY,
				queue_id TEXT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
				job_id TEXT,
				job_name TEXT NOT NULL,
				worker_key TEXT NOT NULL,
				worker_name TEXT,
				worker_version TEXT,
				status TEXT NOT NULL,
				payload JSONB,
				result JSONB,
				error_message TEXT,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				priority INTEGER NOT NULL DEFAULT 5,
				available_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				processing_time_ms BIGINT NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_queue_items_queue_status
				ON queue_items(queue_id, status);

			CREATE TABLE IF NOT EXISTS worker_installations (
				worker_key TEXT PRIMARY KEY,
				priority INTEGER NOT NULL DEFAULT 5,
				default_version TEXT NOT NULL,
				options JSONB NOT NULL,
				installed_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE IF NOT EXISTS triggers (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				target JSONB NOT NULL,
				configuration JSONB NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				last_run_at TIMESTAMP WITH TIME ZONE,
				next_run_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_triggers_next_run
				ON triggers(next_run_at) WHERE is_active;

			CREATE TABLE IF NOT EXISTS webhooks (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				url TEXT NOT NULL,
				events JSONB NOT NULL,
				headers JSONB,
				status TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 1,
				retry_interval_ms BIGINT NOT NULL DEFAULT 0,
				secret TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE IF NOT EXISTS webhook_deliveries (
				id TEXT PRIMARY KEY,
				webhook_id TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
				event TEXT NOT NULL,
				status TEXT NOT NULL,
				response_code INTEGER NOT NULL DEFAULT 0,
				attempt INTEGER NOT NULL,
				max_attempts INTEGER NOT NULL,
				error TEXT,
				delivered_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook
				ON webhook_deliveries(webhook_id, delivered_at);
		`,
	}
}
