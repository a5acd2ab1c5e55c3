package store

// Schema for the control-plane database. Executed with CREATE ... IF NOT
// EXISTS so every replica can run it at boot; the statements are ordered so
// foreign keys resolve.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS source_databases (
		id          BIGSERIAL PRIMARY KEY,
		db_code     TEXT NOT NULL UNIQUE,
		db_type     TEXT NOT NULL,
		host        TEXT NOT NULL,
		port        INTEGER NOT NULL,
		db_name     TEXT NOT NULL,
		user_name   TEXT NOT NULL,
		password    TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS loaders (
		id                            BIGSERIAL PRIMARY KEY,
		loader_code                   TEXT NOT NULL,
		sql_text                      TEXT NOT NULL,
		source_database_id            BIGINT NOT NULL REFERENCES source_databases(id),
		min_interval_seconds          INTEGER NOT NULL,
		max_interval_seconds          INTEGER NOT NULL,
		max_query_period_seconds      INTEGER NOT NULL,
		max_parallel_executions       INTEGER NOT NULL,
		purge_strategy                TEXT NOT NULL,
		source_timezone_offset_hours  INTEGER NOT NULL DEFAULT 0,
		aggregation_period_seconds    INTEGER,
		last_load_timestamp           TIMESTAMPTZ,
		failed_since                  TIMESTAMPTZ,
		consecutive_zero_record_runs  INTEGER NOT NULL DEFAULT 0,
		load_status                   TEXT NOT NULL DEFAULT 'IDLE',
		enabled                       BOOLEAN NOT NULL DEFAULT FALSE,
		approval_status               TEXT NOT NULL DEFAULT 'PENDING_APPROVAL',
		version_number                INTEGER NOT NULL DEFAULT 1,
		parent_version_id             BIGINT,
		version_status                TEXT NOT NULL DEFAULT 'DRAFT',
		description                   TEXT NOT NULL DEFAULT '',
		created_by                    TEXT NOT NULL DEFAULT '',
		created_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at                    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// One ACTIVE version per loader code.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_loaders_active
		ON loaders (loader_code) WHERE version_status = 'ACTIVE'`,

	`CREATE TABLE IF NOT EXISTS loader_archive (
		id                  BIGSERIAL PRIMARY KEY,
		loader_code         TEXT NOT NULL,
		version_number      INTEGER NOT NULL,
		source_database_id  BIGINT NOT NULL,
		sql_text            TEXT NOT NULL,
		version_status      TEXT NOT NULL,
		archived_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		archived_by         TEXT NOT NULL DEFAULT '',
		archive_reason      TEXT NOT NULL DEFAULT '',
		rejected_by         TEXT NOT NULL DEFAULT '',
		rejected_at         TIMESTAMPTZ,
		rejection_reason    TEXT NOT NULL DEFAULT '',
		snapshot            TEXT NOT NULL DEFAULT '',
		UNIQUE (loader_code, version_number)
	)`,

	`CREATE TABLE IF NOT EXISTS signal_history (
		id              BIGSERIAL PRIMARY KEY,
		loader_code     TEXT NOT NULL,
		load_timestamp  BIGINT NOT NULL,
		segment_code    INTEGER NOT NULL,
		rec_count       BIGINT NOT NULL DEFAULT 0,
		min_value       DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_value       DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_value       DOUBLE PRECISION NOT NULL DEFAULT 0,
		sum_value       DOUBLE PRECISION NOT NULL DEFAULT 0,
		create_time     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (loader_code, load_timestamp, segment_code)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_signal_history_range
		ON signal_history (loader_code, load_timestamp)`,

	`CREATE TABLE IF NOT EXISTS segment_combinations (
		id            BIGSERIAL PRIMARY KEY,
		loader_code   TEXT NOT NULL,
		segment_code  INTEGER NOT NULL,
		segment1 TEXT, segment2 TEXT, segment3 TEXT, segment4 TEXT, segment5 TEXT,
		segment6 TEXT, segment7 TEXT, segment8 TEXT, segment9 TEXT, segment10 TEXT,
		UNIQUE (loader_code, segment_code)
	)`,
	// Two replicas allocating the same new tuple must collide here so the
	// loser re-reads the winner's code. NULLS NOT DISTINCT makes absent
	// segment positions compare equal, matching the lookup's
	// IS NOT DISTINCT FROM semantics.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_segment_combinations_tuple
		ON segment_combinations (loader_code,
			segment1, segment2, segment3, segment4, segment5,
			segment6, segment7, segment8, segment9, segment10)
		NULLS NOT DISTINCT`,

	`CREATE TABLE IF NOT EXISTS loader_execution_locks (
		lock_id       UUID PRIMARY KEY,
		loader_code   TEXT NOT NULL,
		replica_name  TEXT NOT NULL,
		acquired_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		released_at   TIMESTAMPTZ,
		released      BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS ix_locks_active
		ON loader_execution_locks (loader_code) WHERE released = FALSE`,

	`CREATE TABLE IF NOT EXISTS load_history (
		id                BIGSERIAL PRIMARY KEY,
		loader_code       TEXT NOT NULL,
		replica_name      TEXT NOT NULL,
		start_time        TIMESTAMPTZ NOT NULL DEFAULT now(),
		end_time          TIMESTAMPTZ,
		query_from_time   TIMESTAMPTZ NOT NULL,
		query_to_time     TIMESTAMPTZ NOT NULL,
		actual_from_time  TIMESTAMPTZ,
		actual_to_time    TIMESTAMPTZ,
		records_loaded    BIGINT NOT NULL DEFAULT 0,
		records_ingested  BIGINT NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		error_message     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS ix_load_history_loader_start
		ON load_history (loader_code, start_time DESC)`,

	`CREATE TABLE IF NOT EXISTS backfill_jobs (
		id                BIGSERIAL PRIMARY KEY,
		loader_code       TEXT NOT NULL,
		from_epoch        BIGINT NOT NULL,
		to_epoch          BIGINT NOT NULL,
		purge_strategy    TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'PENDING',
		requested_by      TEXT NOT NULL,
		requested_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		replica_name      TEXT NOT NULL DEFAULT '',
		start_time        TIMESTAMPTZ,
		end_time          TIMESTAMPTZ,
		records_purged    BIGINT NOT NULL DEFAULT 0,
		records_loaded    BIGINT NOT NULL DEFAULT 0,
		records_ingested  BIGINT NOT NULL DEFAULT 0,
		error_message     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS ix_backfill_jobs_loader
		ON backfill_jobs (loader_code, status)`,

	`CREATE TABLE IF NOT EXISTS approval_requests (
		id               BIGSERIAL PRIMARY KEY,
		entity_type      TEXT NOT NULL,
		entity_id        TEXT NOT NULL,
		request_type     TEXT NOT NULL,
		request_data     TEXT NOT NULL,
		approval_status  TEXT NOT NULL DEFAULT 'PENDING_APPROVAL',
		requested_by     TEXT NOT NULL,
		requested_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		materialized     BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// One open request per entity.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_approval_requests_pending
		ON approval_requests (entity_type, entity_id)
		WHERE approval_status = 'PENDING_APPROVAL'`,

	`CREATE TABLE IF NOT EXISTS approval_actions (
		id               BIGSERIAL PRIMARY KEY,
		request_id       BIGINT NOT NULL REFERENCES approval_requests(id),
		action_type      TEXT NOT NULL,
		action_by        TEXT NOT NULL,
		action_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		previous_status  TEXT NOT NULL,
		new_status       TEXT NOT NULL,
		justification    TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS config_plans (
		id           BIGSERIAL PRIMARY KEY,
		parent       TEXT NOT NULL,
		plan_name    TEXT NOT NULL,
		is_active    BOOLEAN NOT NULL DEFAULT FALSE,
		description  TEXT NOT NULL DEFAULT '',
		created_by   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (parent, plan_name)
	)`,
	// One active plan per parent namespace.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_config_plans_active
		ON config_plans (parent) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS config_values (
		id       BIGSERIAL PRIMARY KEY,
		plan_id  BIGINT NOT NULL REFERENCES config_plans(id) ON DELETE CASCADE,
		key      TEXT NOT NULL,
		value    TEXT NOT NULL,
		UNIQUE (plan_id, key)
	)`,

	`CREATE TABLE IF NOT EXISTS api_endpoints (
		id             BIGSERIAL PRIMARY KEY,
		method         TEXT NOT NULL,
		path           TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		discovered_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (method, path)
	)`,
}
