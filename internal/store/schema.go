package store

import "github.com/guidow/pyfarm-master/internal/db"

// SchemaVersion identifies the fixed schema migration applied at startup.
// Unlike the teacher's artifact-driven migration, this schema is fixed by
// the render-farm data model itself — there is no user-authored DDL to diff.
const SchemaVersion = "1"

// Migration returns the fixed schema migration for the entity store.
func Migration() *db.Migration {
	return &db.Migration{
		Version: SchemaVersion,
		Up: []string{
			`CREATE TABLE IF NOT EXISTS software (
				id BIGSERIAL PRIMARY KEY,
				software TEXT NOT NULL,
				UNIQUE (software)
			)`,
			`CREATE TABLE IF NOT EXISTS software_version (
				id BIGSERIAL PRIMARY KEY,
				software_id BIGINT NOT NULL REFERENCES software(id),
				version TEXT NOT NULL,
				rank INTEGER NOT NULL,
				UNIQUE (software_id, version)
			)`,
			`CREATE TABLE IF NOT EXISTS software_requirement (
				id BIGSERIAL PRIMARY KEY,
				software_id BIGINT NOT NULL REFERENCES software(id),
				min_version BIGINT REFERENCES software_version(id),
				max_version BIGINT REFERENCES software_version(id),
				job_id BIGINT,
				jobtype_version_id BIGINT
			)`,
			`CREATE TABLE IF NOT EXISTS job_type (
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS job_type_version (
				id BIGSERIAL PRIMARY KEY,
				job_type_id BIGINT NOT NULL REFERENCES job_type(id),
				version INTEGER NOT NULL,
				class_name TEXT NOT NULL,
				code TEXT NOT NULL,
				max_batch INTEGER NOT NULL DEFAULT 1,
				batch_contiguous BOOLEAN NOT NULL DEFAULT FALSE,
				UNIQUE (job_type_id, version)
			)`,
			`CREATE TABLE IF NOT EXISTS job_queue (
				id BIGSERIAL PRIMARY KEY,
				parent_id BIGINT REFERENCES job_queue(id),
				name TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				weight INTEGER NOT NULL DEFAULT 1,
				minimum_agents INTEGER,
				maximum_agents INTEGER,
				fullpath TEXT,
				UNIQUE (parent_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS job (
				id BIGSERIAL PRIMARY KEY,
				title TEXT NOT NULL,
				job_queue_id BIGINT NOT NULL REFERENCES job_queue(id),
				jobtype_version_id BIGINT NOT NULL REFERENCES job_type_version(id),
				state TEXT NOT NULL DEFAULT '',
				priority INTEGER NOT NULL DEFAULT 0,
				weight INTEGER NOT NULL DEFAULT 1,
				batch INTEGER NOT NULL DEFAULT 1,
				by_step NUMERIC(10,4) NOT NULL DEFAULT 1,
				ram INTEGER NOT NULL DEFAULT 0,
				requeue INTEGER NOT NULL DEFAULT 3,
				minimum_agents INTEGER,
				maximum_agents INTEGER,
				time_submitted TIMESTAMPTZ NOT NULL DEFAULT now(),
				time_started TIMESTAMPTZ,
				time_finished TIMESTAMPTZ,
				to_be_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				output_link TEXT,
				data JSONB,
				environ JSONB
			)`,
			`CREATE TABLE IF NOT EXISTS job_dependency (
				parent_id BIGINT NOT NULL REFERENCES job(id),
				child_id BIGINT NOT NULL REFERENCES job(id),
				PRIMARY KEY (parent_id, child_id)
			)`,
			`CREATE TABLE IF NOT EXISTS job_notified_user (
				job_id BIGINT NOT NULL REFERENCES job(id),
				user_id BIGINT NOT NULL,
				PRIMARY KEY (job_id, user_id)
			)`,
			`CREATE TABLE IF NOT EXISTS agent (
				id BIGSERIAL PRIMARY KEY,
				hostname TEXT NOT NULL,
				ip TEXT,
				port INTEGER NOT NULL,
				remote_ip TEXT,
				cpus INTEGER NOT NULL DEFAULT 1,
				ram INTEGER NOT NULL DEFAULT 0,
				free_ram INTEGER NOT NULL DEFAULT 0,
				cpu_allocation DOUBLE PRECISION NOT NULL DEFAULT 1,
				ram_allocation DOUBLE PRECISION NOT NULL DEFAULT 1,
				state TEXT NOT NULL DEFAULT 'offline',
				last_heard_from TIMESTAMPTZ,
				time_offset INTEGER NOT NULL DEFAULT 0,
				use_address TEXT NOT NULL DEFAULT 'hostname',
				version TEXT,
				upgrade_to TEXT,
				UNIQUE (hostname, port)
			)`,
			`CREATE TABLE IF NOT EXISTS agent_software_version (
				agent_id BIGINT NOT NULL REFERENCES agent(id),
				software_version_id BIGINT NOT NULL REFERENCES software_version(id),
				PRIMARY KEY (agent_id, software_version_id)
			)`,
			`CREATE TABLE IF NOT EXISTS tag (
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL UNIQUE
			)`,
			`CREATE TABLE IF NOT EXISTS agent_tag (
				agent_id BIGINT NOT NULL REFERENCES agent(id),
				tag_id BIGINT NOT NULL REFERENCES tag(id),
				PRIMARY KEY (agent_id, tag_id)
			)`,
			`CREATE TABLE IF NOT EXISTS task (
				id BIGSERIAL PRIMARY KEY,
				job_id BIGINT NOT NULL REFERENCES job(id),
				frame NUMERIC(10,4) NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				state TEXT NOT NULL DEFAULT '',
				attempts INTEGER NOT NULL DEFAULT 0,
				failures INTEGER NOT NULL DEFAULT 0,
				agent_id BIGINT REFERENCES agent(id),
				last_error TEXT,
				time_submitted TIMESTAMPTZ,
				time_started TIMESTAMPTZ,
				time_finished TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_task_job_frame ON task(job_id, frame)`,
			`CREATE INDEX IF NOT EXISTS idx_task_agent ON task(agent_id)`,
			`CREATE TABLE IF NOT EXISTS task_log (
				id BIGSERIAL PRIMARY KEY,
				identifier TEXT NOT NULL UNIQUE
			)`,
			`CREATE TABLE IF NOT EXISTS task_log_association (
				task_log_id BIGINT NOT NULL REFERENCES task_log(id),
				task_id BIGINT NOT NULL REFERENCES task(id),
				attempt INTEGER NOT NULL,
				PRIMARY KEY (task_log_id, task_id, attempt)
			)`,
			`CREATE TABLE IF NOT EXISTS app_user (
				id BIGSERIAL PRIMARY KEY,
				email TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS notification (
				id BIGSERIAL PRIMARY KEY,
				job_id BIGINT NOT NULL REFERENCES job(id),
				success BOOLEAN NOT NULL,
				recipient TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				sent_at TIMESTAMPTZ
			)`,
		},
		Down: []string{
			`DROP TABLE IF EXISTS notification`,
			`DROP TABLE IF EXISTS app_user`,
			`DROP TABLE IF EXISTS task_log_association`,
			`DROP TABLE IF EXISTS task_log`,
			`DROP TABLE IF EXISTS task`,
			`DROP TABLE IF EXISTS agent_tag`,
			`DROP TABLE IF EXISTS tag`,
			`DROP TABLE IF EXISTS agent_software_version`,
			`DROP TABLE IF EXISTS agent`,
			`DROP TABLE IF EXISTS job_notified_user`,
			`DROP TABLE IF EXISTS job_dependency`,
			`DROP TABLE IF EXISTS job`,
			`DROP TABLE IF EXISTS job_queue`,
			`DROP TABLE IF EXISTS job_type_version`,
			`DROP TABLE IF EXISTS job_type`,
			`DROP TABLE IF EXISTS software_requirement`,
			`DROP TABLE IF EXISTS software_version`,
			`DROP TABLE IF EXISTS software`,
		},
	}
}
