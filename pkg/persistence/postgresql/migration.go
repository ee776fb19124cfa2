package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				slug VARCHAR(255),
				name VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX idx_workflows_slug ON workflows(slug) WHERE slug IS NOT NULL;

			CREATE TABLE workflow_nodes (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				kind VARCHAR(255) NOT NULL,
				config JSONB NOT NULL DEFAULT '{}',
				interrupt_before BOOLEAN NOT NULL DEFAULT false,
				interrupt_after BOOLEAN NOT NULL DEFAULT false,
				position INT NOT NULL DEFAULT 0,
				PRIMARY KEY (workflow_id, id)
			);

			CREATE TABLE workflow_edges (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				source VARCHAR(255) NOT NULL,
				target VARCHAR(255) NOT NULL DEFAULT '',
				label VARCHAR(50) NOT NULL DEFAULT '',
				condition_mapping JSONB,
				priority INT NOT NULL DEFAULT 0,
				position INT NOT NULL DEFAULT 0,
				PRIMARY KEY (workflow_id, id)
			);

			CREATE INDEX idx_workflow_edges_source ON workflow_edges(workflow_id, source);
		`,
		2: `
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				trigger_node_id VARCHAR(255) NOT NULL DEFAULT '',
				scheduled_job_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'interrupted', 'completed', 'failed', 'cancelled')),
				trigger_payload JSONB,
				final_output JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				nodes_executed INT NOT NULL DEFAULT 0,
				parent_execution_id VARCHAR(255),
				parent_node_id VARCHAR(255),
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_executions_status_started_at ON executions(status, started_at);
			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id);
			CREATE INDEX idx_executions_parent ON executions(parent_execution_id);

			CREATE TABLE execution_logs (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				attempt INT NOT NULL DEFAULT 0,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				output JSONB,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				seq BIGSERIAL
			);

			CREATE INDEX idx_execution_logs_execution ON execution_logs(execution_id, seq);

			CREATE TABLE pending_tasks (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL UNIQUE REFERENCES executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				prompt TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_pending_tasks_expires_at ON pending_tasks(expires_at);
		`,
		3: `
			CREATE TABLE scheduled_jobs (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				workflow_id VARCHAR(255) NOT NULL,
				trigger_node_id VARCHAR(255) NOT NULL,
				payload JSONB,
				interval_seconds INT NOT NULL CHECK (interval_seconds > 0),
				total_repeats INT NOT NULL DEFAULT 0,
				max_retries INT NOT NULL DEFAULT 0,
				timeout_seconds INT NOT NULL DEFAULT 0,
				current_repeat INT NOT NULL DEFAULT 0,
				current_retry INT NOT NULL DEFAULT 0,
				status VARCHAR(50) NOT NULL CHECK (status IN ('active', 'paused', 'done', 'dead')),
				run_count INT NOT NULL DEFAULT 0,
				error_count INT NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				last_execution_id VARCHAR(255) NOT NULL DEFAULT '',
				last_run_at TIMESTAMP WITH TIME ZONE,
				next_run_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_scheduled_jobs_status_next_run ON scheduled_jobs(status, next_run_at);
		`,
	}
}
