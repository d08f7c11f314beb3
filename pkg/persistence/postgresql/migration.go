package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Immutable, versioned workflow definitions. Exactly one version per name
			-- is active at any time.
			CREATE TABLE workflow_definitions (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL CHECK (version >= 1),
				stages JSONB NOT NULL,
				edges JSONB NOT NULL DEFAULT '[]',
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (name, version)
			);

			CREATE INDEX idx_workflow_definitions_name ON workflow_definitions(name);
			CREATE UNIQUE INDEX idx_workflow_definitions_active
				ON workflow_definitions(name) WHERE is_active;

			-- Execution rows, mutated only via version-checked updates.
			CREATE TABLE workflow_executions (
				id UUID PRIMARY KEY,
				definition_id UUID NOT NULL REFERENCES workflow_definitions(id),
				status VARCHAR(50) NOT NULL,
				context JSONB NOT NULL DEFAULT '{}',
				breaker_trips JSONB NOT NULL DEFAULT '[]',
				error_message TEXT,
				version BIGINT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_created_at ON workflow_executions(created_at);

			-- One row per (execution, stage, attempt). The partial unique index is
			-- what enforces the single live row invariant under concurrent inserts.
			CREATE TABLE stage_execution_logs (
				id UUID PRIMARY KEY,
				execution_id UUID NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
				stage_id VARCHAR(255) NOT NULL,
				attempt INTEGER NOT NULL CHECK (attempt >= 1),
				status VARCHAR(50) NOT NULL,
				not_before TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT,
				input JSONB NOT NULL DEFAULT '{}',
				output JSONB,
				version BIGINT NOT NULL
			);

			CREATE INDEX idx_stage_logs_execution_id ON stage_execution_logs(execution_id);
			CREATE INDEX idx_stage_logs_status ON stage_execution_logs(status);
			CREATE UNIQUE INDEX idx_stage_logs_single_live
				ON stage_execution_logs(execution_id, stage_id)
				WHERE status IN ('pending', 'in_progress');

			-- Append-only audit trail. Rows are never updated or deleted.
			-- seq preserves append order even when event timestamps collide.
			CREATE TABLE workflow_events (
				id UUID PRIMARY KEY,
				seq BIGSERIAL,
				execution_id UUID NOT NULL,
				type VARCHAR(100) NOT NULL,
				stage_id VARCHAR(255),
				metadata JSONB NOT NULL DEFAULT '{}',
				timestamp TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_events_execution_id ON workflow_events(execution_id);
			CREATE INDEX idx_workflow_events_seq ON workflow_events(execution_id, seq);
		`,
		2: `
			-- fatal marks a failed attempt that must not be retried; compensated_at
			-- records rollback sweep progress so interrupted sweeps resume.
			ALTER TABLE stage_execution_logs ADD COLUMN fatal BOOLEAN NOT NULL DEFAULT FALSE;
			ALTER TABLE stage_execution_logs ADD COLUMN compensated_at TIMESTAMP WITH TIME ZONE;
		`,
	}
}
