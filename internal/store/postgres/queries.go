package postgres

const queryEnsureAutomation = `
INSERT INTO automations (code, name, status, endpoint_url, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, '{}'::jsonb, $5, $5)
ON CONFLICT (code) DO UPDATE
SET name = EXCLUDED.name
`

const queryGetAutomation = `
SELECT code, name, status, endpoint_url, last_run_at, metadata, created_at, updated_at
FROM automations
WHERE code = $1
`

const queryListAutomations = `
SELECT code, name, status, endpoint_url, last_run_at, metadata, created_at, updated_at
FROM automations
ORDER BY code
`

const queryUpdateAutomationStatus = `
UPDATE automations
SET status = $2,
    last_run_at = $3,
    metadata = metadata || jsonb_build_object('summary', $4::text),
    updated_at = $3
WHERE code = $1
`

const queryInsertExecution = `
INSERT INTO automation_executions (automation_code, run_id, source, status, started_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`

// Guarded on status so a record is finalized at most once.
const queryFinishExecution = `
UPDATE automation_executions
SET status = $2, logs = $3, result = $4, finished_at = $5
WHERE id = $1
  AND status = 'running'
`

const queryGetExecutionStatus = `
SELECT status FROM automation_executions WHERE id = $1
`

const queryListExecutions = `
SELECT id, automation_code, run_id, source, status, started_at, finished_at, logs, result
FROM automation_executions
WHERE automation_code = $1
ORDER BY started_at DESC, id DESC
LIMIT $2 OFFSET $3
`

const queryGetStaleExecutions = `
SELECT id, automation_code, run_id, source, status, started_at, finished_at, logs, result
FROM automation_executions
WHERE status = 'running'
  AND started_at < $1
ORDER BY started_at ASC
LIMIT $2
`

const queryGetAssetByExternalID = `
SELECT id, external_id, group_name, period, remote_path, local_path, file_name, status, created_at, updated_at
FROM source_assets
WHERE external_id = $1
`

const queryUpsertAsset = `
INSERT INTO source_assets (external_id, group_name, period, remote_path, local_path, file_name, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (external_id) DO UPDATE
SET group_name = EXCLUDED.group_name,
    period = EXCLUDED.period,
    remote_path = EXCLUDED.remote_path,
    local_path = EXCLUDED.local_path,
    file_name = EXCLUDED.file_name,
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at
RETURNING id, created_at
`

const queryListAssets = `
SELECT id, external_id, group_name, period, remote_path, local_path, file_name, status, created_at, updated_at
FROM source_assets
ORDER BY created_at DESC, id DESC
LIMIT $1 OFFSET $2
`
