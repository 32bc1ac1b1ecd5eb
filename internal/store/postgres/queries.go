package postgres

// scheduleColumns is the canonical column order shared by every query
// that reads or returns a schedule row.
const scheduleColumns = `
    id, scope_type, organization_id, tenant_id,
    schedule_type, schedule_value, timezone,
    target_type, target_queue, target_command, target_payload,
    require_feature, enabled, last_run_at, next_run_at,
    source_type, source_module,
    created_at, updated_at, created_by, updated_by, deleted_at`

const queryInsert = `
INSERT INTO scheduled_jobs (
    id, scope_type, organization_id, tenant_id,
    schedule_type, schedule_value, timezone,
    target_type, target_queue, target_command, target_payload,
    require_feature, enabled, last_run_at, next_run_at,
    source_type, source_module,
    created_at, updated_at, created_by, updated_by
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
RETURNING` + scheduleColumns

const queryGetByID = `
SELECT` + scheduleColumns + `
FROM scheduled_jobs
WHERE id = $1
  AND deleted_at IS NULL
`

const querySelectForUpdate = `
SELECT` + scheduleColumns + `
FROM scheduled_jobs
WHERE id = $1
  AND deleted_at IS NULL
FOR UPDATE
`

const queryExists = `
SELECT EXISTS (
    SELECT 1 FROM scheduled_jobs
    WHERE id = $1
      AND deleted_at IS NULL
)
`

const queryUpdateDefinition = `
UPDATE scheduled_jobs
SET schedule_type = $2,
    schedule_value = $3,
    timezone = $4,
    target_type = $5,
    target_queue = $6,
    target_command = $7,
    target_payload = $8,
    require_feature = $9,
    enabled = $10,
    next_run_at = $11,
    source_type = $12,
    source_module = $13,
    updated_at = $14,
    updated_by = $15
WHERE id = $1
  AND deleted_at IS NULL
RETURNING` + scheduleColumns

const querySoftDelete = `
UPDATE scheduled_jobs
SET deleted_at = $2,
    updated_at = $2,
    updated_by = $3
WHERE id = $1
  AND deleted_at IS NULL
RETURNING` + scheduleColumns

const queryUpdateRunTimes = `
UPDATE scheduled_jobs
SET last_run_at = $2,
    next_run_at = $3,
    updated_at = $4
WHERE id = $1
  AND deleted_at IS NULL
RETURNING` + scheduleColumns

const queryUpdateNextRun = `
UPDATE scheduled_jobs
SET next_run_at = $2,
    updated_at = $3
WHERE id = $1
  AND deleted_at IS NULL
RETURNING` + scheduleColumns

const queryUpdateLastRun = `
UPDATE scheduled_jobs
SET last_run_at = $2,
    updated_at = $3
WHERE id = $1
  AND deleted_at IS NULL
RETURNING` + scheduleColumns

const queryListDue = `
SELECT` + scheduleColumns + `
FROM scheduled_jobs
WHERE enabled = true
  AND deleted_at IS NULL
  AND next_run_at IS NOT NULL
  AND next_run_at <= $1
ORDER BY next_run_at ASC
LIMIT $2
`

const queryListActive = `
SELECT` + scheduleColumns + `
FROM scheduled_jobs
WHERE enabled = true
  AND deleted_at IS NULL
ORDER BY created_at ASC
`

const queryListByModule = `
SELECT` + scheduleColumns + `
FROM scheduled_jobs
WHERE source_module = $1
  AND deleted_at IS NULL
ORDER BY created_at ASC
`

const queryList = `
SELECT` + scheduleColumns + `
FROM scheduled_jobs
WHERE deleted_at IS NULL
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`
