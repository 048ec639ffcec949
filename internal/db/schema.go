package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- JOB TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_type ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON job TYPE string DEFAULT 'PENDING'
        ASSERT $value IN ['PENDING', 'PROCESSING', 'SUCCESS', 'FAILED'];
    DEFINE FIELD IF NOT EXISTS task_handle ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS trace_id ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS org_id ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS project_id ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS callback_url ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS error_message ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS result_reference ON job FLEXIBLE TYPE option<object>;
    DEFINE FIELD IF NOT EXISTS created_at ON job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON job TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS job_status ON job FIELDS status;
    DEFINE INDEX IF NOT EXISTS job_task_handle ON job FIELDS task_handle;
    DEFINE INDEX IF NOT EXISTS job_project ON job FIELDS project_id;
`
