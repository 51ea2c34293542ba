package db

// SchemaSQL defines the job and chunk tables.
const SchemaSQL = `
    -- ==========================================================================
    -- INGEST_JOB TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS ingest_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON ingest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS repo_url ON ingest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS repo_owner ON ingest_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS name ON ingest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON ingest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS progress ON ingest_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS total_files ON ingest_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS processed_files ON ingest_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS skipped_files ON ingest_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS total_chunks ON ingest_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS total_lines ON ingest_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS files_by_language ON ingest_job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS local_path ON ingest_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS warnings ON ingest_job TYPE option<array<string>>;
    DEFINE FIELD IF NOT EXISTS status_times ON ingest_job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS error ON ingest_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS error_trace ON ingest_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON ingest_job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON ingest_job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS completed_at ON ingest_job TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS ingest_job_status ON ingest_job FIELDS status;
    DEFINE INDEX IF NOT EXISTS ingest_job_created ON ingest_job FIELDS created_at;

    -- ==========================================================================
    -- CHUNK TABLE
    -- ==========================================================================
    -- Record IDs are <job_id>-<seq>, so re-inserting a job's chunks is a no-op
    DEFINE TABLE IF NOT EXISTS chunk SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS chunk_id ON chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS job_id ON chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS file_path ON chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS language ON chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS content ON chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS start_char ON chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS end_char ON chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS start_line ON chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS end_line ON chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS token_count ON chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS created_at ON chunk TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS chunk_job ON chunk FIELDS job_id;
    DEFINE INDEX IF NOT EXISTS chunk_job_path ON chunk FIELDS job_id, file_path;
`
