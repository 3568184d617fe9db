package db

const batchTable = "batch"

// SchemaSQL defines the batch history table. Outcome lists are nested
// objects, so the table stays schemaless apart from the fields queried on.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS batch SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS status ON batch TYPE string;
    DEFINE FIELD IF NOT EXISTS folder ON batch TYPE string;
    DEFINE FIELD IF NOT EXISTS files ON batch TYPE array<string>;
    DEFINE FIELD IF NOT EXISTS persisted ON batch TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS started_at ON batch TYPE datetime;
    DEFINE FIELD IF NOT EXISTS completed_at ON batch TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS recorded ON batch TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS batch_started ON batch FIELDS started_at;
    DEFINE INDEX IF NOT EXISTS batch_folder ON batch FIELDS folder;
`
