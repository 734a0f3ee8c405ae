package db

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
    id           TEXT PRIMARY KEY,
    project      TEXT NOT NULL,
    node_id      TEXT NOT NULL,
    node_type    TEXT NOT NULL,
    field        TEXT NOT NULL,
    content      TEXT NOT NULL,
    produced_by  TEXT NOT NULL,
    produced_at  DATETIME NOT NULL,
    task_type    TEXT NOT NULL,
    sources      TEXT,
    verified_by  TEXT,
    verified_at  DATETIME,
    confidence   TEXT NOT NULL DEFAULT 'seed' CHECK(confidence IN ('seed','watered','sprouted','rejected')),
    review_notes TEXT,
    UNIQUE(project, node_id, field)
);

CREATE INDEX IF NOT EXISTS idx_chunks_confidence ON chunks(confidence);
CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
    id          TEXT PRIMARY KEY,
    task_name   TEXT NOT NULL,
    task_params TEXT,
    run_at      DATETIME NOT NULL,
    created_at  DATETIME NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','running','completed','failed','cancelled'))
);

CREATE TABLE IF NOT EXISTS task_runs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    task_name  TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    status     TEXT NOT NULL,
    result     TEXT
);

CREATE TABLE IF NOT EXISTS retries (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    chunk_id      TEXT NOT NULL,
    error_message TEXT NOT NULL,
    created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retries_chunk ON retries(chunk_id);
`
