package store

// Schema is the site registry DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS registry_sites (
    id                 TEXT PRIMARY KEY,
    url                TEXT NOT NULL UNIQUE,
    domain             TEXT NOT NULL DEFAULT '',
    owner_id           TEXT NOT NULL DEFAULT '',
    last_crawled_at    INTEGER NOT NULL DEFAULT 0,
    next_crawl_at      INTEGER NOT NULL DEFAULT 0,
    frequency_hours    INTEGER NOT NULL DEFAULT 24,
    priority           INTEGER NOT NULL DEFAULT 5 CHECK(priority BETWEEN 1 AND 10),
    seo_score          INTEGER NOT NULL DEFAULT 0,
    current_size       INTEGER NOT NULL DEFAULT 0,
    optimized_size     INTEGER NOT NULL DEFAULT 0,
    reclaimed          INTEGER NOT NULL DEFAULT 0 CHECK(reclaimed >= 0),
    clamped            INTEGER NOT NULL DEFAULT 0,
    load_time_ms       INTEGER NOT NULL DEFAULT 0,
    last_crawl_id      TEXT NOT NULL DEFAULT '',
    ledger_recorded    INTEGER NOT NULL DEFAULT 0,
    record_attempts    INTEGER NOT NULL DEFAULT 0,
    record_tried_at    INTEGER NOT NULL DEFAULT 0,
    record_blocked     INTEGER NOT NULL DEFAULT 0,
    crawl_count        INTEGER NOT NULL DEFAULT 0,
    fail_count         INTEGER NOT NULL DEFAULT 0,
    last_error         TEXT NOT NULL DEFAULT '',
    slot_ids           TEXT NOT NULL DEFAULT '[]',
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registry_sites_next ON registry_sites(next_crawl_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_registry_sites_domain ON registry_sites(domain);
`
