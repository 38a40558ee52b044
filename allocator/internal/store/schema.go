package store

// Schema is the allocator DDL. Bridge space counters are not stored: they
// are recomputed from the slots at load.
const Schema = `
CREATE TABLE IF NOT EXISTS alloc_bridges (
    id                TEXT PRIMARY KEY,
    site_id           TEXT NOT NULL UNIQUE,
    source_url        TEXT NOT NULL,
    efficiency        INTEGER NOT NULL DEFAULT 0 CHECK(efficiency BETWEEN 0 AND 100),
    reclaimed         INTEGER NOT NULL DEFAULT 0,
    current_size      INTEGER NOT NULL DEFAULT 0,
    optimized_size    INTEGER NOT NULL DEFAULT 0,
    seo_score         INTEGER NOT NULL DEFAULT 0,
    last_optimized_at INTEGER NOT NULL DEFAULT 0,
    next_optimize_at  INTEGER NOT NULL DEFAULT 0,
    modified_at       INTEGER NOT NULL,
    created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alloc_slots (
    id            TEXT PRIMARY KEY,
    bridge_id     TEXT NOT NULL REFERENCES alloc_bridges(id),
    site_id       TEXT NOT NULL,
    idx           INTEGER NOT NULL,
    size          INTEGER NOT NULL CHECK(size > 0),
    kind          TEXT NOT NULL,
    price         TEXT NOT NULL,
    archived      INTEGER NOT NULL DEFAULT 0,
    orphaned      INTEGER NOT NULL DEFAULT 0,
    occupied      INTEGER NOT NULL DEFAULT 0,
    occupant_id   TEXT NOT NULL DEFAULT '',
    allocation_id TEXT NOT NULL DEFAULT '',
    expires_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alloc_slots_bridge ON alloc_slots(bridge_id, idx);
CREATE INDEX IF NOT EXISTS idx_alloc_slots_occupant ON alloc_slots(occupant_id) WHERE occupant_id != '';

CREATE TABLE IF NOT EXISTS alloc_allocations (
    id              TEXT PRIMARY KEY,
    consumer_id     TEXT NOT NULL,
    requested       INTEGER NOT NULL,
    physical        INTEGER NOT NULL,
    effective       INTEGER NOT NULL,
    bonus           INTEGER NOT NULL DEFAULT 0,
    charge          TEXT NOT NULL,
    tx_id           TEXT NOT NULL DEFAULT '',
    legs            TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    expires_at      INTEGER NOT NULL DEFAULT 0,
    released_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alloc_allocations_consumer ON alloc_allocations(consumer_id, created_at DESC);
`
