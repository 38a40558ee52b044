package store

// Schema is the ledger DDL. Amounts are decimal strings, timestamps unix
// milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
    id              TEXT PRIMARY KEY,
    balance         TEXT NOT NULL DEFAULT '0',
    staked          TEXT NOT NULL DEFAULT '0',
    pending_rewards TEXT NOT NULL DEFAULT '0',
    total_earned    TEXT NOT NULL DEFAULT '0',
    total_spent     TEXT NOT NULL DEFAULT '0',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL CHECK(kind IN ('reward','purchase','transfer','stake','unstake','fee')),
    from_account TEXT NOT NULL,
    to_account   TEXT NOT NULL,
    amount       TEXT NOT NULL,
    memo         TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL CHECK(status IN ('pending','completed','failed')),
    error        TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_tx_from ON ledger_transactions(from_account, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_tx_to ON ledger_transactions(to_account, created_at DESC);

CREATE TABLE IF NOT EXISTS ledger_stakes (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL REFERENCES ledger_accounts(id),
    amount       TEXT NOT NULL,
    apy          TEXT NOT NULL,
    lock_days    INTEGER NOT NULL,
    started_at   INTEGER NOT NULL,
    accrued_days INTEGER NOT NULL DEFAULT 0,
    accrued      TEXT NOT NULL DEFAULT '0',
    status       TEXT NOT NULL CHECK(status IN ('active','matured','withdrawn')),
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_stakes_status ON ledger_stakes(status);
CREATE INDEX IF NOT EXISTS idx_ledger_stakes_account ON ledger_stakes(account_id);

CREATE TABLE IF NOT EXISTS ledger_listings (
    id        TEXT PRIMARY KEY,
    kind      TEXT NOT NULL,
    asset_id  TEXT NOT NULL,
    seller_id TEXT NOT NULL,
    price     TEXT NOT NULL,
    status    TEXT NOT NULL CHECK(status IN ('active','sold','cancelled')),
    listed_at INTEGER NOT NULL,
    sold_at   INTEGER,
    buyer_id  TEXT,
    fee       TEXT NOT NULL DEFAULT '0'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_listings_active_asset
    ON ledger_listings(asset_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS ledger_state (
    id           INTEGER PRIMARY KEY CHECK(id = 1),
    rewards_pool TEXT NOT NULL,
    burned       TEXT NOT NULL DEFAULT '0',
    circulating  TEXT NOT NULL DEFAULT '0',
    staking_paid TEXT NOT NULL DEFAULT '0',
    updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_optimizations (
    site_id     TEXT NOT NULL,
    crawl_id    TEXT NOT NULL,
    account_id  TEXT NOT NULL,
    bytes_saved INTEGER NOT NULL,
    seo_score   INTEGER NOT NULL,
    tx_id       TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (site_id, crawl_id)
);
`
