package bounty

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaManager handles database schema migrations
type SchemaManager struct {
	pool *pgxpool.Pool
}

// NewSchemaManager creates a new schema manager
func NewSchemaManager(pool *pgxpool.Pool) *SchemaManager {
	return &SchemaManager{pool: pool}
}

// Initialize creates the database schema
func (m *SchemaManager) Initialize(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, m.getSchema())
	return err
}

// Reset drops every gateway table. Test databases only.
func (m *SchemaManager) Reset(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
DROP TABLE IF EXISTS bounty_submissions;
DROP TABLE IF EXISTS bounty_metadata;
DROP TABLE IF EXISTS gateway_cursors;
`)
	return err
}

// getSchema returns the complete database schema
func (m *SchemaManager) getSchema() string {
	return `
-- One row per bounty the gateway knows about, either from the ledger
-- event stream or from a metadata POST confirmed against the ledger.
CREATE TABLE IF NOT EXISTS bounty_metadata (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  attachments TEXT[] NOT NULL DEFAULT '{}',
  creator_address TEXT NOT NULL,
  amount BIGINT NOT NULL,
  status SMALLINT NOT NULL DEFAULT 0,
  hunter_address TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  completed_at TIMESTAMPTZ,
  cancelled_at TIMESTAMPTZ,
  ledger_observed BOOLEAN NOT NULL DEFAULT FALSE,
  metadata_attached BOOLEAN NOT NULL DEFAULT FALSE
);

-- Submissions are append-only
CREATE TABLE IF NOT EXISTS bounty_submissions (
  id BIGSERIAL PRIMARY KEY,
  bounty_id TEXT NOT NULL REFERENCES bounty_metadata(id),
  sequence INT NOT NULL,
  agent_wallet TEXT NOT NULL,
  result TEXT NOT NULL,
  submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (bounty_id, sequence)
);

-- Durable event stream cursors
CREATE TABLE IF NOT EXISTS gateway_cursors (
  name TEXT PRIMARY KEY,
  position BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_bounty_metadata_backlog ON bounty_metadata(status, created_at DESC) WHERE metadata_attached;
CREATE INDEX IF NOT EXISTS idx_bounty_metadata_creator ON bounty_metadata(creator_address);
CREATE INDEX IF NOT EXISTS idx_bounty_submissions_bounty ON bounty_submissions(bounty_id, sequence);
`
}
