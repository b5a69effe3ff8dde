// Package sqlite persists budget ledgers and usage records in SQLite.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
	"github.com/wayfarerhq/llm-gateway/internal/storage"
)

// Store is the SQLite implementation of storage.Store.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS budget_ledgers (
			scope_key TEXT PRIMARY KEY,
			period TEXT NOT NULL,
			limit_usd REAL NOT NULL,
			consumed_usd REAL NOT NULL,
			last_reset TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			provider_id TEXT,
			task_type TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			estimated INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_records(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_records(provider_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// SaveLedger upserts one scope's ledger snapshot.
func (s *Store) SaveLedger(ctx context.Context, snap storage.LedgerSnapshot) error {
	query := `INSERT INTO budget_ledgers (scope_key, period, limit_usd, consumed_usd, last_reset)
	          VALUES (:scope_key, :period, :limit_usd, :consumed_usd, :last_reset)
	          ON CONFLICT(scope_key) DO UPDATE SET
	            period = excluded.period,
	            limit_usd = excluded.limit_usd,
	            consumed_usd = excluded.consumed_usd,
	            last_reset = excluded.last_reset`

	if _, err := s.db.NamedExecContext(ctx, query, snap); err != nil {
		return fmt.Errorf("failed to save ledger %s: %w", snap.ScopeKey, err)
	}
	return nil
}

// LoadLedgers returns every persisted ledger snapshot.
func (s *Store) LoadLedgers(ctx context.Context) ([]storage.LedgerSnapshot, error) {
	var snaps []storage.LedgerSnapshot
	err := s.db.SelectContext(ctx, &snaps,
		`SELECT scope_key, period, limit_usd, consumed_usd, last_reset FROM budget_ledgers`)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledgers: %w", err)
	}
	return snaps, nil
}

// AppendUsage writes one immutable usage record.
func (s *Store) AppendUsage(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO usage_records
	          (id, request_id, tenant_id, user_id, provider_id, task_type, tokens, cost_usd, estimated, outcome, created_at)
	          VALUES (:id, :request_id, :tenant_id, :user_id, :provider_id, :task_type, :tokens, :cost_usd, :estimated, :outcome, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// UsageByProvider aggregates the usage log per provider since a point in time.
func (s *Store) UsageByProvider(ctx context.Context, since time.Time) ([]storage.ProviderUsage, error) {
	var usage []storage.ProviderUsage
	err := s.db.SelectContext(ctx, &usage,
		`SELECT provider_id, COUNT(*) AS calls, COALESCE(SUM(tokens), 0) AS tokens, COALESCE(SUM(cost_usd), 0) AS cost_usd
		 FROM usage_records
		 WHERE created_at >= ? AND provider_id != ''
		 GROUP BY provider_id
		 ORDER BY provider_id`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return usage, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
