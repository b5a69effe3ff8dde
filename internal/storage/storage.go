// Package storage defines the persistence contract for budget ledgers and
// the append-only usage log.
package storage

import (
	"context"
	"time"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

// LedgerSnapshot is the durable form of one budget scope's ledger entry.
type LedgerSnapshot struct {
	ScopeKey  string    `db:"scope_key"`
	Period    string    `db:"period"`
	LimitUSD  float64   `db:"limit_usd"`
	Consumed  float64   `db:"consumed_usd"`
	LastReset time.Time `db:"last_reset"`
}

// ProviderUsage aggregates the usage log per provider for the metrics surface.
type ProviderUsage struct {
	ProviderID string  `db:"provider_id"`
	Calls      int64   `db:"calls"`
	Tokens     int64   `db:"tokens"`
	CostUSD    float64 `db:"cost_usd"`
}

// Store persists budget ledgers and usage records. BudgetLedger survives
// process restart; UsageRecord is append-only and never mutated.
type Store interface {
	SaveLedger(ctx context.Context, snap LedgerSnapshot) error
	LoadLedgers(ctx context.Context) ([]LedgerSnapshot, error)

	AppendUsage(ctx context.Context, rec *domain.UsageRecord) error
	UsageByProvider(ctx context.Context, since time.Time) ([]ProviderUsage, error)

	Close() error
}
