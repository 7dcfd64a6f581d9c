package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/routegate/routegate/internal/domain"
)

// Postgres is a durable Ledger backend for multi-instance deployments.
// Records are never physically evicted; Records reads the most recent
// capacity-many rows, and counters are maintained on the accounts table so
// Summary stays one query regardless of history size.
type Postgres struct {
	db       *sql.DB
	capacity int
}

func NewPostgres(databaseURL string, capacity int) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Postgres{db: db, capacity: capacity}, nil
}

// DB exposes the underlying pool for health probes.
func (p *Postgres) DB() *sql.DB { return p.db }

// Migrate creates the ledger tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenant_accounts (
			tenant_id   TEXT PRIMARY KEY,
			budget_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
			spend_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
			tokens_in   BIGINT NOT NULL DEFAULT 0,
			tokens_out  BIGINT NOT NULL DEFAULT 0,
			requests    BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS usage_records (
			id                SERIAL PRIMARY KEY,
			tenant_id         TEXT NOT NULL,
			trace_id          TEXT NOT NULL,
			model             TEXT NOT NULL,
			prompt_tokens     INT NOT NULL,
			completion_tokens INT NOT NULL,
			cost_usd          DOUBLE PRECISION NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_records_tenant_time
			ON usage_records (tenant_id, created_at DESC);
	`
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (p *Postgres) EnsureTenant(ctx context.Context, tenant string, budgetUSD float64) error {
	query := `
		INSERT INTO tenant_accounts (tenant_id, budget_usd)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO NOTHING
	`
	if _, err := p.db.ExecContext(ctx, query, tenant, budgetUSD); err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	return nil
}

func (p *Postgres) Account(ctx context.Context, tenant string, rec domain.UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin accounting tx: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO usage_records (tenant_id, trace_id, model, prompt_tokens, completion_tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, insert,
		tenant, rec.TraceID, rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, rec.Timestamp,
	); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	update := `
		INSERT INTO tenant_accounts (tenant_id, spend_usd, tokens_in, tokens_out, requests)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET
			spend_usd  = tenant_accounts.spend_usd + EXCLUDED.spend_usd,
			tokens_in  = tenant_accounts.tokens_in + EXCLUDED.tokens_in,
			tokens_out = tenant_accounts.tokens_out + EXCLUDED.tokens_out,
			requests   = tenant_accounts.requests + 1
	`
	if _, err := tx.ExecContext(ctx, update,
		tenant, rec.CostUSD, rec.PromptTokens, rec.CompletionTokens,
	); err != nil {
		return fmt.Errorf("update tenant counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accounting tx: %w", err)
	}
	return nil
}

func (p *Postgres) Summary(ctx context.Context) (map[string]domain.TenantSummary, error) {
	query := `
		SELECT tenant_id, budget_usd, spend_usd, tokens_in, tokens_out, requests
		FROM tenant_accounts
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.TenantSummary)
	for rows.Next() {
		var tenant string
		var s domain.TenantSummary
		if err := rows.Scan(&tenant, &s.BudgetUSD, &s.SpendUSD, &s.TokensIn, &s.TokensOut, &s.Requests); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out[tenant] = s
	}
	return out, rows.Err()
}

func (p *Postgres) Records(ctx context.Context, tenant string) ([]domain.UsageRecord, error) {
	query := `
		SELECT trace_id, model, prompt_tokens, completion_tokens, cost_usd, created_at
		FROM usage_records
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := p.db.QueryContext(ctx, query, tenant, p.capacity)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		if err := rows.Scan(&rec.TraceID, &rec.Model, &rec.PromptTokens, &rec.CompletionTokens, &rec.CostUSD, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
