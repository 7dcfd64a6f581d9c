package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/routegate/routegate/internal/domain"
)

const (
	tenantsKey  = "ledger:tenants"
	accountKey  = "ledger:account:" // hash of counters, suffixed by tenant
	recordsKey  = "ledger:records:" // list of JSON records, newest first
	budgetField = "budget_usd"
)

// Redis is a distributed Ledger backend. The ring is a Redis list trimmed
// to capacity after each push; counters live in a per-tenant hash bumped
// with HINCRBYFLOAT/HINCRBY so concurrent gateways never lose an update.
type Redis struct {
	client   *redis.Client
	capacity int
}

func NewRedis(redisURL string, capacity int) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Redis{client: client, capacity: capacity}, nil
}

// Client exposes the underlying connection for health probes.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) EnsureTenant(ctx context.Context, tenant string, budgetUSD float64) error {
	added, err := r.client.SAdd(ctx, tenantsKey, tenant).Result()
	if err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	if added == 0 {
		return nil // existing account keeps its budget
	}
	if err := r.client.HSet(ctx, accountKey+tenant, budgetField, budgetUSD).Err(); err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	return nil
}

func (r *Redis) Account(ctx context.Context, tenant string, rec domain.UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	key := accountKey + tenant
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, tenantsKey, tenant)
	pipe.LPush(ctx, recordsKey+tenant, payload)
	pipe.LTrim(ctx, recordsKey+tenant, 0, int64(r.capacity-1))
	pipe.HIncrByFloat(ctx, key, "spend_usd", rec.CostUSD)
	pipe.HIncrBy(ctx, key, "tokens_in", int64(rec.PromptTokens))
	pipe.HIncrBy(ctx, key, "tokens_out", int64(rec.CompletionTokens))
	pipe.HIncrBy(ctx, key, "requests", 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("account usage: %w", err)
	}
	return nil
}

func (r *Redis) Summary(ctx context.Context) (map[string]domain.TenantSummary, error) {
	tenants, err := r.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	out := make(map[string]domain.TenantSummary, len(tenants))
	for _, tenant := range tenants {
		fields, err := r.client.HGetAll(ctx, accountKey+tenant).Result()
		if err != nil {
			return nil, fmt.Errorf("read account %s: %w", tenant, err)
		}
		out[tenant] = domain.TenantSummary{
			BudgetUSD: parseFloat(fields[budgetField]),
			SpendUSD:  parseFloat(fields["spend_usd"]),
			TokensIn:  parseInt(fields["tokens_in"]),
			TokensOut: parseInt(fields["tokens_out"]),
			Requests:  parseInt(fields["requests"]),
		}
	}
	return out, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (r *Redis) Records(ctx context.Context, tenant string) ([]domain.UsageRecord, error) {
	raw, err := r.client.LRange(ctx, recordsKey+tenant, 0, int64(r.capacity-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	out := make([]domain.UsageRecord, 0, len(raw))
	for _, item := range raw {
		var rec domain.UsageRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
