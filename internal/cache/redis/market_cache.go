package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pariflow/pariflow/internal/domain"
)

// defaultMarketTTL bounds staleness if an invalidation is ever missed.
const defaultMarketTTL = 5 * time.Minute

// cachedMarket is the JSON shape stored in Redis. Amounts are decimal
// strings to keep wei precision across the JSON boundary.
type cachedMarket struct {
	ID              int64      `json:"id"`
	Question        string     `json:"question"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	Creator         string     `json:"creator"`
	EndTime         time.Time  `json:"end_time"`
	TotalYes        string     `json:"total_yes"`
	TotalNo         string     `json:"total_no"`
	Resolved        bool       `json:"resolved"`
	Outcome         bool       `json:"outcome"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	AIOracleEnabled bool       `json:"ai_oracle_enabled"`
	CreatedAt       time.Time  `json:"created_at"`
}

// MarketCache implements domain.MarketCache with per-market JSON values.
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = defaultMarketTTL
	}
	return &MarketCache{rdb: c.Underlying(), ttl: ttl}
}

func marketKey(id int64) string {
	return "market:" + strconv.FormatInt(id, 10)
}

// Set stores a market.
func (mc *MarketCache) Set(ctx context.Context, m domain.Market) error {
	entry := cachedMarket{
		ID:              m.ID,
		Question:        m.Question,
		Description:     m.Description,
		Category:        m.Category,
		Creator:         m.Creator,
		EndTime:         m.EndTime,
		TotalYes:        m.TotalYesAmount.String(),
		TotalNo:         m.TotalNoAmount.String(),
		Resolved:        m.Resolved,
		Outcome:         m.Outcome,
		ResolvedAt:      m.ResolvedAt,
		AIOracleEnabled: m.AIOracleEnabled,
		CreatedAt:       m.CreatedAt,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: marshal market %d: %w", m.ID, err)
	}
	if err := mc.rdb.Set(ctx, marketKey(m.ID), data, mc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %d: %w", m.ID, err)
	}
	return nil
}

// Get retrieves a cached market; domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, id int64) (domain.Market, error) {
	data, err := mc.rdb.Get(ctx, marketKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %d: %w", id, err)
	}

	var entry cachedMarket
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %d: %w", id, err)
	}

	totalYes, ok := new(big.Int).SetString(entry.TotalYes, 10)
	if !ok {
		return domain.Market{}, fmt.Errorf("redis: malformed cached total_yes %q", entry.TotalYes)
	}
	totalNo, ok := new(big.Int).SetString(entry.TotalNo, 10)
	if !ok {
		return domain.Market{}, fmt.Errorf("redis: malformed cached total_no %q", entry.TotalNo)
	}

	return domain.Market{
		ID:              entry.ID,
		Question:        entry.Question,
		Description:     entry.Description,
		Category:        entry.Category,
		Creator:         entry.Creator,
		EndTime:         entry.EndTime,
		TotalYesAmount:  totalYes,
		TotalNoAmount:   totalNo,
		Resolved:        entry.Resolved,
		Outcome:         entry.Outcome,
		ResolvedAt:      entry.ResolvedAt,
		AIOracleEnabled: entry.AIOracleEnabled,
		CreatedAt:       entry.CreatedAt,
	}, nil
}

// Invalidate drops a cached market.
func (mc *MarketCache) Invalidate(ctx context.Context, id int64) error {
	if err := mc.rdb.Del(ctx, marketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %d: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
