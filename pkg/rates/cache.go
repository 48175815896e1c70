// Package rates holds the exchange rate table used for informational currency
// conversion. Fetch failures install a fallback table; conversion never fails.
package rates

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/chainsafe/wallet-reconciler/internal/metrics"
)

// Unavailable is what Convert returns when no conversion can be made.
const Unavailable = "unavailable"

// DefaultFallback is installed when the provider cannot be reached.
func DefaultFallback() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"usd": decimal.NewFromInt(3500),
		"eur": decimal.NewFromInt(3200),
		"gbp": decimal.NewFromInt(2750),
		"inr": decimal.NewFromInt(290000),
	}
}

// Table is an immutable snapshot of rates keyed by lower-case currency code.
type Table struct {
	Rates     map[string]decimal.Decimal `json:"rates"`
	Stale     bool                       `json:"stale"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// Rate returns the rate for currency.
func (t Table) Rate(currency string) (decimal.Decimal, bool) {
	r, ok := t.Rates[strings.ToLower(strings.TrimSpace(currency))]
	return r, ok
}

func (t Table) clone() Table {
	rates := make(map[string]decimal.Decimal, len(t.Rates))
	for k, v := range t.Rates {
		rates[k] = v
	}
	t.Rates = rates
	return t
}

// Cache serves the current table and refreshes it at most once per interval.
type Cache struct {
	provider Provider
	fallback map[string]decimal.Decimal
	limiter  *rate.Limiter
	group    singleflight.Group
	table    atomic.Pointer[Table]
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithFallback replaces the fallback table. Keys are lower-cased.
func WithFallback(fallback map[string]decimal.Decimal) Option {
	return func(c *Cache) {
		if len(fallback) == 0 {
			return
		}
		c.fallback = make(map[string]decimal.Decimal, len(fallback))
		for k, v := range fallback {
			c.fallback[strings.ToLower(k)] = v
		}
	}
}

// WithMinRefreshInterval serves the current table to calls within d of the last fetch.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates a new Cache.
func NewCache(p Provider, opts ...Option) *Cache {
	c := &Cache{
		provider: p,
		fallback: DefaultFallback(),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRates returns the current table, fetching a fresh one unless the last
// fetch was too recent. Concurrent fetches are collapsed into one.
func (c *Cache) GetRates(ctx context.Context) Table {
	allowed := c.limiter.Allow()
	if cur := c.table.Load(); cur != nil && !allowed {
		return cur.clone()
	}

	// the fetch is shared, so one caller's cancellation must not fail the others
	fetchCtx := context.WithoutCancel(ctx)
	v, _, _ := c.group.Do("rates", func() (any, error) {
		return c.refresh(fetchCtx), nil
	})
	return v.(*Table).clone()
}

// Current returns the installed table without fetching.
func (c *Cache) Current() (Table, bool) {
	cur := c.table.Load()
	if cur == nil {
		return Table{}, false
	}
	return cur.clone(), true
}

func (c *Cache) refresh(ctx context.Context) *Table {
	fetched, err := c.provider.Fetch(ctx)
	if err != nil || len(fetched) == 0 {
		c.logger.Warn("Rate fetch failed, installing fallback rates", zap.Error(err))
		metrics.RateFetches.WithLabelValues("failed").Inc()
		metrics.RatesStale.Set(1)
		t := &Table{Rates: c.fallback, Stale: true, FetchedAt: c.now()}
		c.table.Store(t)
		return t
	}

	metrics.RateFetches.WithLabelValues("ok").Inc()
	metrics.RatesStale.Set(0)
	t := &Table{Rates: fetched, FetchedAt: c.now()}
	c.table.Store(t)
	return t
}

// Convert renders amount (display units of the base asset) in currency with two
// decimals, or Unavailable.
func (c *Cache) Convert(amount, currency string) string {
	cur := c.table.Load()
	if cur == nil {
		return Unavailable
	}
	r, ok := cur.Rate(currency)
	if !ok {
		return Unavailable
	}
	a, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Unavailable
	}
	return a.Mul(r).StringFixed(2)
}
