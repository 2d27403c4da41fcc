package balance

import (
	"context"
	"sync"
	"time"

	"grid-core/internal/events"
	"grid-core/pkg/exchange"
	"grid-core/pkg/logger"
)

var log = logger.Component("balance")

// Fetcher pulls the authoritative balance from the exchange.
type Fetcher interface {
	Balance(ctx context.Context) (exchange.BalanceSnapshot, error)
}

// Cache holds the account margin snapshot shared by every symbol. It is the
// single writer: wallet push events and forced pulls land here, readers take
// a cheap copy.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration

	mu     sync.RWMutex
	snap   exchange.BalanceSnapshot
	pushAt time.Time
}

// NewCache creates a balance cache with the given freshness window.
func NewCache(fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{fetcher: fetcher, ttl: ttl}
}

// ApplyWallet folds a pushed account update into the cache. Pushes carry
// only the wallet balance: available margin and the margin ratio stay as
// pulled, and the push never extends the snapshot's freshness window.
func (c *Cache) ApplyWallet(ev events.Wallet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Late-arriving pushes must not roll the equity backwards.
	if ev.At.Before(c.pushAt) || ev.At.Before(c.snap.FetchedAt) {
		log.WithField("event_at", ev.At).Debug("stale wallet event ignored")
		return
	}
	c.snap.Equity = ev.Equity
	c.pushAt = ev.At
}

// Get returns the snapshot, pulling from the exchange when the cached value
// is older than the TTL. On pull failure a stale snapshot is returned along
// with the error so callers can decide whether staleness is acceptable.
func (c *Cache) Get(ctx context.Context) (exchange.BalanceSnapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if time.Since(snap.FetchedAt) <= c.ttl {
		return snap, nil
	}
	return c.ForceRefresh(ctx)
}

// ForceRefresh pulls from the exchange regardless of freshness.
func (c *Cache) ForceRefresh(ctx context.Context) (exchange.BalanceSnapshot, error) {
	fresh, err := c.fetcher.Balance(ctx)
	if err != nil {
		c.mu.RLock()
		stale := c.snap
		c.mu.RUnlock()
		log.WithError(err).Warn("balance refresh failed, serving stale snapshot")
		return stale, err
	}

	c.mu.Lock()
	if !fresh.FetchedAt.Before(c.snap.FetchedAt) {
		c.snap = fresh
	}
	snap := c.snap
	c.mu.Unlock()
	return snap, nil
}

// Peek returns the cached snapshot without any network call.
func (c *Cache) Peek() exchange.BalanceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Age reports how old the cached snapshot is.
func (c *Cache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap.FetchedAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(c.snap.FetchedAt)
}
