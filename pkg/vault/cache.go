package vault

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
	"github.com/ymcrcat/stellar-dark-pool/pkg/util"
)

// BalanceReader is the slice of the ledger client the cache depends on.
type BalanceReader interface {
	GetVaultBalance(ctx context.Context, account, token string) (int64, error)
}

type key struct {
	account string
	token   string
}

type entry struct {
	committed int64 // mirrors the on-chain vault balance, in stroops
	reserved  int64 // locked by the resting portion of the owner's orders
	fetchedAt time.Time
}

// Cache is a short-TTL view of per-(account, token) vault balances with
// reservation tracking. It is a fast path only; the contract re-checks
// balances at settlement. The owning engine serialises all calls through its
// matching mutex, so the cache itself carries no lock.
type Cache struct {
	reader  BalanceReader
	clock   util.Clock
	ttl     time.Duration
	log     *zap.Logger
	entries map[key]*entry
}

func NewCache(reader BalanceReader, clock util.Clock, ttl time.Duration, log *zap.Logger) *Cache {
	return &Cache{
		reader:  reader,
		clock:   clock,
		ttl:     ttl,
		log:     log,
		entries: make(map[key]*entry),
	}
}

func (c *Cache) fresh(e *entry) bool {
	return c.clock.Now().Sub(e.fetchedAt) < c.ttl
}

// get returns the entry for (account, token), fetching from the ledger on a
// miss or an expired TTL. The reserved counter survives refreshes.
func (c *Cache) get(ctx context.Context, account, token string) (*entry, error) {
	k := key{account: account, token: token}
	e, ok := c.entries[k]
	if ok && c.fresh(e) {
		return e, nil
	}

	committed, err := c.reader.GetVaultBalance(ctx, account, token)
	if err != nil {
		return nil, core.Wrap(core.KindUpstreamUnavailable, err, "vault balance fetch for %s", account)
	}
	if !ok {
		e = &entry{}
		c.entries[k] = e
	}
	e.committed = committed
	e.fetchedAt = c.clock.Now()
	if e.committed < e.reserved {
		// Race with a withdrawal or off-engine settlement. New orders are
		// rejected through the negative available value; resting orders stay
		// and their settlement may fail downstream.
		c.log.Warn("vault committed below reserved",
			zap.String("account", account),
			zap.String("token", token),
			zap.Int64("committed", e.committed),
			zap.Int64("reserved", e.reserved))
	}
	return e, nil
}

// Available returns committed minus reserved, the amount new orders may
// consume. Negative when a refresh exposed an oversubscribed account.
func (c *Cache) Available(ctx context.Context, account, token string) (int64, error) {
	e, err := c.get(ctx, account, token)
	if err != nil {
		return 0, err
	}
	return e.committed - e.reserved, nil
}

// Committed returns the cached on-chain balance.
func (c *Cache) Committed(ctx context.Context, account, token string) (int64, error) {
	e, err := c.get(ctx, account, token)
	if err != nil {
		return 0, err
	}
	return e.committed, nil
}

// Reserve locks amount for a newly accepted order. Callers check Available
// first under the same matching mutex.
func (c *Cache) Reserve(account, token string, amount int64) {
	k := key{account: account, token: token}
	e, ok := c.entries[k]
	if !ok {
		e = &entry{}
		c.entries[k] = e
	}
	e.reserved += amount
}

// Release frees amount on a fill or cancellation. Over-release is a logic
// bug; the counter clamps at zero and the incident is logged.
func (c *Cache) Release(account, token string, amount int64) {
	e, ok := c.entries[key{account: account, token: token}]
	if !ok {
		return
	}
	e.reserved -= amount
	if e.reserved < 0 {
		c.log.Error("reservation over-release",
			zap.String("account", account),
			zap.String("token", token),
			zap.Int64("excess", -e.reserved))
		e.reserved = 0
	}
}

// ApplyDelta adjusts the cached committed balance optimistically after a
// match. Entries that were never fetched are left alone; the next read pulls
// on-chain truth anyway.
func (c *Cache) ApplyDelta(account, token string, delta int64) {
	if e, ok := c.entries[key{account: account, token: token}]; ok {
		e.committed += delta
	}
}

// Invalidate marks the entry stale so the next read refetches. Reservations
// survive. Idempotent.
func (c *Cache) Invalidate(account, token string) {
	if e, ok := c.entries[key{account: account, token: token}]; ok {
		e.fetchedAt = time.Time{}
	}
}

// Refresh forces an immediate re-read from the contract.
func (c *Cache) Refresh(ctx context.Context, account, token string) error {
	c.Invalidate(account, token)
	_, err := c.get(ctx, account, token)
	return err
}

// Clear evicts every entry, reservations included. Admin/test hook for
// deterministic end-to-end runs; not part of the trading path.
func (c *Cache) Clear() {
	c.entries = make(map[key]*entry)
}

// Reserved exposes the current reservation for invariant checks in tests.
func (c *Cache) Reserved(account, token string) int64 {
	if e, ok := c.entries[key{account: account, token: token}]; ok {
		return e.reserved
	}
	return 0
}
