package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// TTL is the retention window for transfer projections. The expiry is set at
// write time and refreshed on every state transition.
const TTL = 24 * time.Hour

// Entry is the typed projection of a transfer request held in Redis. It is
// never authoritative; readers fall back to the store on a miss.
type Entry struct {
	State            string `json:"state"`
	Amount           int64  `json:"amount"`
	FromAccountID    string `json:"from_account_id"`
	ToAccountID      string `json:"to_account_id"`
	RequiresApproval bool   `json:"requires_approval"`
	TransactionID    string `json:"transaction_id,omitempty"`
}

// StatusCache stores transfer projections keyed by transfer request id.
// A nil Redis client disables the cache entirely; every write becomes a
// no-op and every read a miss.
type StatusCache struct {
	redis *redis.Client
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{redis: rdb}
}

func key(transferID string) string {
	return "transfer:" + transferID
}

// Put writes the full projection with a fresh TTL.
func (c *StatusCache) Put(ctx context.Context, transferID string, entry Entry) error {
	if c.redis == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", transferID, err)
	}

	return c.redis.Set(ctx, key(transferID), data, TTL).Err()
}

// Get returns the projection, or (nil, nil) on a miss.
func (c *StatusCache) Get(ctx context.Context, transferID string) (*Entry, error) {
	if c.redis == nil {
		return nil, nil
	}

	data, err := c.redis.Get(ctx, key(transferID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", transferID, err)
	}

	return &entry, nil
}

// SetState advances the cached state, refreshing the TTL. A miss is not an
// error; the projection simply lapses until the next full Put.
func (c *StatusCache) SetState(ctx context.Context, transferID, state string) error {
	return c.update(ctx, transferID, func(e *Entry) {
		e.State = state
	})
}

// SetCompleted marks the projection completed and records the ledger
// transaction id.
func (c *StatusCache) SetCompleted(ctx context.Context, transferID, transactionID string) error {
	return c.update(ctx, transferID, func(e *Entry) {
		e.State = "completed"
		e.TransactionID = transactionID
	})
}

func (c *StatusCache) update(ctx context.Context, transferID string, mutate func(*Entry)) error {
	if c.redis == nil {
		return nil
	}

	entry, err := c.Get(ctx, transferID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	mutate(entry)
	return c.Put(ctx, transferID, *entry)
}
