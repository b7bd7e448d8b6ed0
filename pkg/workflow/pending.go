package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// PendingPublish is what the server remembers between a publish request and
// the matching upload.
type PendingPublish struct {
	Proof     string         `json:"proof"`
	Requester common.Address `json:"requester"`
	OpHash    common.Hash    `json:"op_hash"`
	Name      string         `json:"name"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// PendingTable holds publish requests keyed by proof. An entry leaves the table
// exactly once, through Take or Sweep.
type PendingTable interface {
	Put(ctx context.Context, p PendingPublish) error
	// Take removes and returns the entry for proof. ok is false on a miss or
	// when the entry already expired.
	Take(ctx context.Context, proof string) (p PendingPublish, ok bool, err error)
	// Sweep removes and returns every entry that expired at or before now.
	Sweep(ctx context.Context, now time.Time) ([]PendingPublish, error)
}

// MemoryPendingTable is a mutex-guarded PendingTable.
type MemoryPendingTable struct {
	mu      sync.Mutex
	entries map[string]PendingPublish
	now     func() time.Time
}

func NewMemoryPendingTable() *MemoryPendingTable {
	return &MemoryPendingTable{entries: make(map[string]PendingPublish), now: time.Now}
}

func (t *MemoryPendingTable) Put(_ context.Context, p PendingPublish) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[p.Proof] = p
	return nil
}

func (t *MemoryPendingTable) Take(_ context.Context, proof string) (PendingPublish, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[proof]
	if !ok || !p.ExpiresAt.After(t.now()) {
		// Expired entries stay for Sweep so their escrow is refunded.
		return PendingPublish{}, false, nil
	}
	delete(t.entries, proof)
	return p, true, nil
}

func (t *MemoryPendingTable) Sweep(_ context.Context, now time.Time) ([]PendingPublish, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PendingPublish
	for proof, p := range t.entries {
		if !p.ExpiresAt.After(now) {
			out = append(out, p)
			delete(t.entries, proof)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ExpiresAt.Before(out[b].ExpiresAt) })
	return out, nil
}

// Len is the number of entries, expired or not.
func (t *MemoryPendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// takeScript deletes the entry and its index member atomically.
// KEYS[1] = entry key, KEYS[2] = index key
// ARGV[1] = proof, ARGV[2] = now in unix millis
var takeScript = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[2], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[2]) then
    return false
end
local v = redis.call("GET", KEYS[1])
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return v
`)

// claimScript pops one expired proof from the index and returns its entry.
// KEYS[1] = index key
// ARGV[1] = entry key prefix, ARGV[2] = now in unix millis
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, 1)
if #due == 0 then
    return false
end
local key = ARGV[1] .. due[1]
local v = redis.call("GET", key)
redis.call("DEL", key)
redis.call("ZREM", KEYS[1], due[1])
if not v then
    return ""
end
return v
`)

// RedisPendingTable shares the table between server replicas. Entries live
// under prefix+proof; a sorted set scored by expiry indexes them for Sweep.
type RedisPendingTable struct {
	client redis.UniversalClient
	prefix string
	// grace keeps the raw key alive past ExpiresAt so Sweep can still read
	// and refund it.
	grace time.Duration
	now   func() time.Time
}

func NewRedisPendingTable(client redis.UniversalClient, prefix string) *RedisPendingTable {
	if prefix == "" {
		prefix = "etherless:pending:"
	}
	return &RedisPendingTable{client: client, prefix: prefix, grace: time.Hour, now: time.Now}
}

func (t *RedisPendingTable) indexKey() string { return t.prefix + "index" }

func (t *RedisPendingTable) Put(ctx context.Context, p PendingPublish) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ttl := time.Until(p.ExpiresAt) + t.grace
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, t.prefix+p.Proof, raw, ttl)
		pipe.ZAdd(ctx, t.indexKey(), redis.Z{Score: float64(p.ExpiresAt.UnixMilli()), Member: p.Proof})
		return nil
	})
	if err != nil {
		return fmt.Errorf("pending: put: %w", err)
	}
	return nil
}

func (t *RedisPendingTable) Take(ctx context.Context, proof string) (PendingPublish, bool, error) {
	res, err := takeScript.Run(ctx, t.client, []string{t.prefix + proof, t.indexKey()}, proof, t.now().UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return PendingPublish{}, false, nil
	}
	if err != nil {
		return PendingPublish{}, false, fmt.Errorf("pending: take: %w", err)
	}
	var p PendingPublish
	if err := json.Unmarshal([]byte(res), &p); err != nil {
		return PendingPublish{}, false, fmt.Errorf("pending: decode: %w", err)
	}
	return p, true, nil
}

func (t *RedisPendingTable) Sweep(ctx context.Context, now time.Time) ([]PendingPublish, error) {
	var out []PendingPublish
	for {
		res, err := claimScript.Run(ctx, t.client, []string{t.indexKey()}, t.prefix, now.UnixMilli()).Text()
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("pending: sweep: %w", err)
		}
		if res == "" {
			// The key outlived its grace period; nothing left to refund.
			continue
		}
		var p PendingPublish
		if err := json.Unmarshal([]byte(res), &p); err != nil {
			return out, fmt.Errorf("pending: decode: %w", err)
		}
		out = append(out, p)
	}
}
