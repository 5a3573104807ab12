package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Denylist は有効期限前に失効させたセッショントークンを保持します。
// エントリはセッションの元の有効期限まで残れば十分です。
type Denylist interface {
	Revoke(ctx context.Context, token string, until time.Time) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// MemoryDenylist は単一インスタンス向けのインメモリ失効リストです。
type MemoryDenylist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryDenylist は MemoryDenylist を作成します。
func NewMemoryDenylist(now func() time.Time) *MemoryDenylist {
	if now == nil {
		now = time.Now
	}
	return &MemoryDenylist{
		entries: make(map[string]time.Time),
		now:     now,
	}
}

// Revoke はトークンを until まで失効扱いにします。
func (d *MemoryDenylist) Revoke(_ context.Context, token string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.now().Before(until) {
		return nil
	}
	d.entries[token] = until
	return nil
}

// IsRevoked はトークンが失効済みかを返します。
func (d *MemoryDenylist) IsRevoked(_ context.Context, token string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.entries[token]
	if !ok {
		return false, nil
	}
	if !d.now().Before(until) {
		delete(d.entries, token)
		return false, nil
	}
	return true, nil
}

// Sweep は期限を過ぎたエントリを削除し、削除件数を返します。
func (d *MemoryDenylist) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	removed := 0
	for token, until := range d.entries {
		if !now.Before(until) {
			delete(d.entries, token)
			removed++
		}
	}
	return removed
}

const revokedKeyPrefix = "session:revoked:"

// RedisDenylist は複数インスタンスで共有する失効リストです。
// TTL により期限切れエントリは Redis 側で消えます。
type RedisDenylist struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisDenylist は RedisDenylist を作成します。
func NewRedisDenylist(rdb *redis.Client) *RedisDenylist {
	return &RedisDenylist{rdb: rdb, now: time.Now}
}

func (d *RedisDenylist) Revoke(ctx context.Context, token string, until time.Time) error {
	ttl := until.Sub(d.now())
	if ttl <= 0 {
		return nil
	}
	return d.rdb.Set(ctx, revokedKeyPrefix+token, 1, ttl).Err()
}

func (d *RedisDenylist) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := d.rdb.Exists(ctx, revokedKeyPrefix+token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
