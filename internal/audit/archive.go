package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	archiveKey          = "audit:events"
	defaultArchiveLimit = 1000
)

// Archive は監査イベントの保存先です。
type Archive interface {
	Append(ctx context.Context, ev Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// RedisArchive は監査イベントを上限付きリストとして Redis に保存します。
type RedisArchive struct {
	rdb    *redis.Client
	maxLen int64
}

// NewRedisArchive は RedisArchive を作成します。maxLen を超えた古いイベントは捨てます。
func NewRedisArchive(rdb *redis.Client, maxLen int) *RedisArchive {
	if maxLen <= 0 {
		maxLen = defaultArchiveLimit
	}
	return &RedisArchive{
		rdb:    rdb,
		maxLen: int64(maxLen),
	}
}

// Append はイベントを先頭に追加します。
func (a *RedisArchive) Append(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := a.rdb.TxPipeline()
	pipe.LPush(ctx, archiveKey, payload)
	pipe.LTrim(ctx, archiveKey, 0, a.maxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent は新しい順に最大 limit 件のイベントを返します。
func (a *RedisArchive) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	items, err := a.rdb.LRange(ctx, archiveKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode archived event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
