package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend はプロセス内のマップにレコードを保持します。
// 単一インスタンス構成でのみ正しく動作します。
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryBackend は MemoryBackend を作成します。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]*Record),
	}
}

func (b *MemoryBackend) Consume(_ context.Context, key string, max int, window time.Duration, now time.Time) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.records[key]
	if !ok || record.Expired(now) {
		record = &Record{Count: 1, ResetTime: now.Add(window)}
		b.records[key] = record
		return *record, true, nil
	}
	if record.Count >= max {
		return *record, false, nil
	}
	record.Count++
	return *record, true, nil
}

func (b *MemoryBackend) Peek(_ context.Context, key string, now time.Time) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.records[key]
	if !ok || record.Expired(now) {
		return Record{}, false, nil
	}
	return *record, true, nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

func (b *MemoryBackend) Sweep(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, record := range b.records {
		if record.Expired(now) {
			delete(b.records, key)
			removed++
		}
	}
	return removed, nil
}

// Len は保持しているレコード数を返します（期限切れを含む）。
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
