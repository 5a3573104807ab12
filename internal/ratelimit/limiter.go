// Package ratelimit はクライアント単位のログイン試行回数制限を提供します。
//
// ウィンドウは最初の試行から固定長で、経過後に一気にリセットされます。
// 厳密なスライディングウィンドウではありません。
package ratelimit

import (
	"context"
	"log"
	"time"
)

const (
	DefaultMaxAttempts   = 5
	DefaultWindow        = 15 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Record はクライアントごとの試行状況です。
type Record struct {
	Count     int
	ResetTime time.Time
}

// Expired は now 時点でウィンドウが終わっているかを返します。
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ResetTime)
}

// Backend はレコードの保存先です。Consume はキー単位で原子的でなければなりません。
type Backend interface {
	// Consume は試行を 1 回消費します。許可されたかどうかと消費後のレコードを返します。
	Consume(ctx context.Context, key string, max int, window time.Duration, now time.Time) (Record, bool, error)
	// Peek は有効なレコードを返します。存在しないか期限切れなら ok=false です。
	Peek(ctx context.Context, key string, now time.Time) (Record, bool, error)
	Delete(ctx context.Context, key string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Limiter はログイン試行回数を制限します。
type Limiter struct {
	backend Backend
	max     int
	window  time.Duration
	now     func() time.Time
	logger  *log.Logger
}

// Option は Limiter の設定を変更します。
type Option func(*Limiter)

// WithMaxAttempts はウィンドウ内で許可する試行回数を設定します。
func WithMaxAttempts(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.max = n
		}
	}
}

// WithWindow はウィンドウ長を設定します。
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock は現在時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger はバックエンドエラーの出力先を設定します。
func WithLogger(logger *log.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New は Limiter を作成します。
func New(backend Backend, opts ...Option) *Limiter {
	l := &Limiter{
		backend: backend,
		max:     DefaultMaxAttempts,
		window:  DefaultWindow,
		now:     time.Now,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxAttempts はウィンドウ内の上限回数を返します。
func (l *Limiter) MaxAttempts() int {
	return l.max
}

// CheckAndConsume は試行を 1 回消費し、許可されたかどうかを返します。
// バックエンドのエラー時は拒否します。
func (l *Limiter) CheckAndConsume(ctx context.Context, key string) bool {
	_, allowed, err := l.backend.Consume(ctx, key, l.max, l.window, l.now())
	if err != nil {
		l.logger.Printf("ratelimit: consume failed key=%s: %v", key, err)
		return false
	}
	return allowed
}

// Reset はキーのレコードを削除します。認証成功後に呼び出します。
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.backend.Delete(ctx, key)
}

// RemainingAttempts は現在のウィンドウで残っている試行回数を返します。
func (l *Limiter) RemainingAttempts(ctx context.Context, key string) int {
	record, ok, err := l.backend.Peek(ctx, key, l.now())
	if err != nil {
		l.logger.Printf("ratelimit: peek failed key=%s: %v", key, err)
		return 0
	}
	if !ok {
		return l.max
	}
	remaining := l.max - record.Count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetTimeSeconds はウィンドウがリセットされるまでの秒数（切り上げ）を返します。
func (l *Limiter) ResetTimeSeconds(ctx context.Context, key string) int {
	now := l.now()
	record, ok, err := l.backend.Peek(ctx, key, now)
	if err != nil {
		l.logger.Printf("ratelimit: peek failed key=%s: %v", key, err)
		return int(l.window / time.Second)
	}
	if !ok {
		return 0
	}
	remaining := record.ResetTime.Sub(now)
	secs := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// Sweep は期限切れレコードを削除します。
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.backend.Sweep(ctx, l.now())
}

// RunSweeper は ctx がキャンセルされるまで interval ごとに Sweep を実行します。
// 期限切れレコードは参照時にも無視されるため、これはメモリ使用量を抑えるためだけの処理です。
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Sweep(ctx); err != nil {
				l.logger.Printf("ratelimit: sweep failed: %v", err)
			}
		}
	}
}
