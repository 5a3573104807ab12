package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresArchive は監査イベントを auth_events テーブルに追記します。
type PostgresArchive struct {
	db *sql.DB
}

// OpenPostgresArchive は PostgreSQL に接続し、テーブルを作成します。
func OpenPostgresArchive(connStr string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &PostgresArchive{db: db}
	if err := a.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// Close は接続を閉じます。
func (a *PostgresArchive) Close() error {
	return a.db.Close()
}

func (a *PostgresArchive) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS auth_events (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT ''
		);`,
		"CREATE INDEX IF NOT EXISTS idx_auth_events_occurred_at ON auth_events(occurred_at);",
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Append はイベントを追記します。再配送された同一イベントは無視します。
func (a *PostgresArchive) Append(ctx context.Context, ev Event) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO auth_events (id, type, occurred_at, user_id, ip, user_agent, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Type), ev.Timestamp, ev.UserID, ev.IP, ev.UserAgent, ev.Details,
	)
	return err
}

// Recent は新しい順に最大 limit 件のイベントを返します。
func (a *PostgresArchive) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, type, occurred_at, user_id, ip, user_agent, details
		 FROM auth_events ORDER BY occurred_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev  Event
			typ string
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Timestamp, &ev.UserID, &ev.IP, &ev.UserAgent, &ev.Details); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		events = append(events, ev)
	}
	return events, rows.Err()
}
