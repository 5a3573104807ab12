package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Sink は監査イベントの出力先です。
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// Log は監査イベントに ID と時刻を付与し、全 Sink へ配送します。
type Log struct {
	sinks  []Sink
	logger *log.Logger
	now    func() time.Time
}

// NewLog は Log を作成します。logger は Sink の失敗を記録するのに使います。
func NewLog(logger *log.Logger, sinks ...Sink) *Log {
	if logger == nil {
		logger = log.Default()
	}
	return &Log{
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
	}
}

// Record はイベントを記録します。Sink の失敗は呼び出し元に返しません。
func (l *Log) Record(ctx context.Context, ev Event) {
	if !ev.Type.Valid() {
		l.logger.Printf("audit: dropping event with unknown type %q", ev.Type)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	for _, sink := range l.sinks {
		if err := sink.Write(ctx, ev); err != nil {
			l.logger.Printf("audit: sink %T failed for event=%s type=%s: %v", sink, ev.ID, ev.Type, err)
		}
	}
}

// LoggerSink はイベントを JSON 1 行としてロガーに出力します。
type LoggerSink struct {
	logger *log.Logger
}

// NewLoggerSink は LoggerSink を作成します。
func NewLoggerSink(logger *log.Logger) *LoggerSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LoggerSink{logger: logger}
}

func (s *LoggerSink) Write(_ context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.logger.Printf("%s audit %s", ev.Type.Severity(), body)
	return nil
}

// ArchiveSink はイベントを同期的に Archive へ追記します。
// 監査キューを使わない構成で利用します。
type ArchiveSink struct {
	archive Archive
}

// NewArchiveSink は ArchiveSink を作成します。
func NewArchiveSink(archive Archive) *ArchiveSink {
	return &ArchiveSink{archive: archive}
}

func (s *ArchiveSink) Write(ctx context.Context, ev Event) error {
	// リクエストが中断されても監査記録は残す
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	return s.archive.Append(ctx, ev)
}
