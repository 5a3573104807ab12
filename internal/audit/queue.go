package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeAuthEvent は監査イベント保存タスクの種別です。
	TaskTypeAuthEvent = "audit:event"

	queueName = "audit"
)

// QueueSink はイベントを Asynq のタスクとして投入します。
// 実際の保存は Worker が非同期に行います。
type QueueSink struct {
	client *asynq.Client
}

// NewQueueSink は QueueSink を作成します。
func NewQueueSink(client *asynq.Client) *QueueSink {
	return &QueueSink{client: client}
}

func (s *QueueSink) Write(ctx context.Context, ev Event) error {
	task, err := newAuthEventTask(ev)
	if err != nil {
		return err
	}
	// リクエストが中断されても投入は完了させる
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	_, err = s.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.TaskID(ev.ID))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func newAuthEventTask(ev Event) (*asynq.Task, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAuthEvent, body, asynq.Queue(queueName)), nil
}

// Worker は監査イベントのタスクを受け取り Archive に保存します。
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	archive Archive
	logger  *log.Logger
}

// NewWorker は Worker を初期化します。
func NewWorker(opt asynq.RedisConnOpt, archive Archive, logger *log.Logger) (*Worker, error) {
	if archive == nil {
		return nil, errors.New("archive is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)
	w := &Worker{
		server:  server,
		mux:     asynq.NewServeMux(),
		archive: archive,
		logger:  logger,
	}
	w.mux.HandleFunc(TaskTypeAuthEvent, w.handleAuthEvent)
	return w, nil
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (w *Worker) Start() {
	go func() {
		if err := w.server.Run(w.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			w.logger.Printf("audit worker stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーを停止します。
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleAuthEvent(ctx context.Context, task *asynq.Task) error {
	var ev Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return fmt.Errorf("decode audit event: %v: %w", err, asynq.SkipRetry)
	}
	if ev.ID == "" || !ev.Type.Valid() {
		return fmt.Errorf("invalid audit event %q: %w", ev.Type, asynq.SkipRetry)
	}
	return w.archive.Append(ctx, ev)
}
