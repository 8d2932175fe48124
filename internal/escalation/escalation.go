// Package escalation hands exhausted assignments to supervisors. With Redis
// configured escalations become asynq tasks so they survive restarts and are
// retried until the supervisor channel accepts them.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/notify"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const TypeSupervisorEscalation = "escalation:supervisor"

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	maxRetry      = 5
	taskTimeout   = 30 * time.Second
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue enqueues escalations on asynq. Urgent events go to the critical
// queue.
type Queue struct {
	client enqueuer
	log    *zap.Logger
}

func NewQueue(client *asynq.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, log: logger}
}

func NewTask(esc models.Escalation) (*asynq.Task, error) {
	payload, err := json.Marshal(esc)
	if err != nil {
		return nil, fmt.Errorf("marshal escalation: %w", err)
	}
	return asynq.NewTask(TypeSupervisorEscalation, payload), nil
}

func (q *Queue) Escalate(ctx context.Context, esc models.Escalation) error {
	task, err := NewTask(esc)
	if err != nil {
		return err
	}
	queue := QueueDefault
	if esc.Priority == models.PriorityUrgent {
		queue = QueueCritical
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
		asynq.TaskID("escalation:"+esc.AssignmentID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue escalation %s: %w", esc.AssignmentID, err)
	}
	q.log.Info("escalation enqueued",
		zap.String("assignment_id", esc.AssignmentID),
		zap.String("queue", info.Queue),
		zap.String("task_id", info.ID),
	)
	return nil
}

// Direct publishes escalations immediately. It serves deployments without
// Redis.
type Direct struct {
	publisher notify.Publisher
	clock     clock.Clock
}

func NewDirect(pub notify.Publisher, clk clock.Clock) *Direct {
	if clk == nil {
		clk = clock.New()
	}
	return &Direct{publisher: pub, clock: clk}
}

func (d *Direct) Escalate(ctx context.Context, esc models.Escalation) error {
	return publish(ctx, d.publisher, d.clock, esc)
}

// Handler processes escalation tasks on the asynq worker.
type Handler struct {
	publisher notify.Publisher
	clock     clock.Clock
	log       *zap.Logger
}

func NewHandler(pub notify.Publisher, clk clock.Clock, logger *zap.Logger) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{publisher: pub, clock: clk, log: logger}
}

func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var esc models.Escalation
	if err := json.Unmarshal(t.Payload(), &esc); err != nil {
		return fmt.Errorf("decode escalation: %v: %w", err, asynq.SkipRetry)
	}
	if err := publish(ctx, h.publisher, h.clock, esc); err != nil {
		h.log.Warn("escalation delivery failed", zap.String("assignment_id", esc.AssignmentID), zap.Error(err))
		return err
	}
	h.log.Info("supervisor notified",
		zap.String("assignment_id", esc.AssignmentID),
		zap.String("table_id", esc.TableID),
		zap.String("reason", esc.Reason),
	)
	return nil
}

func NewServeMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeSupervisorEscalation, h)
	return mux
}

func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
		},
		Logger: zapLogger{logger.Sugar()},
	})
}

func publish(ctx context.Context, pub notify.Publisher, clk clock.Clock, esc models.Escalation) error {
	if pub == nil {
		return nil
	}
	env, err := notify.NewEnvelope(notify.TypeExhausted, notify.Supervisors(), esc, clk.Now())
	if err != nil {
		return err
	}
	return pub.Publish(ctx, env)
}

// zapLogger adapts zap to asynq's logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l zapLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l zapLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l zapLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l zapLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }
