package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/richinsley/comfy2go-worker/internal/handler"
)

// AsynqConsumer processes generate tasks from an asynq queue.
type AsynqConsumer struct {
	server *asynq.Server
	runner JobRunner
	logger *slog.Logger
}

// AsynqConfig holds consumer configuration.
type AsynqConfig struct {
	RedisURL    string
	Queue       string
	Concurrency int
	Runner      JobRunner
	Logger      *slog.Logger
}

// NewAsynqConsumer creates a consumer for cfg.Queue.
func NewAsynqConsumer(cfg AsynqConfig) (*AsynqConsumer, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &AsynqConsumer{runner: cfg.Runner, logger: log}

	c.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: max(cfg.Concurrency, 1),
		Queues:      map[string]int{cfg.Queue: 1},
		Logger:      asynqLogger{log.With("component", "asynq")},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("Task failed", "type", task.Type(), "error", err)
		}),
	})
	return c, nil
}

// Run serves tasks until ctx is done, then shuts the server down.
func (c *AsynqConsumer) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeGenerate, c.ProcessTask)

	c.logger.Info("Starting asynq consumer")
	if err := c.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	<-ctx.Done()
	c.logger.Info("Shutting down asynq consumer")
	c.server.Shutdown()
	return nil
}

// ProcessTask runs the job in task and writes its output as the task result. A
// failed job fails the task without retry. So does a payload that does not
// decode, after writing its error output.
func (c *AsynqConsumer) ProcessTask(ctx context.Context, task *asynq.Task) error {
	jobID, out := c.run(ctx, task.Payload())

	if w := task.ResultWriter(); w != nil {
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			c.logger.Warn("Failed to write task result", "job_id", jobID, "error", err)
		}
	}
	if out.Failed() {
		return fmt.Errorf("%s: %w", out.Error, asynq.SkipRetry)
	}
	return nil
}

// run decodes payload and runs the job it holds, returning the job id and the
// output to record.
func (c *AsynqConsumer) run(ctx context.Context, payload []byte) (string, handler.Output) {
	job, err := handler.DecodeJob(payload)
	if job.ID == "" {
		job.ID, _ = asynq.GetTaskID(ctx)
	}
	if err != nil {
		c.logger.Error("Rejecting task payload", "job_id", job.ID, "error", err)
		return job.ID, handler.Output{Error: err.Error()}
	}
	return job.ID, c.runner.Handle(ctx, job)
}

// asynqLogger routes asynq's logging through slog.
type asynqLogger struct {
	l *slog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{}) { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{}) { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
