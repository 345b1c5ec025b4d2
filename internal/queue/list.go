package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/richinsley/comfy2go-worker/client"
	"github.com/richinsley/comfy2go-worker/internal/handler"
)

const (
	defaultPopTimeout = 5 * time.Second
	retryDelay        = time.Second
)

// ListStore is the subset of the redis client used by ListConsumer.
type ListStore interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// ListConsumer pops job JSON from a Redis list and stores each output under
// ResultKey.
type ListConsumer struct {
	rdb        ListStore
	queue      string
	resultTTL  time.Duration
	runner     JobRunner
	logger     *slog.Logger
	PopTimeout time.Duration
}

func NewListConsumer(rdb ListStore, queue string, resultTTL time.Duration, runner JobRunner, log *slog.Logger) *ListConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &ListConsumer{
		rdb:        rdb,
		queue:      queue,
		resultTTL:  resultTTL,
		runner:     runner,
		logger:     log,
		PopTimeout: defaultPopTimeout,
	}
}

// Run processes jobs one at a time until ctx is done.
func (c *ListConsumer) Run(ctx context.Context) error {
	c.logger.Info("Consuming jobs", "queue", c.queue)
	for {
		raw, err := c.Pop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Error("Failed to pop job", "queue", c.queue, "error", err)
			if err := client.SleepContext(ctx, retryDelay); err != nil {
				return nil
			}
			continue
		}
		if raw == "" {
			continue
		}
		c.Process(ctx, raw)
	}
}

// Pop blocks up to PopTimeout for the next job. It returns "" when none arrived.
func (c *ListConsumer) Pop(ctx context.Context) (string, error) {
	res, err := c.rdb.BRPop(ctx, c.PopTimeout, c.queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Process runs one raw job and stores its output. A job whose input does not
// decode gets an error output without running. Payloads that are not a job
// object are dropped since there is no id to report against.
func (c *ListConsumer) Process(ctx context.Context, raw string) {
	job, err := handler.DecodeJob([]byte(raw))
	if errors.Is(err, handler.ErrMalformedJob) {
		c.logger.Error("Dropping undecodable job", "queue", c.queue, "error", err)
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	var out handler.Output
	if err != nil {
		c.logger.Error("Rejecting job input", "job_id", job.ID, "error", err)
		out = handler.Output{Error: err.Error()}
	} else {
		out = c.runner.Handle(ctx, job)
	}
	data, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("Failed to encode job output", "job_id", job.ID, "error", err)
		return
	}

	key := ResultKey(c.queue, job.ID)
	// the result must land even when the worker is shutting down
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.rdb.Set(sctx, key, data, c.resultTTL).Err(); err != nil {
		c.logger.Error("Failed to store job output", "job_id", job.ID, "key", key, "error", err)
		return
	}
	c.logger.Info("Job output stored", "job_id", job.ID, "key", key, "failed", out.Failed())
}
