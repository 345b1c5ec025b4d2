// Package queue feeds jobs from Redis into the job handler.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/richinsley/comfy2go-worker/internal/handler"
)

// TaskTypeGenerate is the asynq task type of an image-to-video job.
const TaskTypeGenerate = "i2v:generate"

// JobRunner runs one job to completion.
type JobRunner interface {
	Handle(ctx context.Context, job handler.Job) handler.Output
}

// NewGenerateTask builds the asynq task for job. Jobs are never retried; a
// failed job is reported through its result.
func NewGenerateTask(job handler.Job, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	opts := []asynq.Option{asynq.MaxRetry(0)}
	if queue != "" {
		opts = append(opts, asynq.Queue(queue))
	}
	if job.ID != "" {
		opts = append(opts, asynq.TaskID(job.ID))
	}
	return asynq.NewTask(TaskTypeGenerate, payload, opts...), nil
}

// ResultKey is where the list consumer stores the output of jobID.
func ResultKey(queue string, jobID string) string {
	return queue + ":result:" + jobID
}
