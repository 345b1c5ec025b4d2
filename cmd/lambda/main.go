package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"
	"github.com/richinsley/comfy2go-worker/internal/config"
	"github.com/richinsley/comfy2go-worker/internal/handler"
	"github.com/richinsley/comfy2go-worker/internal/logger"
	"github.com/richinsley/comfy2go-worker/internal/worker"
)

type jobRunner interface {
	Handle(ctx context.Context, job handler.Job) handler.Output
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.Install(logger.Config{
		Level:       cfg.LogLevel,
		Format:      "json",
		ServiceName: cfg.ServiceName,
	})

	h, err := worker.NewHandler(context.Background(), cfg, log)
	if err != nil {
		log.Error("Failed to initialize worker", "error", err)
		os.Exit(1)
	}
	lambda.Start(invoke(h, log))
}

// invoke adapts r to a Lambda handler. The event is decoded here rather than by
// the runtime so that a malformed input becomes an error output. The returned
// function never fails; failures are reported in the output body.
func invoke(r jobRunner, log *slog.Logger) func(context.Context, json.RawMessage) (handler.Output, error) {
	return func(ctx context.Context, event json.RawMessage) (handler.Output, error) {
		job, err := handler.DecodeJob(event)
		if err != nil {
			log.Error("Rejecting job event", "job_id", job.ID, "error", err)
			return handler.Output{Error: err.Error()}, nil
		}
		return r.Handle(ctx, job), nil
	}
}
