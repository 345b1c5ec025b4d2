package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/richinsley/comfy2go-worker/internal/config"
	"github.com/richinsley/comfy2go-worker/internal/handler"
	"github.com/richinsley/comfy2go-worker/internal/httpapi"
	"github.com/richinsley/comfy2go-worker/internal/logger"
	"github.com/richinsley/comfy2go-worker/internal/queue"
	"github.com/richinsley/comfy2go-worker/internal/worker"
	"github.com/schollz/progressbar/v3"
)

// process CLI arguments
func procCLI() (string, string) {
	mode := flag.String("mode", "", "Worker mode: http, asynq, list or once (overrides WORKER_MODE)")
	input := flag.String("input", "-", "Job JSON file for once mode, - for stdin")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Printf("  %s [OPTIONS]", os.Args[0])
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		fmt.Println("\nThe remaining settings are read from the environment (and .env when present).")
	}
	flag.Parse()
	return strings.ToLower(*mode), *input
}

func main() {
	mode, input := procCLI()

	// a missing .env is fine
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if mode != "" {
		cfg.WorkerMode = mode
	}

	log := logger.Install(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: cfg.ServiceName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := worker.NewHandler(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize worker", "error", err)
		os.Exit(1)
	}

	log.Info("Worker starting", "mode", cfg.WorkerMode, "comfyui", h.Client.ServerBaseAddress())
	switch cfg.WorkerMode {
	case "http":
		err = serveHTTP(ctx, cfg, h, log)
	case "asynq":
		err = consumeAsynq(ctx, cfg, h, log)
	case "list":
		err = consumeList(ctx, cfg, h, log)
	case "once":
		err = runOnce(ctx, h, input)
	default:
		err = fmt.Errorf("unknown worker mode %q", cfg.WorkerMode)
	}
	if err != nil {
		log.Error("Worker stopped", "error", err)
		os.Exit(1)
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, h *handler.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(httpapi.Deps{Runner: h, Comfy: h.Client, Logger: log}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func consumeAsynq(ctx context.Context, cfg *config.Config, h *handler.Handler, log *slog.Logger) error {
	c, err := queue.NewAsynqConsumer(queue.AsynqConfig{
		RedisURL:    cfg.RedisURL,
		Queue:       cfg.QueueName,
		Concurrency: cfg.WorkerConcurrency,
		Runner:      h,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

func consumeList(ctx context.Context, cfg *config.Config, h *handler.Handler, log *slog.Logger) error {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unavailable: %w", err)
	}
	return queue.NewListConsumer(rdb, cfg.QueueName, cfg.ResultTTL, h, log).Run(ctx)
}

// runOnce handles a single job read from input and prints the output as JSON on
// stdout, drawing sampler progress on stderr.
func runOnce(ctx context.Context, h *handler.Handler, input string) error {
	var r io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	job, err := handler.DecodeJob(data)
	if err != nil {
		return fmt.Errorf("failed to decode job: %w", err)
	}

	// we'll provide a progress bar per sampling node
	var bar *progressbar.ProgressBar
	var barNode string
	h.OnProgress = func(jobID string, node string, value, max int) {
		if bar == nil || barNode != node {
			bar = progressbar.Default(int64(max), "node "+node)
			barNode = node
		}
		bar.Set(value)
	}

	out := h.Handle(ctx, job)
	if bar != nil {
		bar.Finish()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if out.Failed() {
		return errors.New(out.Error)
	}
	return nil
}
