package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"commhub/internal/app"
	"commhub/internal/awsutil"
	"commhub/internal/config"
	"commhub/internal/httpserver"
	"commhub/internal/logging"
	sqsqueue "commhub/internal/queue/sqs"
	"commhub/internal/store/pg"
	"commhub/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := app.SignalContext()
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("worker failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.WorkerConfig) error {
	db, err := app.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	rc, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		return err
	}
	queueCheck := awsutil.QueueCheck(sqsClient, cfg.SQSQueueURL)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := queueCheck(startupCtx); err != nil {
		slog.Error("sqs not reachable", "queue_url", cfg.SQSQueueURL, "err", err)
		return err
	}

	guard, purger, err := app.NewGuard(cfg.Dispatch, db, rc)
	if err != nil {
		return err
	}
	dispatch, err := app.NewDispatch(cfg.Providers, cfg.Dispatch, pg.New(db), guard, rc)
	if err != nil {
		return err
	}
	defer dispatch.Close()

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	processor := &worker.Processor{Dispatcher: dispatch.Service}

	loops := []func(context.Context) error{
		func(ctx context.Context) error {
			slog.Info("worker starting poll", "queue_url", cfg.SQSQueueURL, "concurrency", cfg.WorkerConcurrency)
			return consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, processor.Process)
		},
	}
	if purger != nil {
		janitor := &worker.Janitor{Store: purger, Interval: cfg.JanitorInterval}
		loops = append(loops, janitor.Run)
	}

	health := httpserver.New(db.Ping, queueCheck)
	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           health.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app.Run(ctx, "worker", []*http.Server{healthSrv, app.MetricsServer(cfg.MetricsPort)}, loops...)
}
