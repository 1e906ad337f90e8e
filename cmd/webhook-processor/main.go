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
	"commhub/internal/tracker"
	"commhub/internal/worker"
)

func main() {
	cfg := config.LoadWebhookProcessor()
	logging.Init("webhook-processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := app.SignalContext()
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("webhook-processor failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.WebhookProcessorConfig) error {
	db, err := app.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		return err
	}

	consumer := &sqsqueue.WebhookConsumer{Consumer: sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.WebhookEventsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}}
	// events that beat the worker's provider id write are redriven for a while
	proc := &worker.EventProcessor{
		Store:           store,
		Tracker:         tracker.New(store),
		RetryUnknownFor: cfg.RetryUnknownFor,
	}

	health := httpserver.New(db.Ping, awsutil.QueueCheck(sqsClient, cfg.WebhookEventsQueueURL))
	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           health.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	poll := func(ctx context.Context) error {
		slog.Info("webhook-processor starting poll", "queue_url", cfg.WebhookEventsQueueURL)
		return consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, proc.Process)
	}
	return app.Run(ctx, "webhook-processor", []*http.Server{healthSrv, app.MetricsServer(cfg.MetricsPort)}, poll)
}
