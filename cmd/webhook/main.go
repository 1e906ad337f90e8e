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
	"commhub/internal/httpapi"
	"commhub/internal/httpserver"
	"commhub/internal/logging"
	"commhub/internal/providers/sendgrid"
	sqsqueue "commhub/internal/queue/sqs"
	"commhub/internal/store/pg"
	"commhub/internal/tracker"
	"commhub/internal/worker"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := app.SignalContext()
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("webhook failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.WebhookConfig) error {
	db, err := app.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	wh := &httpserver.Webhook{
		TwilioAuthToken: cfg.TwilioAuthToken,
		TwilioURL:       cfg.PublicWebhookURL,
	}
	if cfg.SendGridWebhookPublicKey != "" {
		key, err := sendgrid.ParsePublicKey(cfg.SendGridWebhookPublicKey)
		if err != nil {
			return err
		}
		wh.SendGridKey = key
	} else {
		slog.Warn("SENDGRID_WEBHOOK_PUBLIC_KEY not set; sendgrid events are accepted unsigned")
	}

	checks := []httpapi.ReadyzCheck{db.Ping}
	if cfg.WebhookEventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			return err
		}
		producer := &sqsqueue.WebhookProducer{SQS: sqsClient, QueueURL: cfg.WebhookEventsQueueURL}
		wh.Sink = httpserver.SinkFunc(producer.Enqueue)
		checks = append(checks, awsutil.QueueCheck(sqsClient, cfg.WebhookEventsQueueURL))
		slog.Info("webhook events buffered to sqs", "queue_url", cfg.WebhookEventsQueueURL)
	} else {
		store := pg.New(db)
		proc := &worker.EventProcessor{Store: store, Tracker: tracker.New(store)}
		wh.Sink = httpserver.SinkFunc(proc.Process)
	}

	s := httpserver.New(checks...)
	wh.Register(s.Mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app.Run(ctx, "webhook", []*http.Server{srv, app.MetricsServer(cfg.MetricsPort)})
}
