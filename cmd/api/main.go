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
	sqsqueue "commhub/internal/queue/sqs"
	"commhub/internal/service"
	"commhub/internal/store/pg"
	"commhub/internal/tracking"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := app.SignalContext()
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("api failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.APIConfig) error {
	db, err := app.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	rc, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	checks := []httpapi.ReadyzCheck{db.Ping}
	if rc != nil {
		defer rc.Close()
		checks = append(checks, rc.Ping)
	}

	guard, _, err := app.NewGuard(cfg.Dispatch, db, rc)
	if err != nil {
		return err
	}

	store := pg.New(db)
	dispatch, err := app.NewDispatch(cfg.Providers, cfg.Dispatch, store, guard, rc)
	if err != nil {
		return err
	}
	defer dispatch.Close()

	api := &httpserver.API{
		Svc:     dispatch.Service,
		Tracker: tracking.NewRecorder(store, cfg.TrackingDefaultRedirect),
		Guard:   guard,
	}

	if cfg.APIRateLimit > 0 {
		l, err := app.NewFixedWindow("api", cfg.APIRateLimit, cfg.APIRateWindow, cfg.RateLimitOnFailure, rc)
		if err != nil {
			return err
		}
		api.Limiter = l
	}

	if cfg.SQSQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			return err
		}
		api.Batch = &service.BatchService{Queue: &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL, GroupBuckets: 16}}
		checks = append(checks, awsutil.QueueCheck(sqsClient, cfg.SQSQueueURL))
	} else {
		slog.Info("SQS_QUEUE_URL not set; batch dispatch disabled")
	}

	s := httpserver.New(checks...)
	api.Register(s.Mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app.Run(ctx, "api", []*http.Server{srv, app.MetricsServer(cfg.MetricsPort)})
}
