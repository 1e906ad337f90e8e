// Package app builds the shared runtime pieces the commhub binaries wire
// together from their env config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"commhub/internal/config"
	"commhub/internal/domain"
	"commhub/internal/httpapi"
	"commhub/internal/idempotency"
	"commhub/internal/observability"
	"commhub/internal/providers"
	"commhub/internal/providers/sendgrid"
	"commhub/internal/providers/twilio"
	"commhub/internal/ratelimit"
	"commhub/internal/redisstore"
	"commhub/internal/service"
	"commhub/internal/store/pg"
	"commhub/internal/tracker"
	"commhub/internal/util"
	"commhub/internal/worker"
)

// DefaultTemplates are the message templates available to every tenant.
var DefaultTemplates = map[string]string{
	"txn_confirm_v1":     "Hi {name}, your request is confirmed. Ref: {ref}. Thanks.",
	"invoice_ready_v1":   "Hi {name}, invoice {invoice} for {amount} is ready: {link}",
	"appointment_rem_v1": "Reminder: {name}, your appointment is on {date} at {time}.",
}

func OpenPostgres(ctx context.Context, c config.Postgres) (*pgxpool.Pool, error) {
	return pg.NewPool(ctx, c.DBDSN, pg.PoolOptions{
		MaxConns:          c.DBPoolMaxConns,
		MinConns:          c.DBPoolMinConns,
		MaxConnLifetime:   c.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   c.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: c.DBPoolHealthCheckPeriod,
	})
}

// OpenRedis returns nil without error when REDIS_URL is unset.
func OpenRedis(ctx context.Context, c config.Redis) (*redisstore.Client, error) {
	if strings.TrimSpace(c.RedisURL) == "" {
		return nil, nil
	}
	return redisstore.New(ctx, redisstore.Options{
		URL:          c.RedisURL,
		PoolSize:     c.RedisPoolSize,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// NewGuard returns the guard for IDEMPOTENCY_BACKEND. The purger is nil for
// backends that expire records on their own.
func NewGuard(d config.Dispatch, pool *pgxpool.Pool, rc *redisstore.Client) (*idempotency.Guard, worker.Purger, error) {
	opts := idempotency.Options{ClaimTTL: d.IdempotencyClaimTTL, Retention: d.IdempotencyRetention}
	switch strings.ToLower(d.IdempotencyBackend) {
	case "", "postgres":
		if pool == nil {
			return nil, nil, errors.New("postgres idempotency backend needs DB_DSN")
		}
		s := pg.NewIdempotencyStore(pool)
		return idempotency.NewGuard(s, opts), s, nil
	case "redis":
		if rc == nil {
			return nil, nil, errors.New("redis idempotency backend needs REDIS_URL")
		}
		return idempotency.NewGuard(redisstore.NewIdempotencyStore(rc), opts), nil, nil
	case "memory":
		s := idempotency.NewMemoryStore()
		return idempotency.NewGuard(s, opts), s, nil
	}
	return nil, nil, fmt.Errorf("unknown IDEMPOTENCY_BACKEND %q", d.IdempotencyBackend)
}

// NewFixedWindow counts in redis when available and in process otherwise.
func NewFixedWindow(name string, limit int, window time.Duration, onFailure string, rc *redisstore.Client) (*ratelimit.FixedWindow, error) {
	policy, err := ratelimit.ParseFailurePolicy(onFailure)
	if err != nil {
		return nil, err
	}
	var counter ratelimit.CounterStore = ratelimit.NewMemoryCounter()
	if rc != nil {
		counter = redisstore.NewRateCounter(rc)
	}
	return ratelimit.NewFixedWindow(ratelimit.Policy{Name: name, Limit: limit, Window: window}, counter, policy)
}

// NewProviders registers a sender per channel whose credentials are set.
func NewProviders(c config.Providers) providers.Registry {
	reg := providers.Registry{}
	httpClient := &http.Client{Timeout: c.ProviderCallTimeout + 2*time.Second}
	if c.TwilioAccountSID != "" {
		reg[domain.ChannelSMS] = twilio.NewSender(&twilio.Client{
			AccountSID:          c.TwilioAccountSID,
			AuthToken:           c.TwilioAuthToken,
			HTTP:                httpClient,
			MessagingServiceSID: c.TwilioMessagingServiceSID,
			FromNumber:          c.TwilioFromNumber,
			BaseURL:             c.TwilioBaseURL,
		})
	}
	if c.SendGridAPIKey != "" {
		reg[domain.ChannelEmail] = &sendgrid.Client{
			APIKey:    c.SendGridAPIKey,
			FromEmail: c.SendGridFromEmail,
			FromName:  c.SendGridFromName,
			BaseURL:   c.SendGridBaseURL,
			HTTP:      httpClient,
		}
	}
	return reg
}

// Dispatch is a DispatchService plus the background watcher it feeds, which
// the caller must Close on shutdown.
type Dispatch struct {
	Service *service.DispatchService
	Watcher *tracker.Watcher
}

func (d *Dispatch) Close() {
	if d.Watcher != nil {
		d.Watcher.Close()
	}
}

func NewDispatch(p config.Providers, d config.Dispatch, st *pg.Store, guard *idempotency.Guard, rc *redisstore.Client) (*Dispatch, error) {
	reg := NewProviders(p)
	if len(reg) == 0 {
		slog.Warn("no provider credentials configured; every dispatch will fail")
	}

	svc := &service.DispatchService{
		Store:             st,
		Guard:             guard,
		Providers:         reg,
		Limiter:           rate.NewLimiter(rate.Limit(p.ProviderRPSPerPod), p.ProviderBurst),
		Breaker:           service.NewBreaker("providers", p.BreakerFailures, p.BreakerOpenFor),
		Templates:         DefaultTemplates,
		TrackingBaseURL:   p.TrackingBaseURL,
		StatusCallbackURL: p.StatusCallbackURL,
		Timeout:           d.DispatchTimeout,
		CallTimeout:       p.ProviderCallTimeout,
		IDGen:             util.NewCommunicationID,
	}

	if d.TenantDispatchLimit > 0 {
		tl, err := NewFixedWindow("dispatch", d.TenantDispatchLimit, d.TenantDispatchWindow, d.RateLimitOnFailure, rc)
		if err != nil {
			return nil, err
		}
		svc.TenantLimiter = tl
	}

	out := &Dispatch{Service: svc}
	if d.WatchEnabled {
		out.Watcher = tracker.NewWatcher(tracker.New(st), reg, tracker.PollerOptions{
			Interval:    d.WatchInterval,
			MaxAttempts: d.WatchMaxAttempts,
		}, d.WatchMaxDuration)
		svc.Watcher = out.Watcher
	}
	return out, nil
}

// MetricsServer registers the commhub collectors on a fresh registry and
// serves them on port.
func MetricsServer(port string) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(reg)
	return &http.Server{
		Addr:              ":" + port,
		Handler:           httpapi.NewMetricsMux(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Run serves every server and runs every loop until ctx ends or one of them
// fails. Servers get 10s to drain on the way out.
func Run(ctx context.Context, name string, servers []*http.Server, loops ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			slog.Info(name+" listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server %s: %w", name, srv.Addr, err)
			}
			return nil
		})
	}
	for _, loop := range loops {
		g.Go(func() error {
			if err := loop(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info(name + " shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})
	return g.Wait()
}
