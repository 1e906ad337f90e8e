// Command mock-provider fakes the Twilio Messages API and the SendGrid Mail
// Send API for local runs, including asynchronous signed status webhooks and
// status lookups.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"log/slog"
	mathrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"commhub/internal/config"
	"commhub/internal/httpserver"
	"commhub/internal/logging"
)

type mockConfig struct {
	AccountSID  string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken   string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	SendGridKey string `envconfig:"SENDGRID_API_KEY" default:"mock_sendgrid_key"`

	// SendGridSigningKey is a base64 PKCS8 EC private key; one is generated
	// when empty and its public half logged at startup.
	SendGridSigningKey string `envconfig:"MOCK_SENDGRID_SIGNING_KEY"`

	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// OutcomeMode is fixed, round_robin, random or weighted.
	OutcomeMode       string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw       string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate       float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeightsRaw string  `envconfig:"MOCK_FAILURE_WEIGHTS" default:"failed:1"`

	Delay        time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	TimeoutDelay time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"12s"`

	// MinLatency/MaxLatency shape the response time of every API call.
	MinLatency time.Duration `envconfig:"MOCK_MIN_LATENCY" default:"100ms"`
	MaxLatency time.Duration `envconfig:"MOCK_MAX_LATENCY" default:"500ms"`

	TwilioWebhookURL   string        `envconfig:"MOCK_WEBHOOK_URL"`
	SendGridWebhookURL string        `envconfig:"MOCK_SENDGRID_WEBHOOK_URL"`
	WebhookDelay       time.Duration `envconfig:"MOCK_WEBHOOK_DELAY" default:"500ms"`
	WebhookSentDelay   time.Duration `envconfig:"MOCK_WEBHOOK_SENT_DELAY" default:"300ms"`
	IncludeQueuedFirst bool          `envconfig:"MOCK_WEBHOOK_INCLUDE_QUEUED" default:"true"`

	// Retries happen on transport errors and retryable statuses.
	WebhookMaxRetries     int           `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"8"`
	WebhookRetryBase      time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_BASE" default:"250ms"`
	WebhookRetryMax       time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_MAX" default:"10s"`
	WebhookRetryJitterPct int           `envconfig:"MOCK_WEBHOOK_RETRY_JITTER_PCT" default:"20"`

	Outcomes       []string          `ignored:"true"`
	FailureWeights []weightedOutcome `ignored:"true"`
}

type server struct {
	cfg     mockConfig
	sgKey   *ecdsa.PrivateKey
	rng     *mathrand.Rand
	rngMu   sync.Mutex
	client  *http.Client
	msgs    *messageStore
	picker  *outcomePicker
	pending sync.WaitGroup
}

func main() {
	var cfg mockConfig
	if err := config.Load(&cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	logging.Init("mock-provider", cfg.LogFormat, cfg.LogLevel)

	s, err := newServer(cfg)
	if err != nil {
		slog.Error("mock provider init failed", "err", err)
		os.Exit(1)
	}

	r := mux.NewRouter()
	r.Use(httpserver.Recover, httpserver.Logging)
	s.register(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("mock provider shutdown", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg mockConfig) (*server, error) {
	cfg.OutcomeMode = strings.ToLower(strings.TrimSpace(cfg.OutcomeMode))
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.FailureWeights = parseWeightedOutcomes(cfg.FailureWeightsRaw)
	if len(cfg.FailureWeights) == 0 {
		cfg.FailureWeights = []weightedOutcome{{Kind: "failed", Weight: 1}}
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MinLatency, cfg.MaxLatency = cfg.MaxLatency, cfg.MinLatency
	}

	key, err := signingKey(cfg.SendGridSigningKey)
	if err != nil {
		return nil, err
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	slog.Info("sendgrid event webhook public key", "SENDGRID_WEBHOOK_PUBLIC_KEY", base64.StdEncoding.EncodeToString(pub))

	rng := mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
	s := &server{
		cfg:    cfg,
		sgKey:  key,
		rng:    rng,
		client: &http.Client{Timeout: 5 * time.Second},
		msgs:   newMessageStore(),
	}
	s.picker = &outcomePicker{mode: cfg.OutcomeMode, outcomes: cfg.Outcomes, successRate: cfg.SuccessRate, failures: cfg.FailureWeights, float: s.float64}
	return s, nil
}

func (s *server) register(r *mux.Router) {
	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleTwilioSend).Methods(http.MethodPost)
	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages/{Sid}.json", s.handleTwilioFetch).Methods(http.MethodGet)
	r.HandleFunc("/v3/mail/send", s.handleSendGridSend).Methods(http.MethodPost)
	r.HandleFunc("/v3/messages/{id}", s.handleSendGridMessage).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
}

func signingKey(b64 string) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(b64) == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, err
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	ec, ok := k.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("MOCK_SENDGRID_SIGNING_KEY is not an EC key")
	}
	return ec, nil
}

func (s *server) float64() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *server) int63n(n int64) int64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Int63n(n)
}

// delayResponse pads the response time to a random target in
// [MinLatency, MaxLatency].
func (s *server) delayResponse(ctx context.Context, start time.Time) {
	min, max := s.cfg.MinLatency, s.cfg.MaxLatency
	if max <= 0 {
		return
	}
	target := min
	if max > min {
		target += time.Duration(s.int63n(int64(max-min) + 1))
	}
	remain := target - time.Since(start)
	if remain <= 0 {
		return
	}
	t := time.NewTimer(remain)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// callDelay applies the fixed per-call delay; false means the caller went away.
func (s *server) callDelay(ctx context.Context) bool {
	if s.cfg.Delay <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.Delay):
		return true
	}
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
