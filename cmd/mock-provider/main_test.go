package main

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/domain"
	"commhub/internal/providers"
	"commhub/internal/providers/sendgrid"
	"commhub/internal/providers/twilio"
)

type captured struct {
	mu   sync.Mutex
	reqs []capturedReq
}

type capturedReq struct {
	header http.Header
	body   []byte
}

func (c *captured) handler(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.reqs = append(c.reqs, capturedReq{header: r.Header.Clone(), body: b})
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *captured) all() []capturedReq {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedReq(nil), c.reqs...)
}

func newTestServer(t *testing.T, outcomes string, hooks *httptest.Server) (*server, *httptest.Server) {
	t.Helper()
	cfg := mockConfig{
		AccountSID: "AC1", AuthToken: "tok", SendGridKey: "sgkey",
		OutcomeMode: "round_robin", OutcomesRaw: outcomes,
		IncludeQueuedFirst: true, WebhookRetryBase: time.Millisecond, WebhookRetryMax: time.Millisecond,
	}
	if hooks != nil {
		cfg.TwilioWebhookURL = hooks.URL + "/twilio"
		cfg.SendGridWebhookURL = hooks.URL + "/sendgrid"
	}
	s, err := newServer(cfg)
	require.NoError(t, err)
	r := mux.NewRouter()
	s.register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestTwilioSendFetchAndSignedCallbacks(t *testing.T) {
	hooks := &captured{}
	hookSrv := httptest.NewServer(http.HandlerFunc(hooks.handler))
	defer hookSrv.Close()

	s, srv := newTestServer(t, "ok", hookSrv)
	sender := twilio.NewSender(&twilio.Client{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000", BaseURL: srv.URL})

	ack, err := sender.Send(context.Background(), providers.Message{Channel: domain.ChannelSMS, To: "+15551234567", Body: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ProviderMsgID)
	s.pending.Wait()

	reqs := hooks.all()
	require.Len(t, reqs, 3)
	var statuses []string
	for _, r := range reqs {
		form, err := url.ParseQuery(string(r.body))
		require.NoError(t, err)
		assert.True(t, twilio.VerifySignature("tok", hookSrv.URL+"/twilio", r.header.Get("X-Twilio-Signature"), form))
		statuses = append(statuses, form.Get("MessageStatus"))
	}
	assert.Equal(t, []string{"queued", "sent", "delivered"}, statuses)

	rep, err := sender.FetchStatus(context.Background(), ack.ProviderMsgID)
	require.NoError(t, err)
	assert.True(t, rep.Known)
	assert.Equal(t, domain.StatusDelivered, rep.Status)
}

func TestTwilioRejections(t *testing.T) {
	_, srv := newTestServer(t, "rate_limit,bad_request", nil)
	sender := twilio.NewSender(&twilio.Client{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000", BaseURL: srv.URL})
	msg := providers.Message{Channel: domain.ChannelSMS, To: "+15551234567", Body: "hi"}

	_, err := sender.Send(context.Background(), msg)
	assert.True(t, providers.Throttled(err))
	_, err = sender.Send(context.Background(), msg)
	assert.Equal(t, http.StatusBadRequest, providers.HTTPStatusOf(err))

	bad := twilio.NewSender(&twilio.Client{AccountSID: "AC1", AuthToken: "wrong", FromNumber: "+1", BaseURL: srv.URL})
	_, err = bad.Send(context.Background(), msg)
	assert.Equal(t, http.StatusUnauthorized, providers.HTTPStatusOf(err))
}

func TestSendGridSendStatusAndSignedEvents(t *testing.T) {
	hooks := &captured{}
	hookSrv := httptest.NewServer(http.HandlerFunc(hooks.handler))
	defer hookSrv.Close()

	s, srv := newTestServer(t, "undelivered", hookSrv)
	client := &sendgrid.Client{APIKey: "sgkey", FromEmail: "noreply@example.com", BaseURL: srv.URL}

	ack, err := client.Send(context.Background(), providers.Message{
		Channel: domain.ChannelEmail, To: "a@example.com", Subject: "s", Body: "<p>x</p>", CommunicationID: "com_1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, ack.ProviderMsgID)
	s.pending.Wait()

	der, err := x509.MarshalPKIXPublicKey(&s.sgKey.PublicKey)
	require.NoError(t, err)
	pub, err := sendgrid.ParsePublicKey(base64.StdEncoding.EncodeToString(der))
	require.NoError(t, err)

	reqs := hooks.all()
	require.Len(t, reqs, 2)
	var kinds []string
	for _, r := range reqs {
		require.NoError(t, sendgrid.VerifySignature(pub, r.header.Get(sendgrid.HeaderSignature), r.header.Get(sendgrid.HeaderTimestamp), r.body))
		events, err := sendgrid.ParseEvents(r.body)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, ack.ProviderMsgID, events[0].MessageID())
		assert.Equal(t, "com_1", events[0].CommunicationID)
		kinds = append(kinds, events[0].Event)
	}
	assert.Equal(t, []string{"processed", "bounce"}, kinds)

	rep, err := client.FetchStatus(context.Background(), ack.ProviderMsgID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rep.Status)
}

func TestSendGridRequiresAuth(t *testing.T) {
	_, srv := newTestServer(t, "ok", nil)
	client := &sendgrid.Client{APIKey: "nope", FromEmail: "noreply@example.com", BaseURL: srv.URL}
	_, err := client.Send(context.Background(), providers.Message{Channel: domain.ChannelEmail, To: "a@example.com", Subject: "s", Body: "b"})
	assert.Equal(t, http.StatusUnauthorized, providers.HTTPStatusOf(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, outcome{final: "delivered", sendSent: true, httpStatus: 201}, classify("ok"))
	assert.Equal(t, 30007, classify("failed:30007").errorCode)
	assert.True(t, classify("timeout").timeout)
	assert.False(t, classify("server_error").accepted())
	assert.Equal(t, "b", pickWeighted(0.9, []weightedOutcome{{Kind: "a", Weight: 1}, {Kind: "b", Weight: 1}}))
}
