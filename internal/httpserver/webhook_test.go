package httpserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/domain"
	"commhub/internal/providers/sendgrid"
	"commhub/internal/providers/twilio"
	sqsqueue "commhub/internal/queue/sqs"
	"commhub/internal/store"
	"commhub/internal/store/memory"
	"commhub/internal/tracker"
	"commhub/internal/worker"
)

const authToken = "secret-token"

func seedSent(t *testing.T, s *memory.Store, id, provider, msgID string, ch domain.Channel) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.InsertCommunication(ctx, domain.Communication{
		ID: id, CompanyID: "co", Type: ch, Direction: domain.DirectionOutbound, Status: domain.StatusQueued, To: "x", CreatedAt: now,
	}))
	require.NoError(t, s.SetProviderDetails(ctx, store.ProviderDetails{ID: id, Provider: provider, ProviderMsgID: msgID, Now: now}))
	_, err := s.AdvanceStatus(ctx, store.StatusUpdate{ID: id, Status: domain.StatusSent, At: now})
	require.NoError(t, err)
}

func newWebhookServer(t *testing.T, s *memory.Store, key *ecdsa.PublicKey) (*httptest.Server, *Webhook) {
	t.Helper()
	proc := &worker.EventProcessor{Store: s, Tracker: tracker.New(s)}
	wh := &Webhook{Sink: SinkFunc(proc.Process), TwilioAuthToken: authToken, SendGridKey: key}
	r := mux.NewRouter()
	wh.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	wh.TwilioURL = srv.URL + "/v1/webhooks/twilio/status"
	return srv, wh
}

func postForm(t *testing.T, srv *httptest.Server, form url.Values, sig string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/webhooks/twilio/status", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	return res.StatusCode
}

func TestTwilioStatusCallback(t *testing.T) {
	s := memory.New()
	seedSent(t, s, "com_1", "twilio", "SM1", domain.ChannelSMS)
	srv, wh := newWebhookServer(t, s, nil)

	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30003"}}
	assert.Equal(t, http.StatusUnauthorized, postForm(t, srv, form, "bogus"))

	sig := twilio.SignForm(authToken, wh.TwilioURL, form)
	require.Equal(t, http.StatusOK, postForm(t, srv, form, sig))

	c, err := s.GetCommunication(context.Background(), "com_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Contains(t, c.FailureReason, "30003")
	assert.Len(t, s.Events(), 1)

	// a late delivered callback never resurrects a failed message
	late := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}
	require.Equal(t, http.StatusOK, postForm(t, srv, late, twilio.SignForm(authToken, wh.TwilioURL, late)))
	c, _ = s.GetCommunication(context.Background(), "com_1")
	assert.Equal(t, domain.StatusFailed, c.Status)
}

func TestTwilioUnknownMessageIsAccepted(t *testing.T) {
	srv, wh := newWebhookServer(t, memory.New(), nil)
	form := url.Values{"MessageSid": {"SM404"}, "MessageStatus": {"delivered"}}
	assert.Equal(t, http.StatusOK, postForm(t, srv, form, twilio.SignForm(authToken, wh.TwilioURL, form)))
}

func TestWebhookSinkFailureIs500(t *testing.T) {
	s := memory.New()
	srv, wh := newWebhookServer(t, s, nil)
	wh.Sink = SinkFunc(func(context.Context, sqsqueue.WebhookEvent) error { return errors.New("sqs down") })
	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"sent"}}
	assert.Equal(t, http.StatusInternalServerError, postForm(t, srv, form, twilio.SignForm(authToken, wh.TwilioURL, form)))
}

func postEvents(t *testing.T, srv *httptest.Server, body, sig, ts string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/webhooks/sendgrid/events", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sendgrid.HeaderSignature, sig)
	req.Header.Set(sendgrid.HeaderTimestamp, ts)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	return res.StatusCode
}

func TestSendGridSignedEvents(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	s := memory.New()
	seedSent(t, s, "com_e", "sendgrid", "sgid", domain.ChannelEmail)
	srv, _ := newWebhookServer(t, s, &priv.PublicKey)

	body := `[{"email":"a@b.c","timestamp":1767225600,"event":"open","sg_message_id":"sgid.f1"},` +
		`{"email":"a@b.c","timestamp":1767225600,"event":"delivered","sg_message_id":"sgid.f1"}]`
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := sendgrid.Sign(priv, ts, []byte(body))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, postEvents(t, srv, body, sig, ts+"0"))
	require.Equal(t, http.StatusOK, postEvents(t, srv, body, sig, ts))

	c, err := s.GetCommunication(context.Background(), "com_e")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, c.Status)
	// engagement events come from our own pixel
	assert.Zero(t, c.OpenCount)
	assert.Len(t, s.Events(), 1)
}

func TestSendGridBadJSON(t *testing.T) {
	srv, _ := newWebhookServer(t, memory.New(), nil)
	assert.Equal(t, http.StatusBadRequest, postEvents(t, srv, `{"not":"an array"}`, "", ""))
}
