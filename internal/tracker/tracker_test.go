package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/store"
	"commhub/internal/store/memory"
)

func seedSent(t *testing.T, s *memory.Store, id, provider, msgID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.InsertCommunication(ctx, domain.Communication{
		ID: id, CompanyID: "co", Type: domain.ChannelEmail, Direction: domain.DirectionOutbound,
		Status: domain.StatusQueued, To: "a@b.c", CreatedAt: now,
	}))
	require.NoError(t, s.SetProviderDetails(ctx, store.ProviderDetails{ID: id, Provider: provider, ProviderMsgID: msgID, Now: now}))
	_, err := s.AdvanceStatus(ctx, store.StatusUpdate{ID: id, Status: domain.StatusSent, At: now})
	require.NoError(t, err)
}

func TestLatePollNeverRegressesWebhookDelivery(t *testing.T) {
	s := memory.New()
	seedSent(t, s, "com_1", "sendgrid", "msg-1")
	tr := New(s)
	ctx := context.Background()

	out, err := tr.Apply(ctx, Update{Provider: "sendgrid", ProviderMsgID: "msg-1", Status: domain.StatusDelivered, Source: SourceWebhook})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.True(t, out.Found)

	out, err = tr.Apply(ctx, Update{CommunicationID: "com_1", Status: domain.StatusSent, Source: SourcePoll})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.StatusDelivered, out.Current.Status)

	c, err := s.GetCommunication(ctx, "com_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, c.Status)
	assert.NotNil(t, c.DeliveredAt)
}

func TestTerminalFailedIgnoresLaterDelivered(t *testing.T) {
	s := memory.New()
	seedSent(t, s, "com_1", "twilio", "SM1")
	tr := New(s)
	ctx := context.Background()

	out, err := tr.Apply(ctx, Update{CommunicationID: "com_1", Status: domain.StatusFailed, Reason: "undelivered", Source: SourceWebhook})
	require.NoError(t, err)
	require.True(t, out.Applied)

	out, err = tr.Apply(ctx, Update{CommunicationID: "com_1", Status: domain.StatusDelivered, Source: SourcePoll})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.StatusFailed, out.Current.Status)
	assert.Equal(t, "undelivered", out.Current.FailureReason)
}

func TestApplyUnknownCommunicationIsNotAnError(t *testing.T) {
	tr := New(memory.New())
	out, err := tr.Apply(context.Background(), Update{Provider: "twilio", ProviderMsgID: "SM404", Status: domain.StatusDelivered, Source: SourceWebhook})
	require.NoError(t, err)
	assert.False(t, out.Found)

	out, err = tr.Apply(context.Background(), Update{CommunicationID: "com_404", Status: domain.StatusDelivered})
	require.NoError(t, err)
	assert.False(t, out.Found)
}

func TestApplyRejectsUnknownStatus(t *testing.T) {
	tr := New(memory.New())
	_, err := tr.Apply(context.Background(), Update{CommunicationID: "x", Status: "bounced"})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}
