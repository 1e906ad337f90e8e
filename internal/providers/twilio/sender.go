package twilio

import (
	"context"
	"errors"
	"strconv"

	"commhub/internal/domain"
	"commhub/internal/providers"
)

const ProviderName = "twilio"

// Sender adapts Client to providers.Sender for the sms channel.
type Sender struct {
	Client *Client
}

func NewSender(c *Client) *Sender { return &Sender{Client: c} }

func (s *Sender) Name() string { return ProviderName }

func (s *Sender) Send(ctx context.Context, msg providers.Message) (providers.Ack, error) {
	if msg.Channel != domain.ChannelSMS {
		return providers.Ack{}, errors.New("twilio sender only handles sms")
	}
	out, code, raw, err := s.Client.SendSMS(ctx, SendRequest{
		To:                msg.To,
		Body:              msg.Body,
		StatusCallbackURL: msg.StatusCallbackURL,
	})
	ack := providers.Ack{ProviderMsgID: out.Sid, VendorStatus: out.Status, HTTPStatus: code, Raw: raw}
	if err != nil {
		return ack, err
	}
	if out.Sid == "" {
		return ack, &providers.CallError{Provider: ProviderName, HTTPStatus: code, Message: "response missing sid", Body: raw}
	}
	return ack, nil
}

func (s *Sender) FetchStatus(ctx context.Context, sid string) (providers.StatusReport, error) {
	out, _, _, err := s.Client.FetchMessage(ctx, sid)
	if err != nil {
		return providers.StatusReport{}, err
	}
	rep := providers.StatusReport{VendorStatus: out.Status, Reason: out.ErrorMessage}
	if out.ErrorCode != nil {
		rep.ErrorCode = strconv.Itoa(*out.ErrorCode)
	}
	rep.Status, rep.Known = MapStatus(out.Status)
	if rep.Known && rep.Status == domain.StatusFailed {
		rep.Reason = FailureReason(out.Status, rep.ErrorCode, out.ErrorMessage)
	}
	return rep, nil
}
