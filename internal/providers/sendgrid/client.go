// Package sendgrid talks to the SendGrid v3 Mail Send and Email Activity APIs
// and verifies signed event webhooks.
package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"commhub/internal/domain"
	"commhub/internal/providers"
)

const ProviderName = "sendgrid"

type Client struct {
	APIKey    string
	FromEmail string
	FromName  string
	BaseURL   string
	HTTP      *http.Client
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To         []address         `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailSend struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
}

type apiErrors struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) baseURL() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if b == "" {
		b = "https://api.sendgrid.com"
	}
	return b
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Name is the provider label stored on communications.
func (c *Client) Name() string { return ProviderName }

// Send submits one HTML email. The communication id travels as a custom arg so
// event webhooks can be matched even before the message id is stored.
func (c *Client) Send(ctx context.Context, msg providers.Message) (providers.Ack, error) {
	if msg.Channel != domain.ChannelEmail {
		return providers.Ack{}, errors.New("sendgrid sender only handles email")
	}
	payload := mailSend{
		Personalizations: []personalization{{
			To:         []address{{Email: msg.To}},
			CustomArgs: map[string]string{"communication_id": msg.CommunicationID},
		}},
		From:    address{Email: c.FromEmail, Name: c.FromName},
		Subject: msg.Subject,
		Content: []content{{Type: "text/html", Value: msg.Body}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return providers.Ack{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return providers.Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	code, hdr, raw, err := c.do(req)
	ack := providers.Ack{HTTPStatus: code, Raw: raw, VendorStatus: "processed"}
	if err != nil {
		return ack, err
	}
	ack.ProviderMsgID = hdr.Get("X-Message-Id")
	if ack.ProviderMsgID == "" {
		return ack, &providers.CallError{Provider: ProviderName, HTTPStatus: code, Message: "response missing X-Message-Id"}
	}
	return ack, nil
}

type activity struct {
	MsgID  string `json:"msg_id"`
	Status string `json:"status"`
}

// FetchStatus reads a message from the Email Activity API.
func (c *Client) FetchStatus(ctx context.Context, msgID string) (providers.StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/v3/messages/"+url.PathEscape(msgID), nil)
	if err != nil {
		return providers.StatusReport{}, err
	}
	_, _, raw, err := c.do(req)
	if err != nil {
		return providers.StatusReport{}, err
	}
	var a activity
	if err := json.Unmarshal(raw, &a); err != nil {
		return providers.StatusReport{}, err
	}
	rep := providers.StatusReport{VendorStatus: a.Status}
	switch a.Status {
	case "processed":
		rep.Status, rep.Known = domain.StatusSent, true
	case "delivered":
		rep.Status, rep.Known = domain.StatusDelivered, true
	case "not_delivered":
		rep.Status, rep.Known = domain.StatusFailed, true
		rep.Reason = "sendgrid reported not_delivered"
	}
	return rep, nil
}

func (c *Client) do(req *http.Request) (int, http.Header, []byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiErrors
		_ = json.Unmarshal(raw, &apiErr)
		msg := ""
		if len(apiErr.Errors) > 0 {
			msg = apiErr.Errors[0].Message
		}
		return resp.StatusCode, resp.Header, raw, &providers.CallError{
			Provider: ProviderName, HTTPStatus: resp.StatusCode, Message: msg, Body: raw,
		}
	}
	return resp.StatusCode, resp.Header, raw, nil
}
