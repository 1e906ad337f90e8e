package twilio

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"commhub/internal/providers"
)

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	MessagingServiceSID string
	FromNumber          string
	BaseURL             string
}

type SendRequest struct {
	To                string
	Body              string
	StatusCallbackURL string
}

// MessageResource is the subset of Twilio's Message resource we read, both on
// create and on fetch.
type MessageResource struct {
	Sid          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Message      string `json:"message"`
}

func (c *Client) messagesURL() string {
	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return baseURL + "/2010-04-01/Accounts/" + c.AccountSID + "/Messages"
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) SendSMS(ctx context.Context, req SendRequest) (MessageResource, int, []byte, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("Body", req.Body)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
	}
	if c.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", c.MessagingServiceSID)
	} else {
		form.Set("From", c.FromNumber)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL()+".json", strings.NewReader(form.Encode()))
	if err != nil {
		return MessageResource{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(httpReq)
}

// FetchMessage reads the current state of a message by SID.
func (c *Client) FetchMessage(ctx context.Context, sid string) (MessageResource, int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.messagesURL()+"/"+url.PathEscape(sid)+".json", nil)
	if err != nil {
		return MessageResource{}, 0, nil, err
	}
	return c.do(httpReq)
}

func (c *Client) do(httpReq *http.Request) (MessageResource, int, []byte, error) {
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return MessageResource{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out MessageResource
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created; treat 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, resp.StatusCode, b, &providers.CallError{
			Provider:   ProviderName,
			HTTPStatus: resp.StatusCode,
			Message:    out.Message,
			Body:       b,
		}
	}
	return out, resp.StatusCode, b, nil
}
