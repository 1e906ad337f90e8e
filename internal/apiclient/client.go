// Package apiclient is a small HTTP client for the commhub API, used by
// commctl and the offline sync queue.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/tracker"
)

type Client struct {
	BaseURL    string
	CompanyID  string
	HTTPClient *http.Client
	// Timeout applies only when HTTPClient is nil.
	Timeout time.Duration
}

func New(baseURL, companyID string) *Client {
	return &Client{BaseURL: baseURL, CompanyID: companyID, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Temporary reports whether the server asked the caller to come back later.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return e.Code == string(apperr.CodeInProgress)
}

// Transient is the retry classifier for polling through this client.
func Transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return tracker.IsTransient(err)
}

// Dispatch sends one communication. replayed is true when the server answered
// from an earlier request with the same idempotency key.
func (c *Client) Dispatch(ctx context.Context, req domain.DispatchRequest, idempotencyKey string) (domain.Communication, bool, error) {
	if req.CompanyID == "" {
		req.CompanyID = c.CompanyID
	}
	hdr := http.Header{}
	if idempotencyKey != "" {
		hdr.Set("Idempotency-Key", idempotencyKey)
	}
	var out domain.Communication
	status, err := c.do(ctx, http.MethodPost, "v1/communications", hdr, req, &out)
	return out, status == http.StatusOK, err
}

func (c *Client) EnqueueBatch(ctx context.Context, req domain.BatchRequest, batchKey string) (domain.BatchResponse, error) {
	if req.CompanyID == "" {
		req.CompanyID = c.CompanyID
	}
	hdr := http.Header{}
	if batchKey != "" {
		hdr.Set("Idempotency-Key", batchKey)
	}
	var out domain.BatchResponse
	_, err := c.do(ctx, http.MethodPost, "v1/communications/batch", hdr, req, &out)
	return out, err
}

func (c *Client) GetCommunication(ctx context.Context, id string) (domain.Communication, error) {
	var out domain.Communication
	_, err := c.do(ctx, http.MethodGet, "v1/communications/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Healthy probes /healthz.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "healthz", nil, nil, nil)
	return err
}

// Watch polls a communication until it reaches a terminal status, ctx ends,
// or polling keeps failing. onUpdate sees every observation in order.
func (c *Client) Watch(ctx context.Context, id string, opts tracker.PollerOptions, onUpdate func(domain.Communication)) *tracker.Handle {
	if opts.Transient == nil {
		opts.Transient = Transient
	}
	var last domain.Communication
	poll := func(ctx context.Context) (tracker.Sample, error) {
		comm, err := c.GetCommunication(ctx, id)
		if err != nil {
			return tracker.Sample{}, err
		}
		last = comm
		return tracker.Sample{Status: comm.Status, Reason: comm.FailureReason, At: comm.UpdatedAt}, nil
	}
	apply := func(s tracker.Sample) bool {
		if onUpdate != nil {
			onUpdate(last)
		}
		return s.Status.Terminal()
	}
	return tracker.StartPoller(ctx, opts, poll, apply)
}

func (c *Client) do(ctx context.Context, method, endpoint string, hdr http.Header, body any, out any) (int, error) {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, apperr.Wrap(apperr.CodeValidation, err, "encode request")
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeValidation, err, "build request")
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.CompanyID != "" {
		req.Header.Set("X-Company-ID", c.CompanyID)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeTransientNetwork, err, "api unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, apperr.Wrap(apperr.CodeTransientNetwork, err, "read response")
		}
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		e.Code, e.Message = env.Error.Code, env.Error.Message
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
