package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/digitpark-versus/pkg/versusdto"
)

// HeaderProvider supplies extra headers (player identity, auth) for every call.
type HeaderProvider func() map[string]string

// APIError is a non-2xx reply. Domain holds the decoded body when the backend sent one.
type APIError struct {
	Status int
	Domain *versusdto.DomainError
	Body   string
}

func (e *APIError) Error() string {
	if e.Domain != nil {
		return fmt.Sprintf("matchmaking api error: status=%d code=%s: %s", e.Status, e.Domain.Code, e.Domain.Error())
	}
	return fmt.Sprintf("matchmaking api error: status=%d body=%s", e.Status, e.Body)
}

// Code returns the backend error code, if any.
func (e *APIError) Code() string {
	if e.Domain == nil {
		return ""
	}
	return e.Domain.Code
}

// Temporary reports whether the backend may accept the same call later.
func (e *APIError) Temporary() bool {
	if e.Domain != nil && e.Domain.Retryable {
		return true
	}
	switch e.Status {
	case fasthttp.StatusInternalServerError, fasthttp.StatusBadGateway,
		fasthttp.StatusServiceUnavailable, fasthttp.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client talks to the matchmaking HTTP API.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	callTimeout time.Duration
	maxAttempts int
}

type Option func(*Client)

// WithTimeout bounds a single attempt. A shorter ctx deadline wins.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

// WithMaxAttempts caps how often an idempotent call is tried.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithDial replaces the TCP dialer, e.g. with an in-memory listener.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &fasthttp.Client{Name: "digitpark-versus", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		callTimeout: 10 * time.Second,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// endpoint is one API route. Idempotent routes are retried on transport
// errors and temporary replies.
type endpoint struct {
	method     string
	path       string
	idempotent bool
}

var (
	healthEndpoint       = endpoint{fasthttp.MethodGet, "/v1/health", true}
	createTicketEndpoint = endpoint{fasthttp.MethodPost, "/v1/matchmaking/tickets", true}
	cancelTicketEndpoint = endpoint{fasthttp.MethodPost, "/v1/matchmaking/tickets/cancel", true}
)

// submitEndpoint is not idempotent: a second delivery is rejected as already reported.
func submitEndpoint(matchID string) endpoint {
	return endpoint{fasthttp.MethodPost, "/v1/matches/" + url.PathEscape(strings.TrimSpace(matchID)) + "/results", false}
}

func (c *Client) Health(ctx context.Context) (*versusdto.HealthResponse, error) {
	var out versusdto.HealthResponse
	if err := c.call(ctx, healthEndpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTicket may be retried since the backend treats a repeated ticket id as the same ticket.
func (c *Client) CreateTicket(ctx context.Context, req versusdto.TicketRequest) (*versusdto.TicketResponse, error) {
	var out versusdto.TicketResponse
	if err := c.call(ctx, createTicketEndpoint, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelTicket(ctx context.Context, req versusdto.CancelTicketRequest) error {
	return c.call(ctx, cancelTicketEndpoint, req, nil)
}

func (c *Client) SubmitResult(ctx context.Context, matchID string, req versusdto.ResultRequest) error {
	return c.call(ctx, submitEndpoint(matchID), req, nil)
}

func (c *Client) call(ctx context.Context, ep endpoint, in, out any) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(ep.method)
	req.SetRequestURI(c.baseURL + ep.path)
	req.Header.SetContentType("application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", ep.path, err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if ep.idempotent && c.maxAttempts > 1 {
		attempts = c.maxAttempts
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		again, err := c.attempt(ctx, ep, req, out)
		if err == nil {
			return nil
		}
		if !again || attempt >= attempts {
			return err
		}
		if waitErr := pause(ctx, retryDelay(attempt)); waitErr != nil {
			return err
		}
	}
}

// attempt performs one round trip and reports whether a failure is worth retrying.
func (c *Client) attempt(ctx context.Context, ep endpoint, req *fasthttp.Request, out any) (bool, error) {
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	deadline := time.Now().Add(c.callTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return true, fmt.Errorf("%s %s: %w", ep.method, ep.path, err)
	}
	if status := resp.StatusCode(); status < 200 || status >= 300 {
		apiErr := decodeAPIError(status, resp.Body())
		return apiErr.Temporary(), apiErr
	}
	if out == nil {
		return false, nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return false, fmt.Errorf("decode %s reply: %w", ep.path, err)
	}
	return false, nil
}

func decodeAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	if len(body) > 512 {
		body = body[:512]
	}
	e.Body = string(body)
	var de versusdto.DomainError
	if len(body) > 0 && json.Unmarshal(body, &de) == nil && de.Code != "" {
		e.Domain = &de
	}
	return e
}

// retryDelay doubles from 100ms and stops growing at 1.6s.
func retryDelay(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	return (100 * time.Millisecond) << (attempt - 1)
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
