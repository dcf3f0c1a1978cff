package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	var path string
	switch req.(type) {
	case VideoRequest, *VideoRequest:
		path = "/v1/videos"
	case PDFRequest, *PDFRequest:
		path = "/v1/documents"
	default:
		return "", &Error{Kind: Terminal, Op: "submit", Message: fmt.Sprintf("unsupported request %T", req)}
	}

	var out submitResponse
	if err := c.do(ctx, "submit", http.MethodPost, path, req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", &Error{Kind: Transient, Op: "submit", Message: "empty job id"}
	}
	return out.JobID, nil
}

func (c *Client) Poll(ctx context.Context, jobID string) (PollResult, error) {
	var out PollResult
	if err := c.do(ctx, "poll", http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return PollResult{}, err
	}
	switch out.Status {
	case JobPending, JobProcessing, JobDone, JobFailed:
	default:
		return PollResult{}, &Error{Kind: Transient, Op: "poll", Message: fmt.Sprintf("unknown job status %q", out.Status)}
	}
	if out.Status == JobDone && out.URL == "" {
		return PollResult{}, &Error{Kind: Terminal, Op: "poll", Message: "job done without artifact url"}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: Terminal, Op: op, Err: err}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return &Error{Kind: Terminal, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyNetError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: Transient, Op: op, Err: err}
	}

	if resp.StatusCode >= 400 {
		var e errorResponse
		_ = json.Unmarshal(respBody, &e)
		msg := e.Error
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return &Error{Kind: classifyStatus(resp.StatusCode), Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Kind: Transient, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return Transient
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		// Bad credentials fail every item the same way.
		return Unavailable
	default:
		return Terminal
	}
}

func classifyNetError(op string, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &Error{Kind: Unavailable, Op: op, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: Unavailable, Op: op, Err: err}
	}
	return &Error{Kind: Transient, Op: op, Err: err}
}

var _ Provider = (*Client)(nil)
