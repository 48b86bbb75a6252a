// Package compile forwards code to a remote execution service.
package compile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultEndpoint = "https://api.jdoodle.com/v1/execute"
	DefaultTimeout  = 15 * time.Second

	maxResponseSize = 4 << 20
)

var ErrUpstreamUnavailable = errors.New("compiler upstream unavailable")

type Request struct {
	Script       string `json:"script"`
	Stdin        string `json:"stdin"`
	Language     string `json:"language"`
	VersionIndex string `json:"versionIndex"`
}

// Result holds the upstream response. Body is relayed to callers unchanged;
// the decoded fields are for logging only.
type Result struct {
	Body       []byte
	Output     string
	StatusCode int
	Memory     string
	CPUTime    string
}

// Credentials are attached here and never accepted from callers
type upstreamRequest struct {
	Request
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type upstreamResponse struct {
	Output     string          `json:"output"`
	StatusCode int             `json:"statusCode"`
	Memory     json.RawMessage `json:"memory"`
	CPUTime    json.RawMessage `json:"cpuTime"`
}

type Client struct {
	endpoint     string
	clientID     string
	clientSecret string
	http         *http.Client
}

func New(endpoint, clientID, clientSecret string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: timeout},
	}
}

func (c *Client) Compile(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(upstreamRequest{
		Request:      req,
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var decoded upstreamResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrUpstreamUnavailable, err)
	}

	return &Result{
		Body:       raw,
		Output:     decoded.Output,
		StatusCode: decoded.StatusCode,
		Memory:     scalar(decoded.Memory),
		CPUTime:    scalar(decoded.CPUTime),
	}, nil
}

// The upstream reports memory and cpuTime as either strings or numbers
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
