package oracle

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

// Client issues one external call per batch of requests. Outcomes align
// 1:1 with the given requests; a non-nil error means the call as a whole
// failed and no outcomes were produced.
type Client interface {
	Predict(ctx context.Context, model string, reqs []Request) ([]Outcome, error)
}

const (
	predictPath      = "/v1/predict"
	maxResponseBytes = 32 << 20
	maxErrorBodyLen  = 512
)

// Config configures the HTTP oracle client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient calls a prediction oracle over HTTP+JSON.
type HTTPClient struct {
	base   string
	apiKey string
	hc     *http.Client
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("oracle: base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("oracle: invalid base URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		base:   base,
		apiKey: cfg.APIKey,
		hc:     newOutbound(timeout),
	}, nil
}

// newOutbound creates the tuned outbound http client
func newOutbound(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func (c *HTTPClient) Predict(ctx context.Context, model string, reqs []Request) ([]Outcome, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(predictBody{Model: model, Requests: reqs})
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+predictPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var pr predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&pr); err != nil {
		return nil, &CallError{Kind: KindTransient, Status: resp.StatusCode,
			Message: fmt.Sprintf("decode predict response: %v", err)}
	}
	if len(pr.Results) != len(reqs) {
		return nil, &CallError{Kind: KindTransient, Status: resp.StatusCode,
			Message: fmt.Sprintf("oracle returned %d results for %d requests", len(pr.Results), len(reqs))}
	}

	outs := make([]Outcome, len(reqs))
	for i, r := range pr.Results {
		switch {
		case r.Fault != nil:
			outs[i] = Outcome{Err: &CallError{Kind: KindPermanent, Code: r.Fault.Code, Message: r.Fault.Message}}
		case len(r.Scores) == 0:
			outs[i] = Outcome{Err: &CallError{Kind: KindPermanent, Code: "empty_result",
				Message: "oracle returned no scores"}}
		default:
			outs[i] = Outcome{Scores: r.Scores}
		}
	}
	return outs, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = resp.Status
	}

	kind := KindTransient
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = KindThrottled
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = KindPermanent
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = KindPermanent
	}
	return &CallError{Kind: kind, Status: resp.StatusCode, Message: msg}
}
