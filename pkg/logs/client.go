// Package logs implements the Log Client (spec §4.4): a single bounded
// log-query operation against a Loki-shaped log aggregator.
package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/localops/warden/pkg/wardenerr"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultLineLimit  = 500
	defaultCallLimit  = 100
)

// Line is one bounded, labeled log line.
type Line struct {
	Timestamp time.Time
	Message   string
	Labels    map[string]string
}

// Client queries a log aggregator's range-query endpoint with a LogQL-style
// expression.
type Client struct {
	baseURL   string
	http      *http.Client
	lineLimit int
	callLimit int
}

// Option customizes a Client.
type Option func(*Client)

// WithLineLimit overrides the default 500-char per-line truncation.
func WithLineLimit(n int) Option { return func(c *Client) { c.lineLimit = n } }

// WithCallLimit overrides the default 100-line per-call cap.
func WithCallLimit(n int) Option { return func(c *Client) { c.callLimit = n } }

// New constructs a Client against baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		http:      &http.Client{Timeout: defaultTimeout},
		lineLimit: defaultLineLimit,
		callLimit: defaultCallLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type lokiEnvelope struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string        `json:"values"` // [timestamp_ns_string, line]
		} `json:"result"`
	} `json:"data"`
}

// Query runs expr over [start, end], returning at most limit lines
// (capped additionally by the client's configured call limit), each
// truncated to the client's configured per-line length. No retries
// (spec §4.4). A Client built with an empty base URL returns no lines and
// no error without sending a request.
func (c *Client) Query(ctx context.Context, expr string, start, end time.Time, limit int) ([]Line, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	if limit <= 0 || limit > c.callLimit {
		limit = c.callLimit
	}

	q := url.Values{
		"query":     {expr},
		"start":     {strconv.FormatInt(start.UnixNano(), 10)},
		"end":       {strconv.FormatInt(end.UnixNano(), 10)},
		"limit":     {strconv.Itoa(limit)},
		"direction": {"backward"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/loki/api/v1/query_range?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wardenerr.New(wardenerr.KindTransientNetwork, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, wardenerr.New(wardenerr.KindTransientNetwork, "", fmt.Errorf("log aggregator returned %d", resp.StatusCode))
	}

	var env lokiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode log response: %w", err)
	}

	var lines []Line
	for _, stream := range env.Data.Result {
		for _, pair := range stream.Values {
			nanos, err := strconv.ParseInt(pair[0], 10, 64)
			if err != nil {
				continue
			}
			msg := pair[1]
			if len(msg) > c.lineLimit {
				msg = msg[:c.lineLimit]
			}
			lines = append(lines, Line{
				Timestamp: time.Unix(0, nanos),
				Message:   msg,
				Labels:    stream.Stream,
			})
			if len(lines) >= limit {
				return lines, nil
			}
		}
	}
	return lines, nil
}
