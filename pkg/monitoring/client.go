// Package monitoring implements the Monitoring Client (spec §4.3): a client
// for a Prometheus-compatible instant/range/active-alerts API, plus the
// verify_resolution polling loop the Orchestrator uses to confirm a
// remediation cleared the alert.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/wardenerr"
)

const (
	defaultTimeout = 15 * time.Second
	maxRetries     = 2
)

// Sample is one (timestamp, value) pair.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Series is one labeled time series from an instant or range query.
type Series struct {
	Labels  map[string]string
	Samples []Sample
}

// ActiveAlert describes one alert currently known to the monitoring system.
type ActiveAlert struct {
	AlertName string
	Instance  string
	State     string // "firing", "pending", "inactive"
	Labels    map[string]string
}

// Trend summarizes a metric's recent behavior.
type Trend struct {
	Current   float64
	Min       float64
	Max       float64
	Avg       float64
	Slope     float64 // units per hour
	Direction string  // "rising", "falling", "flat"
}

// ExhaustionPrediction is the output of a simple linear extrapolation toward
// a threshold.
type ExhaustionPrediction struct {
	WillExhaust    bool
	HoursRemaining *float64
}

// Client queries the monitoring system's instant query, range query, and
// active-alerts endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Logger
	clk     clock.Clock
}

// New constructs a Client against baseURL (a Prometheus-compatible API root).
func New(baseURL string, log *logrus.Logger, clk clock.Clock) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log,
		clk:     clk,
	}
}

type promEnvelope struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string            `json:"resultType"`
		Result     []promResultEntry `json:"result"`
	} `json:"data"`
}

type promResultEntry struct {
	Metric map[string]string `json:"metric"`
	Value  []json.RawMessage `json:"value"`  // instant query: [ts, value]
	Values [][]json.RawMessage `json:"values"` // range query: [[ts, value], ...]
}

// QueryInstant evaluates expr at the current time.
func (c *Client) QueryInstant(ctx context.Context, expr string) ([]Series, error) {
	q := url.Values{"query": {expr}}
	var env promEnvelope
	if err := c.getJSON(ctx, "/api/v1/query", q, &env); err != nil {
		return nil, err
	}
	return seriesFromEnvelope(env), nil
}

// QueryRange evaluates expr over [start, end] at the given step.
func (c *Client) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]Series, error) {
	q := url.Values{
		"query": {expr},
		"start": {strconv.FormatInt(start.Unix(), 10)},
		"end":   {strconv.FormatInt(end.Unix(), 10)},
		"step":  {strconv.FormatFloat(step.Seconds(), 'f', -1, 64)},
	}
	var env promEnvelope
	if err := c.getJSON(ctx, "/api/v1/query_range", q, &env); err != nil {
		return nil, err
	}
	return seriesFromEnvelope(env), nil
}

// ActiveAlerts lists alerts currently known to the monitoring system.
func (c *Client) ActiveAlerts(ctx context.Context) ([]ActiveAlert, error) {
	var env struct {
		Status string `json:"status"`
		Data   struct {
			Alerts []struct {
				Labels map[string]string `json:"labels"`
				State  string            `json:"state"`
			} `json:"alerts"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/v1/alerts", nil, &env); err != nil {
		return nil, err
	}
	out := make([]ActiveAlert, 0, len(env.Data.Alerts))
	for _, a := range env.Data.Alerts {
		out = append(out, ActiveAlert{
			AlertName: a.Labels["alertname"],
			Instance:  a.Labels["instance"],
			State:     a.State,
			Labels:    a.Labels,
		})
	}
	return out, nil
}

// VerifyResolution polls ActiveAlerts at pollInterval until no alert
// matching (alertname, instance) is in the "firing" state, or deadline
// elapses (spec §4.3).
func (c *Client) VerifyResolution(ctx context.Context, alertName, instance string, deadline time.Duration, pollInterval time.Duration) (bool, string) {
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		alerts, err := c.ActiveAlerts(cctx)
		if err != nil {
			// Monitoring failure during verification is "unknown", not a
			// hard failure (spec §4.3, §7 UnknownOutcome); the caller
			// decides how to account for it. We keep polling until the
			// deadline in case it's a transient blip.
			c.log.WithError(err).Warn("verify_resolution: monitoring query failed, retrying")
		} else {
			stillFiring := false
			for _, a := range alerts {
				if a.AlertName == alertName && a.Instance == instance && a.State == "firing" {
					stillFiring = true
					break
				}
			}
			if !stillFiring {
				return true, "resolved"
			}
		}

		select {
		case <-cctx.Done():
			return false, fmt.Sprintf("verification deadline (%s) elapsed while %s/%s still firing", deadline, alertName, instance)
		case <-c.clk.After(pollInterval):
		}
	}
}

// TrendFor summarizes the last window of history for metric/instance from
// the range-queried samples; the slope is taken between the first and last
// samples.
func (c *Client) TrendFor(ctx context.Context, metric, instance string, window time.Duration) (Trend, error) {
	end := c.clk.Now()
	start := end.Add(-window)
	expr := fmt.Sprintf("%s{instance=%q}", metric, instance)
	series, err := c.QueryRange(ctx, expr, start, end, window/120)
	if err != nil {
		return Trend{}, err
	}
	if len(series) == 0 || len(series[0].Samples) == 0 {
		return Trend{}, fmt.Errorf("no samples for %s on %s", metric, instance)
	}
	return computeTrend(series[0].Samples), nil
}

// PredictExhaustion extrapolates the current trend to estimate when metric
// crosses threshold.
func (c *Client) PredictExhaustion(ctx context.Context, metric, instance string, threshold float64) (ExhaustionPrediction, error) {
	trend, err := c.TrendFor(ctx, metric, instance, 6*time.Hour)
	if err != nil {
		return ExhaustionPrediction{}, err
	}
	if trend.Slope == 0 {
		return ExhaustionPrediction{WillExhaust: false}, nil
	}
	hoursRemaining := (threshold - trend.Current) / trend.Slope
	if hoursRemaining <= 0 {
		// Already past the threshold, or trending away from it.
		willExhaust := (trend.Slope > 0) == (threshold > trend.Current)
		if !willExhaust {
			return ExhaustionPrediction{WillExhaust: false}, nil
		}
	}
	h := hoursRemaining
	return ExhaustionPrediction{WillExhaust: true, HoursRemaining: &h}, nil
}

func computeTrend(samples []Sample) Trend {
	t := Trend{Min: samples[0].Value, Max: samples[0].Value}
	sum := 0.0
	for _, s := range samples {
		if s.Value < t.Min {
			t.Min = s.Value
		}
		if s.Value > t.Max {
			t.Max = s.Value
		}
		sum += s.Value
	}
	t.Avg = sum / float64(len(samples))
	t.Current = samples[len(samples)-1].Value

	first, last := samples[0], samples[len(samples)-1]
	hours := last.Timestamp.Sub(first.Timestamp).Hours()
	if hours > 0 {
		t.Slope = (last.Value - first.Value) / hours
	}
	switch {
	case t.Slope > 0.01:
		t.Direction = "rising"
	case t.Slope < -0.01:
		t.Direction = "falling"
	default:
		t.Direction = "flat"
	}
	return t
}

func seriesFromEnvelope(env promEnvelope) []Series {
	out := make([]Series, 0, len(env.Data.Result))
	for _, entry := range env.Data.Result {
		s := Series{Labels: entry.Metric}
		if entry.Value != nil {
			if sample, ok := parseSample(entry.Value); ok {
				s.Samples = append(s.Samples, sample)
			}
		}
		for _, v := range entry.Values {
			if sample, ok := parseSample(v); ok {
				s.Samples = append(s.Samples, sample)
			}
		}
		out = append(out, s)
	}
	return out
}

func parseSample(pair []json.RawMessage) (Sample, bool) {
	if len(pair) != 2 {
		return Sample{}, false
	}
	var ts float64
	if err := json.Unmarshal(pair[0], &ts); err != nil {
		return Sample{}, false
	}
	var valStr string
	if err := json.Unmarshal(pair[1], &valStr); err != nil {
		return Sample{}, false
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return Sample{}, false
	}
	return Sample{Timestamp: time.Unix(int64(ts), 0), Value: val}, true
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if query != nil {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		func() {
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("monitoring API %s returned %d", path, resp.StatusCode)
				return
			}
			if resp.StatusCode >= 400 {
				lastErr = wardenerr.New(wardenerr.KindValidation, "", fmt.Errorf("monitoring API %s returned %d", path, resp.StatusCode))
				return
			}
			lastErr = json.NewDecoder(resp.Body).Decode(out)
		}()
		if lastErr == nil {
			return nil
		}
		if wardenerr.Is(lastErr, wardenerr.KindValidation) {
			return lastErr
		}
	}
	return wardenerr.New(wardenerr.KindTransientNetwork, "", lastErr)
}
