// Package usage fetches account consumption readings from a usage API.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/common/logger"
	"github.com/iondrive-co/chad/internal/session/loop"
)

// HTTPSource polls a usage endpoint per account. The endpoint receives the
// account name as a query parameter and answers percentages in [0,100];
// dimensions it cannot report come back negative and are skipped by the
// rule engine.
type HTTPSource struct {
	endpoint string
	client   *http.Client
	logger   *logger.Logger
}

type usageResponse struct {
	SessionPct float64 `json:"session_pct"`
	WeeklyPct  float64 `json:"weekly_pct"`
	ContextPct float64 `json:"context_pct"`
}

// NewHTTPSource builds a source polling the given endpoint.
func NewHTTPSource(endpoint string, timeout time.Duration, log *logger.Logger) *HTTPSource {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   log.WithFields(zap.String("component", "usage")),
	}
}

// Usage fetches the current reading for the account.
func (s *HTTPSource) Usage(ctx context.Context, account string) (loop.UsageReading, error) {
	var reading loop.UsageReading

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return reading, fmt.Errorf("invalid usage endpoint: %w", err)
	}
	q := u.Query()
	q.Set("account", account)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return reading, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return reading, fmt.Errorf("usage request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return reading, fmt.Errorf("usage endpoint returned %d", resp.StatusCode)
	}

	var body usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return reading, fmt.Errorf("failed to decode usage response: %w", err)
	}

	reading = loop.UsageReading{
		SessionPct: body.SessionPct,
		WeeklyPct:  body.WeeklyPct,
		ContextPct: body.ContextPct,
	}
	s.logger.Debug("Fetched usage reading",
		zap.String("account", account),
		zap.Float64("session_pct", reading.SessionPct),
		zap.Float64("weekly_pct", reading.WeeklyPct))
	return reading, nil
}
