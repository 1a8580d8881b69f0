// Package quota implements the quota oracle client: a fail-open HTTP
// collaborator, wrapped in a sony/gobreaker circuit breaker so repeated
// oracle timeouts trip the breaker rather than blocking every submit at
// the oracle's own timeout.
package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Health is the quota oracle's health indicator, mapped from its
// presentation-layer "health emoji" encoding to an internal enum.
type Health string

const (
	HealthGreen     Health = "healthy"
	HealthYellow    Health = "warning"
	HealthRed       Health = "critical"
	HealthEmergency Health = "unavailable"
)

// Status is the oracle's response to getQuotaStatus/isWithinQuota.
type Status struct {
	WithinQuota     bool
	Health          Health
	DailyUsagePct   float64
	WeeklyUsagePct  float64
	MonthlyUsagePct float64
	// MaxUsagePct is the highest of the three usage buckets. The oracle
	// itself only reports daily/weekly/monthly; this is derived so callers
	// (the predictive health model in particular) have a single over-quota
	// severity number to threshold against.
	MaxUsagePct    float64
	LastCalculated time.Time
}

// failOpenStatus is what the Backpressure Manager observes on any oracle
// error: yellow / withinQuota=true.
var failOpenStatus = Status{WithinQuota: true, Health: HealthYellow}

// OnFailOpen, if set, is called whenever the client falls back to
// failOpenStatus, so the caller can emit its own warning event instead of
// this package importing eventlog directly.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
	OnFailOpen func(provider string, err error)
}

// New builds a Client against baseURL, wrapping the oracle call in a
// circuit breaker that trips after 3 consecutive failures and probes
// again after 30s.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Second}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "quota-oracle",
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{httpClient: httpClient, baseURL: baseURL, breaker: breaker}
}

type oracleResponse struct {
	WithinQuota     bool    `json:"withinQuota"`
	HealthEmoji     string  `json:"healthEmoji"`
	Daily           float64 `json:"daily"`
	Weekly          float64 `json:"weekly"`
	Monthly         float64 `json:"monthly"`
	LastCalculatedMS int64  `json:"lastCalculated"`
}

func mapHealthEmoji(emoji string) Health {
	switch emoji {
	case "green":
		return HealthGreen
	case "yellow":
		return HealthYellow
	case "red":
		return HealthRed
	case "emergency":
		return HealthEmergency
	default:
		return HealthYellow
	}
}

// GetQuotaStatus calls the oracle's getQuotaStatus/isWithinQuota surface
// for provider. On any error (timeout, non-2xx, breaker open), it fails
// open rather than propagating the error to the caller.
func (c *Client) GetQuotaStatus(ctx context.Context, provider string) Status {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quota/"+provider, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &oracleStatusError{code: resp.StatusCode}
		}
		var body oracleResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return body, nil
	})
	if err != nil {
		if c.OnFailOpen != nil {
			c.OnFailOpen(provider, err)
		}
		return failOpenStatus
	}

	body := result.(oracleResponse)
	return Status{
		WithinQuota:     body.WithinQuota,
		Health:          mapHealthEmoji(body.HealthEmoji),
		DailyUsagePct:   body.Daily,
		WeeklyUsagePct:  body.Weekly,
		MonthlyUsagePct: body.Monthly,
		MaxUsagePct:     maxOf(body.Daily, body.Weekly, body.Monthly),
		LastCalculated:  time.UnixMilli(body.LastCalculatedMS),
	}
}

func maxOf(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

type oracleStatusError struct {
	code int
}

func (e *oracleStatusError) Error() string {
	return http.StatusText(e.code)
}
