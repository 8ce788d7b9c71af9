package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server.
type Metrics struct {
	// Session lifecycle
	SessionsCreated  metric.Int64Counter
	SessionsVerified metric.Int64Counter
	SessionsEvicted  metric.Int64Counter

	// Durable grants
	GrantsStored metric.Int64Counter
	GrantsPurged metric.Int64Counter

	// Account flows
	AccountsCreated metric.Int64Counter
	LoginAttempts   metric.Int64Counter

	// Background sweep
	SweepDuration metric.Float64Histogram

	// Security
	RateLimitExceeded metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	meter := inst.Meter("server")

	var err error
	m.SessionsCreated, err = meter.Int64Counter(
		"authgate.sessions.created",
		metric.WithDescription("Number of sessions issued"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.created counter: %w", err)
	}

	m.SessionsVerified, err = meter.Int64Counter(
		"authgate.sessions.verified",
		metric.WithDescription("Number of session verification attempts"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.verified counter: %w", err)
	}

	m.SessionsEvicted, err = meter.Int64Counter(
		"authgate.sessions.evicted",
		metric.WithDescription("Number of expired sessions removed by the sweep"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.evicted counter: %w", err)
	}

	m.GrantsStored, err = meter.Int64Counter(
		"authgate.grants.stored",
		metric.WithDescription("Number of persisted grants inserted"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.stored counter: %w", err)
	}

	m.GrantsPurged, err = meter.Int64Counter(
		"authgate.grants.purged",
		metric.WithDescription("Number of expired grants deleted by the sweep"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.purged counter: %w", err)
	}

	m.AccountsCreated, err = meter.Int64Counter(
		"authgate.accounts.created",
		metric.WithDescription("Number of accounts created"),
		metric.WithUnit("{account}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create accounts.created counter: %w", err)
	}

	m.LoginAttempts, err = meter.Int64Counter(
		"authgate.logins.attempted",
		metric.WithDescription("Number of login attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logins.attempted counter: %w", err)
	}

	m.SweepDuration, err = meter.Float64Histogram(
		"authgate.sweep.duration",
		metric.WithDescription("Cleanup sweep duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep.duration histogram: %w", err)
	}

	m.RateLimitExceeded, err = meter.Int64Counter(
		"authgate.ratelimit.exceeded",
		metric.WithDescription("Number of requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	return m, nil
}
