package authgate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/authgate/instrumentation"
	"github.com/giantswarm/authgate/storage"
)

// Janitor is the cleanup scheduler: one background task that reaps expired
// persisted grants and sweeps the session cache on a fixed interval. Its
// lifetime equals the process lifetime; a failed tick is logged and the
// loop continues, it never tears the process down.
type Janitor struct {
	grants   storage.GrantStore
	sessions storage.SessionStore
	interval time.Duration
	grantTTL time.Duration
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation

	stop chan struct{}
	done chan struct{}
}

// NewJanitor creates a cleanup scheduler. Call Start to begin sweeping.
func NewJanitor(
	grants storage.GrantStore,
	sessions storage.SessionStore,
	interval time.Duration,
	grantTTL time.Duration,
	logger *slog.Logger,
) (*Janitor, error) {
	if grants == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if interval <= 0 {
		interval = time.Duration(DefaultCleanupIntervalSeconds) * time.Second
	}
	if grantTTL <= 0 {
		grantTTL = time.Duration(DefaultGrantTTLSeconds) * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		grants:   grants,
		sessions: sessions,
		interval: interval,
		grantTTL: grantTTL,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the janitor.
func (j *Janitor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	j.inst = inst
}

// Start launches the background sweep goroutine.
func (j *Janitor) Start() {
	go j.loop()
}

// Stop signals the janitor and waits for the in-flight tick to finish.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

func (j *Janitor) loop() {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.RunOnce(context.Background(), time.Now())
		}
	}
}

// RunOnce performs a single sweep pass as of now. The grant cutoff is
// computed from the tick time, not the query execution time, so every grant
// old enough at the tick is removed together even when the delete is slow.
// Store failures are recoverable: they are logged and the pass continues.
func (j *Janitor) RunOnce(ctx context.Context, now time.Time) {
	start := time.Now()

	cutoff := now.Add(-j.grantTTL)
	purged, err := j.grants.ClearExpiredGrants(ctx, cutoff)
	if err != nil {
		j.logger.Error("Grant cleanup failed, continuing", "error", err)
	} else if purged > 0 {
		j.logger.Debug("Purged expired grants", "purged", purged, "cutoff", cutoff)
		if j.inst != nil {
			j.inst.Metrics().GrantsPurged.Add(ctx, purged)
		}
	}

	evicted := j.sessions.Sweep(ctx, now)
	if evicted > 0 {
		j.logger.Debug("Swept expired sessions", "evicted", evicted)
	}

	if j.inst != nil {
		j.inst.Metrics().SweepDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}
