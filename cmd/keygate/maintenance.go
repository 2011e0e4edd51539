package main

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/keygate/pkg/observability"
	"github.com/robfig/cron/v3"
)

// startMaintenance runs housekeeping on schedule: dropping idle rate limit
// buckets and probing the identity provider so discovery stays warm
func startMaintenance(schedule string, a *app) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, a.runMaintenance); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	c.Start()
	a.log.WithField("schedule", schedule).Info("Maintenance scheduler started")
	return c, nil
}

func (a *app) runMaintenance() {
	defer observability.RecoverPanic(a.logger, "maintenance")

	a.cleanupRateLimits()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.identityProviderReady(ctx); err != nil {
		a.log.WithError(err).Warn("Identity provider is not reachable")
	}
}

// stopMaintenance waits for running jobs, bounded by ctx
func stopMaintenance(c *cron.Cron) observability.ShutdownFunc {
	return func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
