package accounts

import (
	"context"
	"time"
)

// CreditsFunc fetches the provider-reported balance for one account.
type CreditsFunc func(ctx context.Context, accountID string) (float64, error)

// HealthLoop periodically re-syncs credit balances from the provider and
// resets the per-day request counters at local midnight. Blocks until the
// context is cancelled.
//
// Resync failures are counted against the account like any other error, so
// an account whose credentials stop working drifts to unavailable without
// special handling.
func (p *Pool) HealthLoop(ctx context.Context, interval time.Duration, fetch CreditsFunc, logFn func(level, msg string)) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	log := func(level, msg string) {
		if logFn != nil {
			logFn(level, msg)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	midnight := time.NewTimer(untilMidnight(time.Now()))
	defer midnight.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-midnight.C:
			p.ResetDaily()
			log("info", "daily request counters reset")
			midnight.Reset(untilMidnight(time.Now()))
		case <-ticker.C:
			for _, id := range p.IDs() {
				credits, err := fetch(ctx, id)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					log("warning", "credit resync failed for "+id+": "+err.Error())
					p.UpdateAfterUse(id, false, 0)
					continue
				}
				p.Resync(id, credits)
			}
		}
	}
}

// untilMidnight returns the duration until the next local midnight.
func untilMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
	return next.Sub(now)
}
