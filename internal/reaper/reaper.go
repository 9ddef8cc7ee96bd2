// Package reaper enforces TTLs independently of client activity: it
// periodically asks the lifecycle manager which records are overdue and moves
// each one along through the manager's own per-token decision.
package reaper

import (
	"context"
	"errors"
	"time"

	"quickdrop/internal/lifecycle"
	"quickdrop/internal/logging"
)

// Target is the part of lifecycle.Manager the reaper drives.
type Target interface {
	Overdue(now time.Time) []string
	Reap(ctx context.Context, token string) (lifecycle.ReapOutcome, error)
}

// Result summarises one sweep.
type Result struct {
	Overdue   int
	Expired   int
	Destroyed int
	Purged    int
	Failed    int
	Duration  time.Duration
}

// Config holds reaper settings.
type Config struct {
	Interval time.Duration
	Clock    func() time.Time
	Logger   *logging.Logger
	// OnSweep, if set, receives every sweep result (metrics).
	OnSweep func(Result)
}

// Reaper sweeps a Target on a fixed interval.
type Reaper struct {
	target  Target
	every   time.Duration
	now     func() time.Time
	log     *logging.Logger
	onSweep func(Result)
}

// New returns a Reaper; Interval defaults to one minute.
func New(target Target, cfg Config) *Reaper {
	r := &Reaper{
		target:  target,
		every:   cfg.Interval,
		now:     cfg.Clock,
		log:     cfg.Logger,
		onSweep: cfg.OnSweep,
	}
	if r.every <= 0 {
		r.every = time.Minute
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = logging.Default()
	}
	return r
}

// Run sweeps once immediately, then on every tick until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper_starting", map[string]any{"interval": r.every.String()})

	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper_stopped", nil)
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass. Failures are logged and retried next pass.
func (r *Reaper) Sweep(ctx context.Context) Result {
	start := time.Now()
	tokens := r.target.Overdue(r.now())
	res := Result{Overdue: len(tokens)}

	for _, tok := range tokens {
		if ctx.Err() != nil {
			break
		}
		outcome, err := r.target.Reap(ctx, tok)
		switch outcome {
		case lifecycle.ReapExpired:
			res.Expired++
		case lifecycle.ReapDestroyed:
			res.Destroyed++
		case lifecycle.ReapPurged:
			res.Purged++
		}
		if err != nil {
			if errors.Is(err, lifecycle.ErrClosed) {
				break
			}
			res.Failed++
			r.log.Error("reap_failed", map[string]any{"token": logging.Token(tok), "outcome": outcome.String()}, err)
		}
	}

	res.Duration = time.Since(start)
	if res.Overdue > 0 {
		r.log.Info("sweep_complete", map[string]any{
			"overdue":     res.Overdue,
			"expired":     res.Expired,
			"destroyed":   res.Destroyed,
			"purged":      res.Purged,
			"failed":      res.Failed,
			"duration_ms": res.Duration.Milliseconds(),
		})
	}
	if r.onSweep != nil {
		r.onSweep(res)
	}
	return res
}
