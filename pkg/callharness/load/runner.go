// Package load launches virtual call participants at a scheduled arrival
// rate and evaluates pass criteria over the resulting counters.
package load

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
)

// Phase launches ArrivalRate users per second for Duration.
type Phase struct {
	Name        string
	Duration    time.Duration
	ArrivalRate int
}

// DefaultPhases warms up, ramps to a spike and recovers.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: "Warm up", Duration: 10 * time.Second, ArrivalRate: 1},
		{Name: "Load", Duration: 10 * time.Second, ArrivalRate: 2},
		{Name: "Ramp up", Duration: 10 * time.Second, ArrivalRate: 5},
		{Name: "Heavy load", Duration: 10 * time.Second, ArrivalRate: 10},
		{Name: "Spike", Duration: 5 * time.Second, ArrivalRate: 15},
		{Name: "Recovery", Duration: 10 * time.Second, ArrivalRate: 2},
	}
}

// Runner drives a Flow through a list of phases.
type Runner struct {
	Phases []Phase
	// Concurrency caps simultaneously running users. When saturated new
	// arrivals wait for a free slot. Default: 10
	Concurrency int
	Flow        Flow
	Logger      zerolog.Logger
	// OnPhase, when set, is called as each phase starts.
	OnPhase func(p Phase)
}

// PhaseReport is what happened in one phase.
type PhaseReport struct {
	Name     string
	Launched int
	Elapsed  time.Duration
}

// Report summarises a run.
type Report struct {
	VUs      int
	Failed   int
	Phases   []PhaseReport
	Duration time.Duration
}

// NewRunner returns a runner with default phases and concurrency.
func NewRunner(flow Flow) *Runner {
	return &Runner{
		Phases:      DefaultPhases(),
		Concurrency: 10,
		Flow:        flow,
		Logger:      log.Logger.With().Str("module", "load").Logger(),
	}
}

// Run executes every phase and waits for all launched users. A cancelled
// ctx stops new arrivals; running users see the cancellation too.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if r.Flow == nil {
		return nil, errors.New("load: no flow")
	}
	conc := r.Concurrency
	if conc <= 0 {
		conc = 10
	}

	start := time.Now()
	p := pool.New().WithMaxGoroutines(conc)
	var failed atomic.Int64
	vu := 0
	report := &Report{}

	for _, phase := range r.Phases {
		if ctx.Err() != nil {
			break
		}
		if r.OnPhase != nil {
			r.OnPhase(phase)
		}
		r.Logger.Info().Str("phase", phase.Name).Dur("duration", phase.Duration).Int("arrival_rate", phase.ArrivalRate).Msg("Phase started")

		pr := r.runPhase(ctx, phase, p, &vu, &failed)
		report.Phases = append(report.Phases, pr)
	}

	p.Wait()
	report.VUs = vu
	report.Failed = int(failed.Load())
	report.Duration = time.Since(start)
	r.Logger.Info().Int("vus", report.VUs).Int("failed", report.Failed).Dur("elapsed", report.Duration).Msg("Load run finished")
	return report, ctx.Err()
}

func (r *Runner) runPhase(ctx context.Context, phase Phase, p *pool.Pool, vu *int, failed *atomic.Int64) PhaseReport {
	pr := PhaseReport{Name: phase.Name}
	phaseStart := time.Now()

	if phase.ArrivalRate > 0 && phase.Duration > 0 {
		phaseCtx, cancel := context.WithTimeout(ctx, phase.Duration)
		lim := rate.NewLimiter(rate.Limit(phase.ArrivalRate), 1)
		// Wait fails early when the next slot falls past the phase end.
		for lim.Wait(phaseCtx) == nil {
			*vu++
			pr.Launched++
			id := *vu
			p.Go(func() {
				if err := r.Flow(ctx, id); err != nil {
					failed.Add(1)
				}
			})
		}
		cancel()
	}

	// Phases keep their full length, including pauses with no arrivals.
	if rest := phase.Duration - time.Since(phaseStart); rest > 0 && ctx.Err() == nil {
		t := time.NewTimer(rest)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
	pr.Elapsed = time.Since(phaseStart)
	return pr
}
