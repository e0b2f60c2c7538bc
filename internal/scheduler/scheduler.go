// Package scheduler runs the background jobs that keep the engine healthy:
// the minutely idle-session sweep and the daily memory garbage collection.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/allyhealth/companion/pkg/observability"
	"github.com/allyhealth/companion/pkg/session"
)

// Finalizer closes out one user's idle session. It reports whether this
// caller won the finalize race.
type Finalizer interface {
	Finalize(ctx context.Context, user string) (bool, error)
}

// Sweeper garbage-collects expired long-term memory records.
type Sweeper interface {
	SweepExpired(ctx context.Context, user string, hardDelete bool) (int, error)
}

// Config holds the job schedules. Specs use cron syntax, including the
// @every and @daily shorthands.
type Config struct {
	FinalizeSpec    string
	GCSpec          string
	FinalizeWorkers int
	GCHardDelete    bool
}

func (c Config) withDefaults() Config {
	if c.FinalizeSpec == "" {
		c.FinalizeSpec = "@every 1m"
	}
	if c.GCSpec == "" {
		c.GCSpec = "@daily"
	}
	if c.FinalizeWorkers <= 0 {
		c.FinalizeWorkers = 4
	}
	return c
}

// Scheduler owns the cron runner. Jobs share one background context that
// Stop cancels.
type Scheduler struct {
	cron      *cron.Cron
	coord     *session.Coordinator
	finalizer Finalizer
	sweeper   Sweeper
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the jobs but does not start them.
func New(coord *session.Coordinator, finalizer Finalizer, sweeper Sweeper, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(),
		coord:     coord,
		finalizer: finalizer,
		sweeper:   sweeper,
		cfg:       cfg.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start registers the jobs and launches the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.FinalizeSpec, func() {
		if err := s.FinalizeIdle(s.ctx); err != nil {
			log.Printf("[scheduler] finalize sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("register finalize job: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.GCSpec, func() {
		if err := s.SweepMemory(s.ctx); err != nil {
			log.Printf("[scheduler] memory sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("register gc job: %w", err)
	}

	s.cron.Start()
	log.Printf("[scheduler] started (finalize %q, gc %q, %d workers)",
		s.cfg.FinalizeSpec, s.cfg.GCSpec, s.cfg.FinalizeWorkers)
	return nil
}

// Stop cancels in-flight jobs and waits for the cron runner to drain, up to
// the context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FinalizeIdle scans for idle sessions and finalizes each with bounded
// parallelism. Per-user losses of the finalize race are normal when several
// instances sweep at once; only hard errors are reported.
func (s *Scheduler) FinalizeIdle(ctx context.Context) error {
	users, err := s.coord.IdleUsers(ctx, s.coord.IdleThreshold())
	if err != nil {
		return fmt.Errorf("list idle users: %w", err)
	}
	if len(users) == 0 {
		return nil
	}

	runID := uuid.NewString()[:8]
	log.Printf("[scheduler] finalize run %s: %d idle users", runID, len(users))

	// One failed user must not abort the rest of the sweep, so failures are
	// logged rather than propagated through the group.
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FinalizeWorkers)
	for _, user := range users {
		user := user
		g.Go(func() error {
			start := time.Now()
			won, err := s.finalizer.Finalize(ctx, user)
			if err != nil {
				log.Printf("[scheduler] finalize run %s: %s failed: %v", runID, user, err)
				return nil
			}
			if won {
				log.Printf("[scheduler] finalize run %s: %s done in %v", runID, user, time.Since(start))
			}
			return nil
		})
	}
	return g.Wait()
}

// SweepMemory garbage-collects expired memory records across all users.
func (s *Scheduler) SweepMemory(ctx context.Context) error {
	n, err := s.sweeper.SweepExpired(ctx, "", s.cfg.GCHardDelete)
	if err != nil {
		return fmt.Errorf("sweep expired records: %w", err)
	}
	if n > 0 {
		observability.RecordMemoryRecordsSwept(n)
		log.Printf("[scheduler] swept %d expired memory records", n)
	}
	return nil
}
