package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically re-enqueues stale dedup records: targets last
// processed before the re-crawl age, or stored under an older schema
// version. This generalises re-scraping after a schema bump.
type Sweeper struct {
	manager *Manager
	cron    *cron.Cron

	schedule   string
	recrawlAge time.Duration
	priority   int
	batchLimit int
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSchedule overrides the cron schedule (default hourly).
func WithSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithRecrawlAge sets how old a record must be before it is re-queued.
func WithRecrawlAge(age time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if age > 0 {
			s.recrawlAge = age
		}
	}
}

// WithSweepPriority sets the queue priority for re-queued targets.
func WithSweepPriority(priority int) SweeperOption {
	return func(s *Sweeper) { s.priority = priority }
}

// NewSweeper creates a re-crawl sweeper over the manager's dedup registry.
func NewSweeper(manager *Manager, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		manager:    manager,
		cron:       cron.New(),
		schedule:   "@hourly",
		recrawlAge: 24 * time.Hour,
		priority:   1, // below caller-submitted work by default
		batchLimit: 200,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()

	log.Info().
		Str("schedule", s.schedule).
		Dur("recrawl_age", s.recrawlAge).
		Msg("Started re-crawl sweeper")
	return nil
}

// Stop stops the cron scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one pass: list stale records and resubmit those with a known
// target. Resubmission bypasses the dedup gate, since records listed here
// are stale by definition; live duplicates already in the queue are still
// rejected. Returns how many were re-queued.
func (s *Sweeper) Sweep(ctx context.Context) int {
	registry := s.manager.Dedup()
	cutoff := time.Now().UTC().Add(-s.recrawlAge)

	records, err := registry.Stale(ctx, cutoff, s.batchLimit)
	if err != nil {
		log.Error().Err(err).Msg("Sweep failed to list stale records")
		return 0
	}

	requeued := 0
	for _, rec := range records {
		if rec.Target == "" {
			// Content-hash identities have no resubmittable target.
			continue
		}
		queued, err := s.manager.ResubmitTarget(ctx, rec.Target, s.priority)
		if err != nil {
			log.Error().Err(err).Str("target", rec.Target).Msg("Sweep resubmission failed")
			continue
		}
		if queued {
			requeued++
		}
	}

	if len(records) > 0 {
		log.Info().
			Int("stale", len(records)).
			Int("requeued", requeued).
			Msg("Re-crawl sweep finished")
	}
	return requeued
}
