package session

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs an expiry sweep every ten minutes.
const DefaultSweepSchedule = "@every 10m"

// Sweeper runs periodic expiry sweeps over the cache's store. Sweeps
// also run opportunistically before each turn; the schedule is a
// backstop for idle processes.
type Sweeper struct {
	cache *Cache
	cron  *cron.Cron
	spec  string
}

// NewSweeper creates a sweeper on the given cron schedule. An empty
// schedule selects DefaultSweepSchedule.
func NewSweeper(cache *Cache, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		cache: cache,
		cron:  cron.New(),
		spec:  schedule,
	}
}

// Start runs one sweep immediately, then schedules recurring sweeps.
func (s *Sweeper) Start(ctx context.Context) error {
	s.sweep(ctx)
	if _, err := s.cron.AddFunc(s.spec, func() { s.sweep(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep(ctx context.Context) {
	stats, err := s.cache.SweepExpired(ctx)
	if err != nil {
		log.Printf("sweeper: %v", err)
		return
	}
	if stats.Deleted > 0 || stats.SkippedLive > 0 || stats.Failed > 0 {
		log.Printf("sweeper: deleted=%d skipped_live=%d failed=%d",
			stats.Deleted, stats.SkippedLive, stats.Failed)
	}
}
