package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSchedule runs retention once a day at 03:00.
const DefaultSchedule = "0 3 * * *"

// Sweeper purges jobs older than the retention period on a cron schedule.
type Sweeper struct {
	cron      *cron.Cron
	store     Store
	retention time.Duration
	clock     func() time.Time
}

// NewSweeper creates a sweeper for store. Cron expressions use the standard
// 5-field format.
func NewSweeper(store Store, retention time.Duration) *Sweeper {
	return &Sweeper{
		cron:      cron.New(),
		store:     store,
		retention: retention,
		clock:     now,
	}
}

// Sweep purges once and returns the number of jobs removed. A non-positive
// retention keeps everything.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Add(-s.retention)
	n, err := s.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info().Int("purged", n).Time("cutoff", cutoff).Msg("jobs_purged")
	return n, nil
}

// Start schedules Sweep and starts the cron runner.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("jobs_purge_failed")
		}
	})
	if err != nil {
		return fmt.Errorf("registering retention schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of scheduled entries.
func (s *Sweeper) Entries() int {
	return len(s.cron.Entries())
}
