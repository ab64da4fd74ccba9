package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Retention purges entries older than a fixed window on a cron schedule.
type Retention struct {
	cron  *cron.Cron
	store Store
	keep  time.Duration
	now   func() time.Time
}

// NewRetention registers the purge job. schedule uses the standard 5-field
// cron format or a descriptor such as "@daily".
func NewRetention(store Store, days int, schedule string) (*Retention, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	r := &Retention{
		cron:  cron.New(),
		store: store,
		keep:  time.Duration(days) * 24 * time.Hour,
		now:   time.Now,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("registering purge schedule %q: %w", schedule, err)
	}
	return r, nil
}

// PurgeNow removes entries older than the retention window.
func (r *Retention) PurgeNow(ctx context.Context) (int, error) {
	return r.store.Purge(ctx, r.now().Add(-r.keep))
}

func (r *Retention) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := r.PurgeNow(ctx)
	if err != nil {
		log.Error().Err(err).Msg("audit purge failed")
		return
	}
	log.Info().Int("removed", n).Dur("retention", r.keep).Msg("audit purge complete")
}

func (r *Retention) Start() { r.cron.Start() }

// Stop halts the scheduler and waits for a running purge.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}
