package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type Expirer interface {
	ExpireOrders(ctx context.Context, now time.Time) (int, error)
}

// Sweeper periodically abandons orders whose pending window has lapsed.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(expirer Expirer, interval time.Duration) *Sweeper {
	return &Sweeper{expirer: expirer, interval: interval, now: time.Now}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("jobs: expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("jobs: expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("jobs: expiry sweep failed")
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.expirer.ExpireOrders(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("jobs: expired pending orders")
	}
	return n, nil
}
