package payment

import (
	"context"
	"log/slog"
	"time"
)

type Sweeper struct {
	service  ServiceAPI
	interval time.Duration
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(service ServiceAPI, interval, window time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("timeout sweeper started", "interval", s.interval, "window", s.window)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timeout sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) int {
	count, err := s.service.SweepTimedOutPayments(ctx, s.now().UTC(), s.window)
	if err != nil {
		s.logger.Error("timeout sweep had failures", "timed_out", count, "error", err)
	}
	return count
}
