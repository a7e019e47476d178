package withdrawal

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const sweepBatchSize = 100

// Sweeper expires APPROVED withdrawals whose approval window has
// elapsed without the payout being processed, refunding each hold.
type Sweeper struct {
	service  *Service
	store    RequestStore
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
}

// NewSweeper creates an expiry sweeper
func NewSweeper(service *Service, store RequestStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		service:  service,
		store:    store,
		interval: interval,
		ttl:      service.cfg.ApprovalTTL,
		logger:   logger,
	}
}

// Run sweeps on a ticker until the context is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("withdrawal expiry sweeper started", "interval", s.interval, "ttl", s.ttl)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("withdrawal expiry sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expired stale withdrawals", "count", n)
			}
		}
	}
}

// Sweep expires one batch of stale approved requests and returns how
// many were expired. A request that races into PROCESSING between the
// list and the transition is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	stale, err := s.store.ListApprovedOlderThan(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range stale {
		if _, err := s.service.Expire(ctx, r.ID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			s.logger.Error("expiring withdrawal", "request_id", r.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}
