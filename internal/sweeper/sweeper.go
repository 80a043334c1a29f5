// Package sweeper drives the periodic resolution of due entities: slots whose
// bidding deadline has passed, auto-match slots, and match requests whose
// response deadline has passed. One entity failing never aborts the rest of
// the batch.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openrx/pharmslot/internal/bidding"
	"github.com/openrx/pharmslot/internal/compensation"
	"github.com/openrx/pharmslot/internal/matchreq"
	"github.com/openrx/pharmslot/internal/notification"
	"github.com/openrx/pharmslot/internal/store"
	"github.com/openrx/pharmslot/pkg/metrics"
)

// Options configures sweep cadence and batch limits.
type Options struct {
	SlotInterval    time.Duration
	RequestInterval time.Duration
	PurgeInterval   time.Duration
	BatchSize       int
	ReminderLead    time.Duration
	Retention       time.Duration
	LockTTL         time.Duration
}

// Stats summarizes one sweep cycle.
type Stats struct {
	SlotsResolved    int `json:"slots_resolved"`
	SlotsAutoMatched int `json:"slots_auto_matched"`
	RequestsExpired  int `json:"requests_expired"`
	Refunds          int `json:"refunds"`
	Reminders        int `json:"reminders"`
	Errors           int `json:"errors"`
}

// Sweeper runs the periodic scans.
type Sweeper struct {
	logger      *zap.Logger
	store       *store.Store
	bidding     bidding.BiddingService
	requests    matchreq.MatchRequestService
	compensator compensation.Orchestrator
	notifier    notification.Notifier
	redis       *redis.Client
	opts        Options

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a sweeper. The redis client is optional: when nil, sweep
// leadership locking is skipped and every instance sweeps.
func New(
	logger *zap.Logger,
	st *store.Store,
	biddingSvc bidding.BiddingService,
	requestSvc matchreq.MatchRequestService,
	compensator compensation.Orchestrator,
	notifier notification.Notifier,
	redisClient *redis.Client,
	opts Options,
) *Sweeper {
	if opts.SlotInterval <= 0 {
		opts.SlotInterval = time.Minute
	}
	if opts.RequestInterval <= 0 {
		opts.RequestInterval = time.Hour
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ReminderLead <= 0 {
		opts.ReminderLead = 6 * time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 180 * 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	return &Sweeper{
		logger:      logger,
		store:       st,
		bidding:     biddingSvc,
		requests:    requestSvc,
		compensator: compensator,
		notifier:    notifier,
		redis:       redisClient,
		opts:        opts,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the periodic sweep loops.
func (s *Sweeper) Start(ctx context.Context) {
	s.loop(ctx, "slots", s.opts.SlotInterval, func(ctx context.Context) {
		s.runLocked(ctx, "pharmslot:sweep:slots", func(ctx context.Context) {
			s.SweepSlots(ctx)
		})
	})
	s.loop(ctx, "requests", s.opts.RequestInterval, func(ctx context.Context) {
		s.runLocked(ctx, "pharmslot:sweep:requests", func(ctx context.Context) {
			s.SweepRequests(ctx)
		})
	})
	s.loop(ctx, "purge", s.opts.PurgeInterval, func(ctx context.Context) {
		s.runLocked(ctx, "pharmslot:sweep:purge", func(ctx context.Context) {
			s.Purge(ctx)
		})
	})
	s.logger.Info("sweeper started",
		zap.Duration("slot_interval", s.opts.SlotInterval),
		zap.Duration("request_interval", s.opts.RequestInterval))
}

// Stop halts the loops and waits for in-flight cycles.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// runLocked takes the redis leadership lock for one cycle. The lock only
// avoids wasted duplicate scans across replicas; correctness is carried by
// the store's conditional transitions, so a lost or expired lock is harmless.
func (s *Sweeper) runLocked(ctx context.Context, key string, run func(context.Context)) {
	if s.redis != nil {
		ok, err := s.redis.SetNX(ctx, key, "1", s.opts.LockTTL).Result()
		if err != nil {
			s.logger.Warn("sweep lock unavailable, proceeding without it", zap.Error(err))
		} else if !ok {
			s.logger.Debug("sweep lock held elsewhere, skipping cycle", zap.String("key", key))
			return
		} else {
			defer s.redis.Del(ctx, key)
		}
	}
	run(ctx)
}

// ForceSweep runs every scan immediately. It is the operational escape hatch
// behind the admin API and is idempotent with the periodic sweep.
func (s *Sweeper) ForceSweep(ctx context.Context) Stats {
	stats := s.SweepSlots(ctx)
	reqStats := s.SweepRequests(ctx)
	stats.RequestsExpired += reqStats.RequestsExpired
	stats.Refunds += reqStats.Refunds
	stats.Reminders += reqStats.Reminders
	stats.Errors += reqStats.Errors
	return stats
}

// SweepSlots resolves slots whose deadline has passed and evaluates
// auto-match slots.
func (s *Sweeper) SweepSlots(ctx context.Context) Stats {
	started := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("slots").Observe(time.Since(started).Seconds())
	}()

	var stats Stats
	now := time.Now()

	due, err := s.store.DueBiddingSlots(ctx, now, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("failed to load due slots", zap.Error(err))
		stats.Errors++
	}
	for _, slot := range due {
		outcome, err := s.bidding.ResolveDueSlot(ctx, slot.ID)
		if err != nil {
			stats.Errors++
			metrics.SweepErrors.WithLabelValues("slots").Inc()
			s.logger.Error("failed to resolve slot",
				zap.String("slot_id", slot.ID.String()), zap.Error(err))
			continue
		}
		if outcome == bidding.OutcomeMatched || outcome == bidding.OutcomeClosed {
			stats.SlotsResolved++
		}
	}

	autoMatch, err := s.store.AutoMatchSlots(ctx, now, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("failed to load auto-match slots", zap.Error(err))
		stats.Errors++
	}
	for _, slot := range autoMatch {
		outcome, err := s.bidding.TryAutoMatch(ctx, slot.ID)
		if err != nil {
			stats.Errors++
			metrics.SweepErrors.WithLabelValues("slots").Inc()
			s.logger.Error("failed to auto-match slot",
				zap.String("slot_id", slot.ID.String()), zap.Error(err))
			continue
		}
		if outcome == bidding.OutcomeMatched {
			stats.SlotsAutoMatched++
		}
	}

	return stats
}

// SweepRequests expires overdue match requests, hands each straight to
// compensation, and sends final-window reminders.
func (s *Sweeper) SweepRequests(ctx context.Context) Stats {
	started := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("requests").Observe(time.Since(started).Seconds())
	}()

	var stats Stats
	now := time.Now()

	due, err := s.store.DueMatchRequests(ctx, now, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("failed to load due match requests", zap.Error(err))
		stats.Errors++
	}
	for _, req := range due {
		expired, err := s.requests.ExpireRequest(ctx, req.ID)
		if err != nil {
			stats.Errors++
			metrics.SweepErrors.WithLabelValues("requests").Inc()
			s.logger.Error("failed to expire match request",
				zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		if !expired {
			continue
		}
		stats.RequestsExpired++
		metrics.RequestsExpired.Inc()

		go s.notifier.Notify(context.Background(), req.InitiatorID, notification.KindRequestExpired, map[string]interface{}{
			"request_id": req.ID.String(),
		})

		if req.Paid() {
			// Expiry and refund belong to the same logical operation.
			result, err := s.compensator.Compensate(ctx, req.ID, matchreq.ReasonExpired)
			if err != nil {
				stats.Errors++
				metrics.SweepErrors.WithLabelValues("requests").Inc()
				s.logger.Error("failed to compensate expired request",
					zap.String("request_id", req.ID.String()), zap.Error(err))
				continue
			}
			if result.Status == compensation.ResultRefunded {
				stats.Refunds++
				go s.notifier.Notify(context.Background(), req.InitiatorID, notification.KindRefundIssued, map[string]interface{}{
					"request_id": req.ID.String(),
					"refund_ref": result.RefundRef,
				})
			}
		}
	}

	reminders, err := s.store.ReminderDueRequests(ctx, now, s.opts.ReminderLead, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("failed to load reminder-due requests", zap.Error(err))
		stats.Errors++
	}
	for _, req := range reminders {
		if err := s.store.MarkReminderSent(ctx, req.ID, now); err != nil {
			stats.Errors++
			s.logger.Error("failed to mark reminder sent",
				zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		stats.Reminders++
		go s.notifier.Notify(context.Background(), req.ResponderID, notification.KindRequestReminder, map[string]interface{}{
			"request_id":        req.ID.String(),
			"response_deadline": req.ResponseDeadline,
		})
	}

	return stats
}

// Purge deletes terminal bids and match requests older than the retention
// window. Hygiene only; resolution correctness never depends on it.
func (s *Sweeper) Purge(ctx context.Context) {
	started := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("purge").Observe(time.Since(started).Seconds())
	}()

	cutoff := time.Now().Add(-s.opts.Retention)
	bids, err := s.store.PurgeTerminalBids(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to purge terminal bids", zap.Error(err))
	}
	reqs, err := s.store.PurgeTerminalRequests(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to purge terminal match requests", zap.Error(err))
	}
	if bids > 0 || reqs > 0 {
		s.logger.Info("purged terminal rows",
			zap.Int64("bids", bids),
			zap.Int64("match_requests", reqs))
	}
}
