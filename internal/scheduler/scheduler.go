// Package scheduler drives periodic yield accrual for farming and boost
// positions. One Scheduler instance owns one position type; its ticks never
// overlap, and every credit carries a deterministic (type, user, period)
// reference so a crashed-and-restarted tick cannot pay the same period
// twice.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/unifarm/farming-engine/internal/accrual"
	"github.com/unifarm/farming-engine/internal/ledger"
	"github.com/unifarm/farming-engine/internal/metrics"
	"github.com/unifarm/farming-engine/internal/model"
	"github.com/unifarm/farming-engine/internal/referral"
	"github.com/unifarm/farming-engine/internal/store"
)

// Config holds scheduler dependencies and tuning.
type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Store        store.Store
	Recorder     *ledger.Recorder
	Distributor  *referral.Distributor
	PositionType model.PositionType

	// Interval is the wall-clock tick spacing. Default 5 minutes.
	Interval time.Duration

	// PeriodsPerDay divides the day into accrual periods. Default 288
	// (one period per 5-minute tick).
	PeriodsPerDay int64

	// Mode selects interval or cumulative accrual. Default interval.
	Mode accrual.Mode

	// MaxConcurrent bounds per-tick crediting parallelism. Default 8.
	MaxConcurrent int

	// UserTimeout bounds one position's crediting so a stuck user cannot
	// stall the batch. Default 10 seconds.
	UserTimeout time.Duration
}

// Validate fills defaults and rejects unusable configs.
func (cfg *Config) Validate() error {
	if cfg.Store == nil {
		return errors.New("scheduler: store is required")
	}
	if cfg.Recorder == nil {
		return errors.New("scheduler: recorder is required")
	}
	if cfg.PositionType != model.PositionFarming && cfg.PositionType != model.PositionBoost {
		return fmt.Errorf("scheduler: invalid position type %q", cfg.PositionType)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.PeriodsPerDay <= 0 {
		cfg.PeriodsPerDay = 288
	}
	if cfg.Mode == "" {
		cfg.Mode = accrual.ModeInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = 10 * time.Second
	}
	return nil
}

// Scheduler periodically credits yield for every active position of one
// type, then fans out referral rewards per credited position.
type Scheduler struct {
	cfg    Config
	log    *slog.Logger
	tickMu sync.Mutex
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, log: cfg.Logger}, nil
}

// Start launches the tick loop. It runs one immediate tick, then one per
// interval, until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("scheduler started",
			"position_type", s.cfg.PositionType,
			"interval", s.cfg.Interval,
			"mode", s.cfg.Mode,
		)

		s.runTick(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopped", "position_type", s.cfg.PositionType)
				return
			case <-ticker.Chan():
				s.runTick(ctx)
			}
		}
	}()
}

func (s *Scheduler) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick panicked", "position_type", s.cfg.PositionType, "panic", r)
			metrics.SchedulerTicks.WithLabelValues(string(s.cfg.PositionType), "panic").Inc()
		}
	}()

	if err := s.Tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("tick failed", "position_type", s.cfg.PositionType, "err", err)
	}
}

// Tick credits every active position once for the current period. If a
// previous tick for this position type is still running, the call is
// skipped — never queued — so the same period can never be credited by two
// overlapping runs in one process.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		s.log.Warn("previous tick still running, skipping", "position_type", s.cfg.PositionType)
		metrics.SchedulerTicks.WithLabelValues(string(s.cfg.PositionType), "skipped").Inc()
		return nil
	}
	defer s.tickMu.Unlock()

	start := s.cfg.Clock.Now()
	defer func() {
		metrics.SchedulerTickDuration.
			WithLabelValues(string(s.cfg.PositionType)).
			Observe(s.cfg.Clock.Since(start).Seconds())
	}()

	positions, err := s.cfg.Store.ListActivePositions(ctx, s.cfg.PositionType)
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues(string(s.cfg.PositionType), "error").Inc()
		return fmt.Errorf("list positions: %w", err)
	}

	period := accrual.PeriodIndex(start, s.cfg.PeriodsPerDay)

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, pos := range positions {
		pos := pos
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.cfg.UserTimeout)
			defer cancel()

			// Bulkhead: one position's failure is logged and isolated,
			// never propagated to the rest of the batch.
			if err := s.credit(cctx, &pos, period); err != nil {
				metrics.AccrualFailures.WithLabelValues(string(s.cfg.PositionType)).Inc()
				s.log.Error("crediting failed",
					"position_type", s.cfg.PositionType,
					"user", pos.UserID,
					"period", period,
					"err", err,
				)
			}
			return nil
		})
	}
	g.Wait()

	metrics.SchedulerTicks.WithLabelValues(string(s.cfg.PositionType), "ok").Inc()
	s.log.Debug("tick completed",
		"position_type", s.cfg.PositionType,
		"positions", len(positions),
		"period", period,
	)
	return nil
}

// credit pays one position's yield for the periods up to period, then fans
// out referral rewards. last_period only advances after the credit is
// durably recorded.
func (s *Scheduler) credit(ctx context.Context, pos *model.Position, period int64) error {
	elapsed := period - pos.LastPeriod
	if elapsed <= 0 {
		return nil
	}

	amount := accrual.Yield(pos.Principal, pos.DailyRate, elapsed, s.cfg.PeriodsPerDay, s.cfg.Mode)
	if amount.IsZero() {
		// Nothing to pay (empty principal); still move the watermark so
		// a later deposit does not back-pay idle periods.
		return s.cfg.Store.AdvancePosition(ctx, pos.UserID, pos.Type, period)
	}

	txType := model.TxFarmingReward
	if pos.Type == model.PositionBoost {
		txType = model.TxBoostReward
	}

	tx, err := s.cfg.Recorder.Record(ctx, ledger.RecordParams{
		UserID:      pos.UserID,
		Type:        txType,
		Currency:    pos.Type.Currency(),
		Amount:      amount,
		Description: fmt.Sprintf("%s yield for period %d", pos.Type, period),
		Metadata: map[string]string{
			"period":       fmt.Sprintf("%d", period),
			"accrual_mode": string(s.cfg.Mode),
			"principal":    pos.Principal.String(),
			"daily_rate":   pos.DailyRate.String(),
		},
		ExternalReference: fmt.Sprintf("%s:%s:%d", pos.Type, pos.UserID, period),
	})
	if err != nil {
		return err
	}

	if err := s.cfg.Store.AdvancePosition(ctx, pos.UserID, pos.Type, period); err != nil {
		return fmt.Errorf("advance position: %w", err)
	}
	metrics.AccrualsCredited.WithLabelValues(string(s.cfg.PositionType)).Inc()

	if s.cfg.Distributor != nil {
		if err := s.cfg.Distributor.Distribute(ctx, pos.UserID, tx.ID, tx.Amount, tx.Currency); err != nil {
			// Partial fan-out failures are reported per level and retried
			// by replaying the distribution; the yield credit stands.
			s.log.Error("referral distribution incomplete",
				"user", pos.UserID,
				"source_tx", tx.ID,
				"err", err,
			)
		}
	}
	return nil
}
