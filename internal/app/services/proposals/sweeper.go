package proposals

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/FamShield/safety_layer/internal/app/metrics"
	"github.com/FamShield/safety_layer/internal/app/system"
	"github.com/FamShield/safety_layer/pkg/logger"
)

var _ system.Service = (*Sweeper)(nil)

// DefaultSweepSchedule runs the sweep every two minutes, bounding how long a
// due cooling period or stale pending proposal can sit unadvanced.
const DefaultSweepSchedule = "@every 2m"

// Sweeper periodically completes due cooling periods and expires stale
// pending proposals. It is the only component that advances time-based
// transitions without a caller.
type Sweeper struct {
	service  *Service
	log      *logger.Logger
	schedule string

	cron *cron.Cron
}

// NewSweeper creates a lifecycle-managed sweeper.
func NewSweeper(service *Service, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("proposal-sweeper")
	}
	return &Sweeper{
		service:  service,
		log:      log,
		schedule: DefaultSweepSchedule,
	}
}

// WithSchedule overrides the cron schedule. Call before Start.
func (s *Sweeper) WithSchedule(schedule string) {
	if schedule != "" {
		s.schedule = schedule
	}
}

func (s *Sweeper) Name() string { return "proposal-sweeper" }

func (s *Sweeper) Start(_ context.Context) error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.Sweep); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.WithField("schedule", s.schedule).Info("proposal sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	s.cron = nil

	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("proposal sweeper stopped")
	return nil
}

// Sweep runs one pass. Exported so tests and operators can trigger it
// directly.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := s.service.now()

	completed, err := s.service.CompleteDueCooling(ctx, now)
	if err != nil {
		s.log.WithError(err).Warn("cooling sweep failed")
	}
	metrics.RecordSweep("cooling", completed)
	if completed > 0 {
		s.log.WithField("completed", completed).Info("cooling periods completed")
	}

	expired, err := s.service.ExpireStalePending(ctx, now)
	if err != nil {
		s.log.WithError(err).Warn("expiry sweep failed")
	}
	metrics.RecordSweep("expiry", expired)
	if expired > 0 {
		s.log.WithField("expired", expired).Info("stale proposals expired")
	}
}
