package families

import (
	"context"
	"sync"
	"time"

	"github.com/FamShield/safety_layer/internal/app/metrics"
	"github.com/FamShield/safety_layer/internal/app/system"
	"github.com/FamShield/safety_layer/pkg/logger"
)

var _ system.Service = (*Reaper)(nil)

// Reaper periodically expires pending removal requests whose response window
// has closed.
type Reaper struct {
	service  *Service
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReaper creates a lifecycle-managed removal-request reaper.
func NewReaper(service *Service, log *logger.Logger) *Reaper {
	if log == nil {
		log = logger.NewDefault("families-reaper")
	}
	return &Reaper{
		service:  service,
		log:      log,
		interval: 2 * time.Minute,
	}
}

func (r *Reaper) Name() string { return "families-reaper" }

func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("families reaper started")
	return nil
}

func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("families reaper stopped")
	return nil
}

func (r *Reaper) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	expired, err := r.service.ExpireStaleRemovals(ctx, r.service.now())
	if err != nil {
		r.log.WithError(err).Warn("removal reap tick failed")
		return
	}
	metrics.RecordSweep("removals", expired)
	if expired > 0 {
		r.log.WithField("expired", expired).Info("removal requests expired")
	}
}
