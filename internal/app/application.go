// Package app wires stores, services and lifecycle-managed runners into one
// application.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	accesssvc "github.com/FamShield/safety_layer/internal/app/services/access"
	"github.com/FamShield/safety_layer/internal/app/services/families"
	"github.com/FamShield/safety_layer/internal/app/services/notify"
	"github.com/FamShield/safety_layer/internal/app/services/proposals"
	"github.com/FamShield/safety_layer/internal/app/storage"
	"github.com/FamShield/safety_layer/internal/app/storage/memory"
	"github.com/FamShield/safety_layer/internal/app/system"
	"github.com/FamShield/safety_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Families  storage.FamilyStore
	Children  storage.ChildStore
	Proposals storage.ProposalStore
	Grants    storage.GrantStore
	Audit     storage.AuditStore
}

// Options tunes optional application behaviour.
type Options struct {
	// SweepSchedule overrides the proposal sweeper's cron schedule.
	SweepSchedule string
	// WebhookEndpoint, when set, enables webhook notification delivery.
	WebhookEndpoint string
	// WebhookAPIKey authenticates webhook deliveries.
	WebhookAPIKey string
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Families  *families.Service
	Proposals *proposals.Service
	Access    *accesssvc.Service
	Audit     storage.AuditStore
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Families == nil {
		stores.Families = mem
	}
	if stores.Children == nil {
		stores.Children = mem
	}
	if stores.Proposals == nil {
		stores.Proposals = mem
	}
	if stores.Grants == nil {
		stores.Grants = mem
	}
	if stores.Audit == nil {
		stores.Audit = mem
	}

	var notifier notify.Notifier
	if opts.WebhookEndpoint != "" {
		httpClient := &http.Client{Timeout: 10 * time.Second}
		wh, err := notify.NewWebhookNotifier(httpClient, opts.WebhookEndpoint, opts.WebhookAPIKey)
		if err != nil {
			log.WithError(err).Warn("configure webhook notifier")
		} else {
			notifier = wh
		}
	} else {
		log.Warn("no webhook endpoint configured; notifications disabled")
	}
	dispatcher := notify.NewDispatcher(notifier, log)

	familyService := families.New(stores.Families, stores.Children, stores.Audit, log)
	familyService.AttachDispatcher(dispatcher)
	proposalService := proposals.New(stores.Families, stores.Children, stores.Proposals, stores.Audit, log)
	proposalService.AttachDispatcher(dispatcher)
	accessService := accesssvc.New(stores.Families, stores.Children, stores.Grants, stores.Audit, log)
	accessService.AttachDispatcher(dispatcher)

	manager := system.NewManager()
	for _, name := range []string{"families", "proposals", "access"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	sweeper := proposals.NewSweeper(proposalService, log)
	if opts.SweepSchedule != "" {
		sweeper.WithSchedule(opts.SweepSchedule)
	}
	runners := []system.Service{
		sweeper,
		families.NewReaper(familyService, log),
		accesssvc.NewReaper(accessService, log),
	}
	for _, svc := range runners {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:   manager,
		log:       log,
		Families:  familyService,
		Proposals: proposalService,
		Access:    accessService,
		Audit:     stores.Audit,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
