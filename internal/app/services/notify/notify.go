// Package notify delivers fire-and-forget notifications for committed
// transitions. Services emit events after their state write commits; delivery
// failures are logged and never propagate back into the transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/FamShield/safety_layer/pkg/logger"
)

// Event describes one committed transition worth telling the non-acting
// party about.
type Event struct {
	Type       string    `json:"type"`
	FamilyID   string    `json:"family_id"`
	ProposalID string    `json:"proposal_id,omitempty"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Actor      string    `json:"actor"`
	Recipients []string  `json:"recipients,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event types emitted by the proposal and family services.
const (
	EventProposalCreated  = "proposal.created"
	EventProposalApproved = "proposal.approved"
	EventProposalDeclined = "proposal.declined"
	EventCoolingStarted   = "proposal.cooling_started"
	EventCoolingCancelled = "proposal.cooling_cancelled"
	EventCoolingCompleted = "proposal.cooling_completed"
	EventProposalExpired  = "proposal.expired"
	EventEmergencyApplied = "proposal.emergency_applied"
	EventDisputeReverted  = "proposal.dispute_reverted"
	EventRemovalRequested = "guardian.removal_requested"
	EventRemovalResolved  = "guardian.removal_resolved"
	EventGrantCreated     = "access.grant_created"
	EventGrantRevoked     = "access.grant_revoked"
)

// Notifier delivers a single event to an external channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatcher fans committed events out to a notifier, swallowing failures.
type Dispatcher struct {
	notifier Notifier
	log      *logger.Logger
}

// NewDispatcher creates a dispatcher. A nil notifier makes Dispatch a no-op
// beyond debug logging.
func NewDispatcher(notifier Notifier, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Dispatcher{notifier: notifier, log: log}
}

// Dispatch delivers each event best-effort. Errors are logged, never
// returned: the transition that produced the events has already committed.
func (d *Dispatcher) Dispatch(ctx context.Context, events []Event) {
	if d == nil {
		return
	}
	for _, ev := range events {
		if d.notifier == nil {
			d.log.WithField("event", ev.Type).Debug("no notifier configured; dropping event")
			continue
		}
		if err := d.notifier.Notify(ctx, ev); err != nil {
			d.log.WithError(err).
				WithField("event", ev.Type).
				WithField("proposal_id", ev.ProposalID).
				Warn("notification delivery failed")
		}
	}
}

// WebhookNotifier posts events as JSON to a configured endpoint.
type WebhookNotifier struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

// NewWebhookNotifier validates the endpoint and returns a notifier.
func NewWebhookNotifier(client *http.Client, endpoint, apiKey string) (*WebhookNotifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{client: client, endpoint: endpoint, apiKey: apiKey}, nil
}

// Notify posts the event to the webhook endpoint.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
