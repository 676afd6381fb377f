package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/patrolwire/patrolwire/pkg/approval"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/incident"
)

// Consumer bridges event-bus topics a human should hear about to a
// Notifier, decoupling every domain package from knowing notify exists.
type Consumer struct {
	notifier Notifier
	bus      *eventbus.Bus
	logger   *slog.Logger
}

// NewConsumer builds a notify Consumer.
func NewConsumer(notifier Notifier, bus *eventbus.Bus, logger *slog.Logger) *Consumer {
	return &Consumer{notifier: notifier, bus: bus, logger: logger}
}

// Run subscribes to the topics worth notifying a human about and relays
// each to the configured Notifier. It blocks until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	assigned := c.bus.Subscribe(eventbus.TopicIncidentAssigned)
	approvals := c.bus.Subscribe(eventbus.TopicApprovalRequested)
	completed := c.bus.Subscribe(eventbus.TopicRemediationCompleted)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-assigned:
			if inc, ok := ev.Payload.(*incident.Incident); ok {
				c.send(ctx, fmt.Sprintf("Incident %s assigned to %s (priority %d)", inc.ID, inc.AssignedTo, inc.PriorityScore))
			}
		case ev := <-approvals:
			if req, ok := ev.Payload.(*approval.Request); ok {
				c.send(ctx, fmt.Sprintf("Approval requested for incident %s, runbook %s (%s risk)", req.IncidentID, req.RunbookID, req.RiskLevel))
			}
		case ev := <-completed:
			c.send(ctx, fmt.Sprintf("Remediation finished for tenant %s", ev.TenantID))
		}
	}
}

func (c *Consumer) send(ctx context.Context, message string) {
	if err := c.notifier.Notify(ctx, "", message); err != nil {
		c.logger.Warn("notification delivery failed", "error", err)
	}
}
