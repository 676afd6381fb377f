// Package eventbus implements component K: in-process publish-subscribe
// plus WebSocket fanout to live subscribers.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/patrolwire/patrolwire/internal/telemetry"
)

// Topic names the event kinds: the nine named in spec §4.K, which the
// WebSocket fanout relays (allTopics), plus config.invalidated.
type Topic string

const (
	TopicAlertIngested         Topic = "alert.ingested"
	TopicIncidentCreated       Topic = "incident.created"
	TopicIncidentUpdated       Topic = "incident.updated"
	TopicIncidentAssigned      Topic = "incident.assigned"
	TopicApprovalRequested     Topic = "approval.requested"
	TopicApprovalDecided       Topic = "approval.decided"
	TopicRemediationCompleted  Topic = "remediation.completed"
	TopicNotificationCreated   Topic = "notification.created"
	TopicCorrelatorProgress    Topic = "correlator.progress"
	TopicConfigInvalidated     Topic = "config.invalidated"
)

// Event is a single message published on the bus.
type Event struct {
	Topic     Topic `json:"topic"`
	TenantID  string `json:"tenant_id"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// subscriberQueueSize bounds a single in-process subscriber's channel;
// publish never blocks on a full subscriber (spec §5: "the bus drops
// rather than blocks").
const subscriberQueueSize = 64

// Bus is an in-process, topic-keyed publish-subscribe dispatcher. It runs
// no goroutine of its own: Publish delivers on the caller's goroutine into
// each subscriber's buffered channel.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan Event
	logger      *slog.Logger
}

// New builds an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{subscribers: make(map[Topic][]chan Event), logger: logger}
}

// Subscribe registers a new subscriber channel for topic. Callers should
// range over the returned channel for the lifetime of their worker.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	ch := make(chan Event, subscriberQueueSize)
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish fans event out to every subscriber of event.Topic. Delivery is
// best-effort: a subscriber whose queue is full has this event dropped
// rather than blocking the publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	telemetry.EventBusPublishedTotal.WithLabelValues(string(event.Topic)).Inc()

	b.mu.RLock()
	subs := b.subscribers[event.Topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("eventbus subscriber queue full, dropping event", "topic", event.Topic)
		}
	}
}
