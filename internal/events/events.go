package events

import (
	"context"
	"log/slog"
	"time"
)

// Kind names an engine event.
type Kind string

const (
	StepStarted           Kind = "step.started"
	StepCompleted         Kind = "step.completed"
	StepFailed            Kind = "step.failed"
	ActionExecuted        Kind = "action.executed"
	InstanceCompleted     Kind = "instance.completed"
	InstanceFailed        Kind = "instance.failed"
	ApprovalCreated       Kind = "approval.created"
	ApprovalResponded     Kind = "approval.responded"
	NotificationRequested Kind = "notification.requested"
	EmailRequested        Kind = "email.requested"
	WebhookRequested      Kind = "webhook.requested"
)

// Event is one fire-and-forget engine notification. Delivery is best effort;
// the engine never blocks on a publisher and never treats publication failure
// as a step failure.
type Event struct {
	Kind       Kind
	InstanceID string
	Workflow   string
	Step       string
	Data       map[string]any
	At         time.Time
}

// Publisher receives engine events. Implementations must not panic and should
// return quickly; slow delivery belongs on the far side of a queue.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// LoggingPublisher writes every event to slog. It is the default publisher.
type LoggingPublisher struct {
	Level slog.Level
}

func NewLoggingPublisher() *LoggingPublisher {
	return &LoggingPublisher{Level: slog.LevelInfo}
}

func (p *LoggingPublisher) Publish(ctx context.Context, e Event) {
	slog.Log(ctx, p.Level, "workflow event",
		"kind", string(e.Kind),
		"instance_id", e.InstanceID,
		"workflow", e.Workflow,
		"step", e.Step,
	)
}

// CompositePublisher fans out to multiple publishers.
type CompositePublisher struct {
	publishers []Publisher
}

func NewCompositePublisher(ps ...Publisher) *CompositePublisher {
	return &CompositePublisher{publishers: ps}
}

func (p *CompositePublisher) Publish(ctx context.Context, e Event) {
	for _, pub := range p.publishers {
		pub.Publish(ctx, e)
	}
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) {}
