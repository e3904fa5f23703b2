package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	Spawns              metric.Int64Counter
	Retries             metric.Int64Counter
	StaleAgents         metric.Int64Counter
	Escalations         metric.Int64Counter
	Conflicts           metric.Int64Counter
	Transitions         metric.Int64Counter
	LaneViolations      metric.Int64Counter
	VerificationSeconds metric.Float64Histogram
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Spawns, err = meter.Int64Counter("laneway.agent.spawns",
		metric.WithDescription("Agents spawned, retries included"),
	); err != nil {
		return nil, err
	}
	if m.Retries, err = meter.Int64Counter("laneway.agent.retries",
		metric.WithDescription("Agent retries after a failure or stale report"),
	); err != nil {
		return nil, err
	}
	if m.StaleAgents, err = meter.Int64Counter("laneway.agent.stale",
		metric.WithDescription("Agents whose progress report stopped advancing"),
	); err != nil {
		return nil, err
	}
	if m.Escalations, err = meter.Int64Counter("laneway.task.escalations",
		metric.WithDescription("Tasks escalated to an operator"),
	); err != nil {
		return nil, err
	}
	if m.Conflicts, err = meter.Int64Counter("laneway.integration.conflicts",
		metric.WithDescription("Conflict records opened during staging"),
	); err != nil {
		return nil, err
	}
	if m.Transitions, err = meter.Int64Counter("laneway.task.transitions",
		metric.WithDescription("Task lifecycle transitions"),
	); err != nil {
		return nil, err
	}
	if m.LaneViolations, err = meter.Int64Counter("laneway.lane.violations",
		metric.WithDescription("Writes outside an agent's lane"),
	); err != nil {
		return nil, err
	}
	if m.VerificationSeconds, err = meter.Float64Histogram("laneway.verify.duration",
		metric.WithDescription("Verification gate duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Spawned records an agent spawn.
func (m *Metrics) Spawned(ctx context.Context, role string, attempt int) {
	if m == nil {
		return
	}
	m.Spawns.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role), attribute.Int("attempt", attempt)))
}

// Retried records an agent retry.
func (m *Metrics) Retried(ctx context.Context, role, cause string) {
	if m == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role), attribute.String("cause", cause)))
}

// Stale records a stale agent.
func (m *Metrics) Stale(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.StaleAgents.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role)))
}

// Escalated records a task escalation.
func (m *Metrics) Escalated(ctx context.Context) {
	if m == nil {
		return
	}
	m.Escalations.Add(ctx, 1)
}

// ConflictOpened records a new conflict record.
func (m *Metrics) ConflictOpened(ctx context.Context, files int) {
	if m == nil {
		return
	}
	m.Conflicts.Add(ctx, 1, metric.WithAttributes(attribute.Int("files", files)))
}

// Transitioned records a lifecycle transition.
func (m *Metrics) Transitioned(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), AttrState.String(to)))
}

// LaneViolation records an out-of-lane write.
func (m *Metrics) LaneViolation(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.LaneViolations.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role)))
}

// Verified records a verification run.
func (m *Metrics) Verified(ctx context.Context, passed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.VerificationSeconds.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("passed", passed)))
}
