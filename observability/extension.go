// Package observability provides an extension that records cluster
// lifecycle metrics through OpenTelemetry. If no MeterProvider is
// configured, the OTel API returns noop instruments and the extension
// becomes a pass-through.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/fleet/ext"
	"github.com/xraph/fleet/lease"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/task"
)

// meterName is the instrumentation scope name for fleet metrics.
const meterName = "github.com/xraph/fleet"

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.NodeRegistered   = (*MetricsExtension)(nil)
	_ ext.NodeReregistered = (*MetricsExtension)(nil)
	_ ext.NodeDisconnected = (*MetricsExtension)(nil)
	_ ext.NodeUnreachable  = (*MetricsExtension)(nil)
	_ ext.NodeGone         = (*MetricsExtension)(nil)
	_ ext.OwnerSubscribed  = (*MetricsExtension)(nil)
	_ ext.OwnerRemoved     = (*MetricsExtension)(nil)
	_ ext.LeaseGranted     = (*MetricsExtension)(nil)
	_ ext.LeaseAccepted    = (*MetricsExtension)(nil)
	_ ext.LeaseDeclined    = (*MetricsExtension)(nil)
	_ ext.LeaseRescinded   = (*MetricsExtension)(nil)
	_ ext.TaskLaunched     = (*MetricsExtension)(nil)
	_ ext.TaskTransitioned = (*MetricsExtension)(nil)
)

// MetricsExtension records cluster lifecycle metrics.
//
// Instruments:
//   - fleet.node.events (Int64Counter): node lifecycle events,
//     with attribute: event (registered, reregistered, disconnected,
//     unreachable, gone)
//   - fleet.owner.events (Int64Counter): owner lifecycle events,
//     with attribute: event (subscribed, removed)
//   - fleet.lease.events (Int64Counter): lease lifecycle events,
//     with attributes: event (granted, accepted, declined, rescinded), role
//   - fleet.task.transitions (Int64Counter): task state transitions,
//     with attributes: state, reason
//   - fleet.task.lifetime (Float64Histogram): seconds from launch to a
//     terminal state, with attribute: state
type MetricsExtension struct {
	nodeEvents   metric.Int64Counter
	ownerEvents  metric.Int64Counter
	leaseEvents  metric.Int64Counter
	transitions  metric.Int64Counter
	taskLifetime metric.Float64Histogram
}

// New creates a MetricsExtension using the global OTel MeterProvider.
func New() *MetricsExtension {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates a MetricsExtension using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewWithMeter(meter metric.Meter) *MetricsExtension {
	// Create instruments once at construction time. OTel instruments are
	// safe for concurrent use. On error, the API returns noop instruments
	// so the extension degrades gracefully.
	nodeEvents, err := meter.Int64Counter(
		"fleet.node.events",
		metric.WithDescription("Node lifecycle events"),
		metric.WithUnit("{event}"),
	)
	_ = err // noop fallback guaranteed by OTel API contract

	ownerEvents, err := meter.Int64Counter(
		"fleet.owner.events",
		metric.WithDescription("Workload owner lifecycle events"),
		metric.WithUnit("{event}"),
	)
	_ = err

	leaseEvents, err := meter.Int64Counter(
		"fleet.lease.events",
		metric.WithDescription("Resource lease lifecycle events"),
		metric.WithUnit("{event}"),
	)
	_ = err

	transitions, err := meter.Int64Counter(
		"fleet.task.transitions",
		metric.WithDescription("Task state transitions"),
		metric.WithUnit("{transition}"),
	)
	_ = err

	taskLifetime, err := meter.Float64Histogram(
		"fleet.task.lifetime",
		metric.WithDescription("Seconds from task launch to terminal state"),
		metric.WithUnit("s"),
	)
	_ = err

	return &MetricsExtension{
		nodeEvents:   nodeEvents,
		ownerEvents:  ownerEvents,
		leaseEvents:  leaseEvents,
		transitions:  transitions,
		taskLifetime: taskLifetime,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability" }

// ── Node hooks ──────────────────────────────────────

func (m *MetricsExtension) OnNodeRegistered(ctx context.Context, _ *node.Node) error {
	m.nodeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "registered")))
	return nil
}

func (m *MetricsExtension) OnNodeReregistered(ctx context.Context, _ *node.Node) error {
	m.nodeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "reregistered")))
	return nil
}

func (m *MetricsExtension) OnNodeDisconnected(ctx context.Context, _ *node.Node) error {
	m.nodeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "disconnected")))
	return nil
}

func (m *MetricsExtension) OnNodeUnreachable(ctx context.Context, _ *node.Node) error {
	m.nodeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "unreachable")))
	return nil
}

func (m *MetricsExtension) OnNodeGone(ctx context.Context, _ *node.Node) error {
	m.nodeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "gone")))
	return nil
}

// ── Owner hooks ─────────────────────────────────────

func (m *MetricsExtension) OnOwnerSubscribed(ctx context.Context, _ *owner.Owner) error {
	m.ownerEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "subscribed")))
	return nil
}

func (m *MetricsExtension) OnOwnerRemoved(ctx context.Context, _ *owner.Owner) error {
	m.ownerEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "removed")))
	return nil
}

// ── Lease hooks ─────────────────────────────────────

func (m *MetricsExtension) OnLeaseGranted(ctx context.Context, l *lease.Lease) error {
	m.recordLease(ctx, "granted", l)
	return nil
}

func (m *MetricsExtension) OnLeaseAccepted(ctx context.Context, l *lease.Lease) error {
	m.recordLease(ctx, "accepted", l)
	return nil
}

func (m *MetricsExtension) OnLeaseDeclined(ctx context.Context, l *lease.Lease) error {
	m.recordLease(ctx, "declined", l)
	return nil
}

func (m *MetricsExtension) OnLeaseRescinded(ctx context.Context, l *lease.Lease) error {
	m.recordLease(ctx, "rescinded", l)
	return nil
}

func (m *MetricsExtension) recordLease(ctx context.Context, event string, l *lease.Lease) {
	m.leaseEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("role", l.Role),
	))
}

// ── Task hooks ──────────────────────────────────────

func (m *MetricsExtension) OnTaskLaunched(ctx context.Context, t *task.Task) error {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(t.State)),
		attribute.String("reason", string(t.Reason)),
	))
	return nil
}

func (m *MetricsExtension) OnTaskTransitioned(ctx context.Context, t *task.Task, _ task.State) error {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(t.State)),
		attribute.String("reason", string(t.Reason)),
	))
	if t.Terminal() && !t.CreatedAt.IsZero() {
		m.taskLifetime.Record(ctx, time.Since(t.CreatedAt).Seconds(),
			metric.WithAttributes(attribute.String("state", string(t.State))))
	}
	return nil
}
