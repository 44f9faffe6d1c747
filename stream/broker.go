package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/fleet/ext"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/lease"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Broker)(nil)
	_ ext.NodeRegistered     = (*Broker)(nil)
	_ ext.NodeReregistered   = (*Broker)(nil)
	_ ext.NodeDisconnected   = (*Broker)(nil)
	_ ext.NodeUnreachable    = (*Broker)(nil)
	_ ext.NodeGone           = (*Broker)(nil)
	_ ext.OwnerSubscribed    = (*Broker)(nil)
	_ ext.OwnerRemoved       = (*Broker)(nil)
	_ ext.LeaseGranted       = (*Broker)(nil)
	_ ext.LeaseAccepted      = (*Broker)(nil)
	_ ext.LeaseDeclined      = (*Broker)(nil)
	_ ext.LeaseRescinded     = (*Broker)(nil)
	_ ext.TaskLaunched       = (*Broker)(nil)
	_ ext.TaskTransitioned   = (*Broker)(nil)
	_ ext.LeadershipAcquired = (*Broker)(nil)
	_ ext.LeadershipLost     = (*Broker)(nil)
	_ ext.Shutdown           = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext.Extension
// interface to receive lifecycle events and fans them out to subscribers
// via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., API server).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// publish creates an event and broadcasts it to all matching topics.
func (b *Broker) publish(evt *Event) {
	topics := resolveTopics(evt)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

func nodeData(n *node.Node) NodeEventData {
	d := NodeEventData{
		NodeID:   n.ID.String(),
		Hostname: n.Hostname,
		State:    string(n.State),
	}
	if n.Domain != nil {
		d.Region = n.Domain.Region
		d.Zone = n.Domain.Zone
	}
	return d
}

func ownerData(o *owner.Owner) OwnerEventData {
	return OwnerEventData{
		OwnerID:   o.ID.String(),
		Name:      o.Name,
		Principal: o.Principal,
		Roles:     o.Roles,
		Activity:  string(o.Activity),
	}
}

func leaseData(l *lease.Lease) LeaseEventData {
	return LeaseEventData{
		LeaseID: l.ID.String(),
		NodeID:  l.NodeID.String(),
		OwnerID: l.OwnerID.String(),
		Role:    l.Role,
		CPUs:    l.Resources.CPUs,
		MemMB:   l.Resources.MemMB,
		DiskMB:  l.Resources.DiskMB,
		GPUs:    l.Resources.GPUs,
	}
}

// ── Node lifecycle hooks ────────────────────────────

func (b *Broker) OnNodeRegistered(_ context.Context, n *node.Node) error {
	b.publishNode(EventNodeRegistered, n)
	return nil
}

func (b *Broker) OnNodeReregistered(_ context.Context, n *node.Node) error {
	b.publishNode(EventNodeReregistered, n)
	return nil
}

func (b *Broker) OnNodeDisconnected(_ context.Context, n *node.Node) error {
	b.publishNode(EventNodeDisconnected, n)
	return nil
}

func (b *Broker) OnNodeUnreachable(_ context.Context, n *node.Node) error {
	b.publishNode(EventNodeUnreachable, n)
	return nil
}

func (b *Broker) OnNodeGone(_ context.Context, n *node.Node) error {
	b.publishNode(EventNodeGone, n)
	return nil
}

func (b *Broker) publishNode(t EventType, n *node.Node) {
	b.publish(&Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Topic:     NodeTopic(n.ID.String()),
		Data:      mustMarshal(nodeData(n)),
	})
}

// ── Owner lifecycle hooks ───────────────────────────

func (b *Broker) OnOwnerSubscribed(_ context.Context, o *owner.Owner) error {
	b.publish(&Event{
		Type:      EventOwnerSubscribed,
		Timestamp: time.Now().UTC(),
		Topic:     OwnerTopic(o.ID.String()),
		Data:      mustMarshal(ownerData(o)),
	})
	return nil
}

func (b *Broker) OnOwnerRemoved(_ context.Context, o *owner.Owner) error {
	b.publish(&Event{
		Type:      EventOwnerRemoved,
		Timestamp: time.Now().UTC(),
		Topic:     OwnerTopic(o.ID.String()),
		Data:      mustMarshal(ownerData(o)),
	})
	return nil
}

// ── Lease lifecycle hooks ───────────────────────────

func (b *Broker) OnLeaseGranted(_ context.Context, l *lease.Lease) error {
	b.publishLease(EventLeaseGranted, l)
	return nil
}

func (b *Broker) OnLeaseAccepted(_ context.Context, l *lease.Lease) error {
	b.publishLease(EventLeaseAccepted, l)
	return nil
}

func (b *Broker) OnLeaseDeclined(_ context.Context, l *lease.Lease) error {
	b.publishLease(EventLeaseDeclined, l)
	return nil
}

func (b *Broker) OnLeaseRescinded(_ context.Context, l *lease.Lease) error {
	b.publishLease(EventLeaseRescinded, l)
	return nil
}

func (b *Broker) publishLease(t EventType, l *lease.Lease) {
	b.publish(&Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		// Lease events land on the owner's entity topic so owner
		// watchers see their own grants.
		Topic: OwnerTopic(l.OwnerID.String()),
		Data:  mustMarshal(leaseData(l)),
	})
}

// ── Task lifecycle hooks ────────────────────────────

func (b *Broker) OnTaskLaunched(_ context.Context, t *task.Task) error {
	b.publish(&Event{
		Type:      EventTaskLaunched,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID),
		Data: mustMarshal(TaskEventData{
			TaskID:  t.ID,
			OwnerID: t.OwnerID.String(),
			NodeID:  t.NodeID.String(),
			Role:    t.Role,
			State:   string(t.State),
		}),
	})
	return nil
}

func (b *Broker) OnTaskTransitioned(_ context.Context, t *task.Task, from task.State) error {
	b.publish(&Event{
		Type:      EventTaskTransitioned,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID),
		Data: mustMarshal(TaskEventData{
			TaskID:  t.ID,
			OwnerID: t.OwnerID.String(),
			NodeID:  t.NodeID.String(),
			Role:    t.Role,
			State:   string(t.State),
			From:    string(from),
			Reason:  string(t.Reason),
		}),
	})
	return nil
}

// ── Leadership hooks ────────────────────────────────

func (b *Broker) OnLeadershipAcquired(_ context.Context, coordID id.CoordinatorID) error {
	b.publish(&Event{
		Type:      EventLeadershipAcquired,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(LeadershipEventData{CoordinatorID: coordID.String()}),
	})
	return nil
}

func (b *Broker) OnLeadershipLost(_ context.Context, coordID id.CoordinatorID) error {
	b.publish(&Event{
		Type:      EventLeadershipLost,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(LeadershipEventData{CoordinatorID: coordID.String()}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
