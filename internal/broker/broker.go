// Package broker is the façade every front-end talks to: it wires the
// topic registry to the subscription manager so Produce both persists and
// notifies.
package broker

import (
	"log/slog"
	"sync"

	"github.com/eventlogio/eventlog/internal/brokererr"
	"github.com/eventlogio/eventlog/internal/model"
	"github.com/eventlogio/eventlog/internal/registry"
	"github.com/eventlogio/eventlog/internal/subscription"
)

// Broker is the single entry point front-ends use for every operation.
type Broker struct {
	registry *registry.Registry
	subs     *subscription.Manager
	logger   *slog.Logger

	// publishMu holds one lock per topic so a topic's Append and the
	// matching OnNewMessage notification are never interleaved with
	// another producer's Append+notify pair on the same topic. The
	// original source posts notify_new_message after releasing the
	// topic's own lock, so two concurrent producers can have their
	// notifications observed out of offset order; this lock closes that
	// window without widening Topic's own lock scope.
	publishMu sync.Map // topic name -> *sync.Mutex
}

// New wires a Broker over an already-open Registry and SubscriptionManager.
func New(reg *registry.Registry, subs *subscription.Manager, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{registry: reg, subs: subs, logger: logger}
}

func (b *Broker) publishLock(topic string) *sync.Mutex {
	actual, _ := b.publishMu.LoadOrStore(topic, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Produce appends payload to topic, creating the topic if it doesn't exist,
// and notifies subscribers once the append is durable.
func (b *Broker) Produce(topic string, payload []byte) (uint64, error) {
	if topic == "" {
		return 0, brokererr.New(brokererr.InvalidArgument, "topic name cannot be empty")
	}
	if len(payload) == 0 {
		return 0, brokererr.New(brokererr.InvalidArgument, "payload cannot be empty")
	}

	lock := b.publishLock(topic)
	lock.Lock()
	defer lock.Unlock()

	t, err := b.registry.GetOrCreate(topic)
	if err != nil {
		return 0, err
	}

	offset, err := t.Append(payload)
	if err != nil {
		return 0, err
	}

	b.subs.OnNewMessage(model.Message{Offset: offset, Topic: topic, Payload: payload})
	return offset, nil
}

// Consume returns up to max messages from topic starting at startOffset.
// An unknown topic yields an empty result, not an error, matching the
// original source's consume().
func (b *Broker) Consume(topic string, startOffset uint64, max uint32) ([]model.Message, error) {
	if topic == "" {
		return nil, brokererr.New(brokererr.InvalidArgument, "topic name cannot be empty")
	}
	t, ok := b.registry.Get(topic)
	if !ok {
		return nil, nil
	}
	return t.ReadRange(startOffset, max)
}

// CreateTopic ensures topic exists, creating it if necessary, and reports
// its current next offset.
func (b *Broker) CreateTopic(topic string) (uint64, error) {
	if topic == "" {
		return 0, brokererr.New(brokererr.InvalidArgument, "topic name cannot be empty")
	}
	t, err := b.registry.GetOrCreate(topic)
	if err != nil {
		return 0, err
	}
	return t.NextOffset(), nil
}

// ListTopics returns every known topic name.
func (b *Broker) ListTopics() []string {
	return b.registry.List()
}

// NextOffset returns the offset the next Produce on topic would receive, or
// 0 if topic has never been created. Per spec.md §4.5 this is never an
// error: an unknown topic simply has no messages yet.
func (b *Broker) NextOffset(topic string) uint64 {
	t, ok := b.registry.Get(topic)
	if !ok {
		return 0
	}
	return t.NextOffset()
}

// Subscribe registers subscriberID for push delivery of new messages on
// topic, starting at startOffset.
func (b *Broker) Subscribe(topic, subscriberID string, startOffset uint64, executor model.Executor, deliver model.DeliveryFunc) error {
	if topic == "" {
		return brokererr.New(brokererr.InvalidArgument, "topic name cannot be empty")
	}
	if _, err := b.registry.GetOrCreate(topic); err != nil {
		return err
	}
	b.subs.Subscribe(topic, subscriberID, startOffset, executor, deliver)
	return nil
}

// Unsubscribe removes subscriberID from topic's push delivery.
func (b *Broker) Unsubscribe(topic, subscriberID string) bool {
	return b.subs.Unsubscribe(topic, subscriberID)
}

// UnsubscribeAll removes subscriberID from every topic, used on client
// disconnect.
func (b *Broker) UnsubscribeAll(subscriberID string) {
	b.subs.UnsubscribeAll(subscriberID)
}

// Close flushes and closes every open topic.
func (b *Broker) Close() error {
	return b.registry.CloseAll()
}
