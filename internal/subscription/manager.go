// Package subscription fans out newly produced messages to subscribers
// registered per topic, without ever blocking the producer.
package subscription

import (
	"log/slog"
	"sync"

	"github.com/eventlogio/eventlog/internal/model"
)

type subscriber struct {
	id               string
	nextOffsetNeeded uint64
	deliver          model.DeliveryFunc
	executor         model.Executor
}

// Manager holds topic -> subscriberID -> subscriber and dispatches
// OnNewMessage notifications through each subscriber's own Executor, so one
// slow subscriber never delays another or the producer.
type Manager struct {
	mu     sync.Mutex
	topics map[string]map[string]*subscriber
	logger *slog.Logger
}

// New returns an empty Manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{topics: make(map[string]map[string]*subscriber), logger: logger}
}

// Subscribe registers subscriberID on topic starting at startOffset:
// OnNewMessage calls will only deliver messages with Offset >= startOffset.
func (m *Manager) Subscribe(topic, subscriberID string, startOffset uint64, executor model.Executor, deliver model.DeliveryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[string]*subscriber)
		m.topics[topic] = subs
	}
	subs[subscriberID] = &subscriber{
		id:               subscriberID,
		nextOffsetNeeded: startOffset,
		deliver:          deliver,
		executor:         executor,
	}
	m.logger.Debug("subscribed", "topic", topic, "subscriber", subscriberID, "start_offset", startOffset)
}

// Unsubscribe removes subscriberID from topic. Reports whether it was
// present.
func (m *Manager) Unsubscribe(topic, subscriberID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.topics[topic]
	if !ok {
		return false
	}
	if _, ok := subs[subscriberID]; !ok {
		return false
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
	return true
}

// UnsubscribeAll removes subscriberID from every topic, used when a client
// session ends.
func (m *Manager) UnsubscribeAll(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for topic, subs := range m.topics {
		if _, ok := subs[subscriberID]; ok {
			delete(subs, subscriberID)
			if len(subs) == 0 {
				delete(m.topics, topic)
			}
		}
	}
}

// OnNewMessage notifies every subscriber on message.Topic whose
// nextOffsetNeeded has been reached, posting delivery on each subscriber's
// own Executor and advancing its cursor. Intended to be called with the
// producing Topic's lock already released, per the REDESIGN FLAGS fix in
// internal/broker: the broker -- not this type -- is responsible for
// ordering notifications relative to concurrent Appends on the same topic.
func (m *Manager) OnNewMessage(message model.Message) {
	m.mu.Lock()
	subs, ok := m.topics[message.Topic]
	if !ok {
		m.mu.Unlock()
		return
	}

	type delivery struct {
		executor model.Executor
		deliver  model.DeliveryFunc
	}
	var pending []delivery
	batch := []model.Message{message}

	for _, sub := range subs {
		if message.Offset >= sub.nextOffsetNeeded {
			pending = append(pending, delivery{executor: sub.executor, deliver: sub.deliver})
			sub.nextOffsetNeeded = message.Offset + 1
		}
	}
	m.mu.Unlock()

	for _, d := range pending {
		d := d
		d.executor.Post(func() {
			defer m.recoverDeliveryPanic(message.Topic)
			d.deliver(message.Topic, batch)
		})
	}
}

// recoverDeliveryPanic keeps a misbehaving subscriber's callback from taking
// down the process: spec.md §7 requires listener failures to be caught and
// logged, never propagated to the producer.
func (m *Manager) recoverDeliveryPanic(topic string) {
	if r := recover(); r != nil {
		m.logger.Error("subscriber delivery callback panicked", "topic", topic, "panic", r)
	}
}

// SubscriberCount returns how many subscribers are currently registered on
// topic, for diagnostics.
func (m *Manager) SubscriberCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}
