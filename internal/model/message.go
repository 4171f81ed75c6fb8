// Package model holds the data shapes shared across the core and the
// front-ends: messages and subscriber records.
package model

// Message is one record returned by a read or pushed to a subscriber.
type Message struct {
	Offset  uint64
	Topic   string
	Payload []byte
}

// DeliveryFunc is invoked by a subscriber's Executor with newly available
// messages for one topic, in offset order.
type DeliveryFunc func(topic string, messages []Message)

// Executor posts a task for later, asynchronous execution. Subscribers
// supply their own — typically a single-goroutine loop draining a channel
// for one network session — so that delivery never runs on the producer's
// goroutine and is serialized per subscriber.
type Executor interface {
	Post(task func())
}

// ExecutorFunc adapts a plain func(func()) to an Executor.
type ExecutorFunc func(task func())

// Post implements Executor.
func (f ExecutorFunc) Post(task func()) { f(task) }
