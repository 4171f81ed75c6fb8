package subscription

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eventlogio/eventlog/internal/model"
)

// syncExecutor runs posted tasks inline, for deterministic assertions.
type syncExecutor struct{}

func (syncExecutor) Post(task func()) { task() }

func TestManager_SubscribeDeliversMessagesFromStartOffset(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := New(nil)

	var delivered []model.Message
	m.Subscribe("orders", "sub-1", 5, syncExecutor{}, func(topic string, msgs []model.Message) {
		delivered = append(delivered, msgs...)
	})

	m.OnNewMessage(model.Message{Offset: 3, Topic: "orders"})
	assert.Empty(t, delivered)

	m.OnNewMessage(model.Message{Offset: 5, Topic: "orders"})
	require.Len(t, delivered, 1)
	assert.Equal(t, uint64(5), delivered[0].Offset)
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := New(nil)

	var count int
	m.Subscribe("orders", "sub-1", 0, syncExecutor{}, func(topic string, msgs []model.Message) {
		count += len(msgs)
	})
	m.OnNewMessage(model.Message{Offset: 0, Topic: "orders"})
	assert.Equal(t, 1, count)

	ok := m.Unsubscribe("orders", "sub-1")
	assert.True(t, ok)

	m.OnNewMessage(model.Message{Offset: 1, Topic: "orders"})
	assert.Equal(t, 1, count)
}

func TestManager_UnsubscribeUnknownReturnsFalse(t *testing.T) {
	m := New(nil)
	assert.False(t, m.Unsubscribe("orders", "nobody"))
}

func TestManager_UnsubscribeAllRemovesFromEveryTopic(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := New(nil)

	m.Subscribe("a", "sub-1", 0, syncExecutor{}, func(string, []model.Message) {})
	m.Subscribe("b", "sub-1", 0, syncExecutor{}, func(string, []model.Message) {})

	m.UnsubscribeAll("sub-1")

	assert.Equal(t, 0, m.SubscriberCount("a"))
	assert.Equal(t, 0, m.SubscriberCount("b"))
}

func TestManager_MultipleSubscribersEachAdvanceIndependently(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := New(nil)

	var firstCount, secondCount int
	m.Subscribe("orders", "first", 0, syncExecutor{}, func(string, []model.Message) { firstCount++ })
	m.Subscribe("orders", "second", 1, syncExecutor{}, func(string, []model.Message) { secondCount++ })

	m.OnNewMessage(model.Message{Offset: 0, Topic: "orders"})
	m.OnNewMessage(model.Message{Offset: 1, Topic: "orders"})

	assert.Equal(t, 2, firstCount)
	assert.Equal(t, 1, secondCount)
}

func TestManager_DeliveryUsesSuppliedExecutorAsynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := New(nil)

	var mu sync.Mutex
	var delivered bool
	done := make(chan struct{})

	executor := model.ExecutorFunc(func(task func()) {
		go func() {
			task()
			close(done)
		}()
	})

	m.Subscribe("orders", "async-sub", 0, executor, func(string, []model.Message) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})

	m.OnNewMessage(model.Message{Offset: 0, Topic: "orders"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, delivered)
}

func TestManager_NoSubscribersIsANoop(t *testing.T) {
	m := New(nil)
	assert.NotPanics(t, func() {
		m.OnNewMessage(model.Message{Offset: 0, Topic: "nobody-listening"})
	})
}

func TestManager_PanickingSubscriberDoesNotCrashOrBlockOthers(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := New(nil)

	var goodCount int
	m.Subscribe("orders", "panicky", 0, syncExecutor{}, func(string, []model.Message) {
		panic("boom")
	})
	m.Subscribe("orders", "good", 0, syncExecutor{}, func(string, []model.Message) {
		goodCount++
	})

	assert.NotPanics(t, func() {
		m.OnNewMessage(model.Message{Offset: 0, Topic: "orders"})
	})
	assert.Equal(t, 1, goodCount)
}

func TestManager_SlowSubscriberDoesNotDelayAnother(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := New(nil)

	blocked := make(chan struct{})
	slowDone := make(chan struct{})
	slowExecutor := model.ExecutorFunc(func(task func()) {
		go func() {
			<-blocked
			task()
			close(slowDone)
		}()
	})

	fastDelivered := make(chan struct{}, 1)
	fastExecutor := model.ExecutorFunc(func(task func()) { go task() })

	m.Subscribe("orders", "slow", 0, slowExecutor, func(string, []model.Message) {})
	m.Subscribe("orders", "fast", 0, fastExecutor, func(string, []model.Message) {
		fastDelivered <- struct{}{}
	})

	m.OnNewMessage(model.Message{Offset: 0, Topic: "orders"})

	select {
	case <-fastDelivered:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber's delivery was blocked by the slow one")
	}
	close(blocked)
	<-slowDone
}
