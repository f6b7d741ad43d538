package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	viewChanged EventType = iota
	committed
)

func receive[T any](t *testing.T, ch chan *Event[T]) *Event[T] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker(10)
	defer b.GracefulShutdown()

	views := make(chan *Event[uint64], 1)
	commits := make(chan *Event[string], 1)
	Subscribe(b, viewChanged, views, SubscriptionOptions{})
	Subscribe(b, committed, commits, SubscriptionOptions{})

	Publish(b, NewEvent(viewChanged, uint64(3)))
	Publish(b, NewEvent(committed, "op 1"))

	assert.Equal(t, uint64(3), receive(t, views).Payload)
	ev := receive(t, commits)
	assert.Equal(t, committed, ev.Type)
	assert.Equal(t, "op 1", ev.Payload)
}

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker(10)
	defer b.GracefulShutdown()

	first := make(chan *Event[int], 1)
	second := make(chan *Event[int], 1)
	Subscribe(b, committed, first, SubscriptionOptions{})
	Subscribe(b, committed, second, SubscriptionOptions{})

	Publish(b, NewEvent(committed, 7))
	assert.Equal(t, 7, receive(t, first).Payload)
	assert.Equal(t, 7, receive(t, second).Payload)
}

func TestBroker_TypeMismatch(t *testing.T) {
	b := NewBroker(10)

	ch := make(chan *Event[int], 1)
	Subscribe(b, committed, ch, SubscriptionOptions{})
	Publish(b, NewEvent(committed, "not an int"))
	b.GracefulShutdown()

	_, ok := <-ch
	assert.False(t, ok, "mismatched payloads are not delivered")
}

func TestBroker_NonBlockingDrops(t *testing.T) {
	b := NewBroker(10)

	ch := make(chan *Event[int])
	id := Subscribe(b, committed, ch, SubscriptionOptions{})
	Publish(b, NewEvent(committed, 1))
	Publish(b, NewEvent(committed, 2))

	assert.Eventually(t, func() bool { return b.Dropped(committed, id) == 2 }, time.Second, time.Millisecond)
	b.GracefulShutdown()
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker(10)
	defer b.GracefulShutdown()

	ch := make(chan *Event[int], 1)
	id := Subscribe(b, committed, ch, SubscriptionOptions{})
	b.Unsubscribe(committed, id)

	_, ok := <-ch
	assert.False(t, ok)

	t.Run("unknown subscription is ignored", func(t *testing.T) {
		b.Unsubscribe(committed, id)
		b.Unsubscribe(viewChanged, 12345)
	})
}

func TestBroker_Shutdown(t *testing.T) {
	t.Run("graceful shutdown drains the queue", func(t *testing.T) {
		b := NewBroker(10)
		ch := make(chan *Event[int], 3)
		Subscribe(b, committed, ch, SubscriptionOptions{IsBlocking: true})
		for i := 1; i <= 3; i++ {
			Publish(b, NewEvent(committed, i))
		}
		b.GracefulShutdown()

		var got []int
		for ev := range ch {
			got = append(got, ev.Payload)
		}
		assert.Equal(t, []int{1, 2, 3}, got)
	})

	t.Run("publish after shutdown is dropped", func(t *testing.T) {
		b := NewBroker(1)
		b.GracefulShutdown()
		assert.NotPanics(t, func() { Publish(b, NewEvent(committed, 1)) })
		assert.NotPanics(t, b.GracefulShutdown)
		assert.NotPanics(t, b.ForceShutdown)
	})
}
