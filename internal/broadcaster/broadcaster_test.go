package broadcaster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type intMsg int

func (m intMsg) Clone() intMsg { return m }

// TestFanOutSlowConsumer: a fast subscriber gets everything, a slow one
// drops the majority but delivered+dropped must equal the publish count
// exactly.
func TestFanOutSlowConsumer(t *testing.T) {
	b := New[intMsg]("test", 4, nil)
	b.Start()
	defer b.Stop()

	fast := b.Subscribe("A", 8)
	slow := b.Subscribe("B", 2)

	stop := make(chan struct{})
	var fastCount int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-fast:
				fastCount++
			case <-stop:
				return
			}
		}
	}()

	var slowCount int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-slow:
				slowCount++
				time.Sleep(20 * time.Millisecond)
			case <-stop:
				return
			}
		}
	}()

	const n = 100
	for i := 0; i < n; i++ {
		b.Input() <- intMsg(i)
		time.Sleep(time.Millisecond)
	}

	// Give the slow consumer time to drain whatever it can, then stop the
	// goroutines above. Unsubscribe does not close a queue, so they are
	// stopped through their own channel.
	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()

	stats := b.Stats()
	require.Len(t, stats.Subscriber, 2)
	for _, sub := range stats.Subscriber {
		assert.Equal(t, uint64(n), sub.Delivered+sub.Dropped, sub.Name)
	}

	b.Unsubscribe("A")
	b.Unsubscribe("B")
	stats = b.Stats()
	require.Len(t, stats.Subscriber, 0) // both unsubscribed

	assert.Equal(t, uint64(n), stats.Received)
}

// TestDeliveredPlusDroppedEqualsPublished: for every subscriber alive for
// the whole run, delivered+dropped == published.
func TestDeliveredPlusDroppedEqualsPublished(t *testing.T) {
	b := New[intMsg]("test", 4, nil)
	b.Start()
	defer b.Stop()

	_ = b.Subscribe("slow", 2)

	const n = 50
	for i := 0; i < n; i++ {
		b.Input() <- intMsg(i)
	}
	time.Sleep(100 * time.Millisecond)

	stats := b.Stats()
	require.Len(t, stats.Subscriber, 1)
	got := stats.Subscriber[0].Delivered + stats.Subscriber[0].Dropped
	assert.Equal(t, uint64(n), got)
}

// TestUnsubscribeLeavesNoLeak: start/stop/start of a subscriber under the
// same name leaves exactly one live subscriber.
func TestUnsubscribeLeavesNoLeak(t *testing.T) {
	b := New[intMsg]("test", 4, nil)
	b.Start()
	defer b.Stop()

	ch := b.Subscribe("x", 4)
	b.Unsubscribe("x")
	assert.False(t, b.HasSubscriber("x"))

	ch2 := b.Subscribe("x", 4)
	assert.True(t, b.HasSubscriber("x"))
	assert.Equal(t, 1, b.SubscriberCount())

	b.Input() <- intMsg(1)
	select {
	case v := <-ch2:
		assert.Equal(t, intMsg(1), v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message on re-subscribed channel")
	}

	// The old channel must never receive anything after unsubscribe.
	select {
	case <-ch:
		t.Fatal("stale subscriber channel received a message after unsubscribe")
	default:
	}

	b.Unsubscribe("x")
}

// TestNoDeliveryAfterUnsubscribe: no message is ever delivered to a
// subscriber that has already been removed.
func TestNoDeliveryAfterUnsubscribe(t *testing.T) {
	b := New[intMsg]("test", 4, nil)
	b.Start()
	defer b.Stop()

	ch := b.Subscribe("gone", 100)
	b.Unsubscribe("gone")

	for i := 0; i < 10; i++ {
		b.Input() <- intMsg(i)
	}
	time.Sleep(50 * time.Millisecond)

	select {
	case <-ch:
		t.Fatal("received message on unsubscribed channel")
	default:
	}
}
