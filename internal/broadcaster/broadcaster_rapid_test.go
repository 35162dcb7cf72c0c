package broadcaster

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Property: for any mix of subscriber capacities and publish count, every
// published message is either delivered or counted as dropped, per
// subscriber — nothing vanishes and nothing is double-counted.
func TestDeliveredPlusDroppedConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numSubs := rapid.IntRange(1, 5).Draw(t, "numSubs")
		published := rapid.IntRange(0, 200).Draw(t, "published")

		b := New[intMsg]("rapid", published+1, nil)
		capacities := make([]int, numSubs)
		for i := range capacities {
			capacities[i] = rapid.IntRange(1, 64).Draw(t, fmt.Sprintf("cap%d", i))
			// No consumer drains these queues; delivery stops at capacity.
			b.Subscribe(fmt.Sprintf("sub%d", i), capacities[i])
		}
		b.Start()
		defer b.Stop()

		for i := 0; i < published; i++ {
			b.Input() <- intMsg(i)
		}

		settled := func() bool {
			s := b.Stats()
			if s.Received < uint64(published) {
				return false
			}
			for _, sub := range s.Subscriber {
				if sub.Delivered+sub.Dropped < uint64(published) {
					return false
				}
			}
			return true
		}
		deadline := time.Now().Add(2 * time.Second)
		for !settled() {
			if time.Now().After(deadline) {
				t.Fatalf("broadcaster never consumed all %d messages", published)
			}
			time.Sleep(time.Millisecond)
		}

		stats := b.Stats()
		for i, sub := range stats.Subscriber {
			total := sub.Delivered + sub.Dropped
			if total != uint64(published) {
				t.Fatalf("subscriber %d: delivered(%d) + dropped(%d) != published(%d)", i, sub.Delivered, sub.Dropped, published)
			}
			if sub.Delivered > uint64(sub.Capacity) {
				t.Fatalf("subscriber %d: delivered %d exceeds capacity %d with no consumer", i, sub.Delivered, sub.Capacity)
			}
		}
	})
}
