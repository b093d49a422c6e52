package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canstream/canstream/server/internal/store"
)

func note(key string, seq uint64) Notification {
	return Notification{Key: key, Record: store.Record{Key: key, Seq: seq}}
}

// drain reads everything currently queued on s.
func drain(s *Subscription) []Notification {
	var out []Notification
	for {
		select {
		case n, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestSubscriberReceivesInPublishOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	for i := uint64(1); i <= 5; i++ {
		b.Publish(note("0x100", i))
	}

	got := drain(sub)
	require.Len(t, got, 5)
	for i, n := range got {
		assert.Equal(t, uint64(i+1), n.Record.Seq)
	}
}

func TestLateSubscriberGetsNothingRetroactively(t *testing.T) {
	b := New()
	b.Publish(note("0x100", 1))

	sub := b.Subscribe()
	defer sub.Close()
	assert.Empty(t, drain(sub))

	b.Publish(note("0x100", 2))
	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Record.Seq)
}

func TestEverySubscriberGetsOneNotificationPerPublish(t *testing.T) {
	b := New()
	subs := []*Subscription{b.Subscribe(), b.Subscribe(), b.Subscribe()}
	assert.Equal(t, 3, b.Count())

	b.Publish(note("0x101", 1))
	for _, s := range subs {
		assert.Len(t, drain(s), 1, "subscriber %s", s.ID())
	}
}

func TestDropOldest_KeepsNewest(t *testing.T) {
	b := New(WithBuffer(3))
	sub := b.Subscribe()
	defer sub.Close()

	for i := uint64(1); i <= 5; i++ {
		b.Publish(note("0x102", i))
	}

	got := drain(sub)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Record.Seq)
	assert.Equal(t, uint64(5), got[2].Record.Seq)
	assert.Equal(t, uint64(2), sub.Dropped())
	assert.Equal(t, 1, b.Count(), "drop_oldest keeps the subscriber")
}

func TestDisconnect_ClosesOnlySlowSubscriber(t *testing.T) {
	b := New(WithBuffer(2), WithPolicy(Disconnect))
	slow := b.Subscribe()
	fast := b.Subscribe()
	defer fast.Close()

	var fastGot []Notification
	for i := uint64(1); i <= 3; i++ {
		b.Publish(note("0x103", i))
		fastGot = append(fastGot, drain(fast)...)
	}

	assert.Len(t, fastGot, 3)
	assert.Equal(t, 1, b.Count())

	got := drain(slow)
	assert.Len(t, got, 2)
	_, ok := <-slow.C()
	assert.False(t, ok, "slow subscriber channel should be closed")
}

func TestPublishNeverBlocksWithStalledSubscriber(t *testing.T) {
	b := New(WithBuffer(1))
	_ = b.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(note("0x104", uint64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Count())
	b.Publish(note("0x105", 1)) // must not panic on the closed channel
}

func TestCloseEndsAllSubscriptions(t *testing.T) {
	b := New()
	a, c := b.Subscribe(), b.Subscribe()
	b.Close()

	_, okA := <-a.C()
	_, okC := <-c.C()
	assert.False(t, okA)
	assert.False(t, okC)
	assert.Equal(t, 0, b.Count())

	late := b.Subscribe()
	_, ok := <-late.C()
	assert.False(t, ok, "subscribing after Close yields a closed channel")
	b.Publish(note("0x106", 1))
}

// Per-key order must hold even with several keys published concurrently.
func TestConcurrentPublish_PerKeyOrder(t *testing.T) {
	const perKey = 200
	b := New(WithBuffer(4 * perKey))
	sub := b.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for k := 0; k < 4; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			key := fmt.Sprintf("0x%x", 0x200+k)
			for i := uint64(1); i <= perKey; i++ {
				b.Publish(note(key, i))
			}
		}(k)
	}
	wg.Wait()

	last := map[string]uint64{}
	got := drain(sub)
	require.Len(t, got, 4*perKey)
	for _, n := range got {
		require.Greater(t, n.Record.Seq, last[n.Key], "key %s out of order", n.Key)
		last[n.Key] = n.Record.Seq
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	p, err = ParsePolicy("disconnect")
	require.NoError(t, err)
	assert.Equal(t, Disconnect, p)

	_, err = ParsePolicy("block")
	assert.Error(t, err)
}
