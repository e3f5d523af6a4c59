package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()

	got := make(chan interface{}, 1)
	b.Subscribe("test.event", func(p interface{}) { got <- p })

	require.NoError(t, b.Publish("test.event", 42, false))
	select {
	case p := <-got:
		assert.Equal(t, 42, p)
	case <-time.After(time.Second):
		t.Fatal("payload never delivered")
	}
}

func TestPublishIgnoresOtherEvents(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()

	var calls atomic.Int64
	b.Subscribe("wanted", func(interface{}) { calls.Add(1) })

	require.NoError(t, b.Publish("unwanted", 1, true))
	assert.Zero(t, calls.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()

	var calls atomic.Int64
	id := b.Subscribe("test.event", func(interface{}) { calls.Add(1) })

	require.NoError(t, b.Publish("test.event", 1, true))
	b.Unsubscribe(id)
	require.NoError(t, b.Publish("test.event", 2, true))
	assert.Equal(t, int64(1), calls.Load())

	// Unknown IDs are a no-op.
	b.Unsubscribe("not-a-subscription")
}

func TestWaitForAllIsSynchronous(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()

	var calls int
	b.Subscribe("test.event", func(interface{}) { calls++ })
	b.Subscribe("test.event", func(interface{}) { calls++ })

	require.NoError(t, b.Publish("test.event", nil, true))
	assert.Equal(t, 2, calls, "waitForAll handlers complete before Publish returns")
}

func TestWaitForAllHandlerMayUseBus(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()

	var calls atomic.Int64
	var id string
	id = b.Subscribe("test.event", func(interface{}) {
		calls.Add(1)
		// Re-entrant bus use from a synchronous handler must not deadlock.
		b.Subscribe("other", func(interface{}) {})
		b.Unsubscribe(id)
	})

	require.NoError(t, b.Publish("test.event", nil, true))
	assert.Equal(t, int64(1), calls.Load())

	// The handler removed itself, so a second publish reaches nobody.
	require.NoError(t, b.Publish("test.event", nil, true))
	assert.Equal(t, int64(1), calls.Load())
}

func TestOverflowDropsNotBlocks(t *testing.T) {
	t.Parallel()
	b := NewWithCapacity(1)
	defer b.Close()

	release := make(chan struct{})
	var delivered atomic.Int64
	b.Subscribe("test.event", func(interface{}) {
		<-release
		delivered.Add(1)
	})

	// First publish is picked up by the dispatcher (blocked in the handler),
	// second fills the queue, the rest must drop without blocking.
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish("test.event", i, false))
	}
	assert.GreaterOrEqual(t, b.Dropped(), uint64(8))

	close(release)
	assert.Eventually(t, func() bool { return delivered.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestPublishAfterClose(t *testing.T) {
	t.Parallel()
	b := New()
	b.Close()
	assert.ErrorIs(t, b.Publish("test.event", nil, false), ErrClosed)
	b.Close() // idempotent
}

func TestConcurrentPublishers(t *testing.T) {
	t.Parallel()
	b := NewWithCapacity(1024)
	defer b.Close()

	var received atomic.Int64
	b.Subscribe("test.event", func(interface{}) { received.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Publish("test.event", j, false)
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return received.Load()+int64(b.Dropped()) == 800
	}, 2*time.Second, 10*time.Millisecond)
}
