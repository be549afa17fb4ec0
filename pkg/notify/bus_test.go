package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meliorisse/cordwatch/pkg/logger"
	"github.com/meliorisse/cordwatch/pkg/models"
)

func testDelta(kind models.DeltaKind, serial string, seq int) models.Delta {
	return models.Delta{
		Kind:      kind,
		Key:       models.SerialKey(serial),
		Timestamp: time.Unix(1700000000, int64(seq)).UTC(),
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())
	defer bus.Close()

	var (
		mu       sync.Mutex
		received [2]int
	)

	for i := 0; i < 2; i++ {
		i := i

		bus.Subscribe(func(models.Delta) {
			mu.Lock()
			received[i]++
			mu.Unlock()
		})
	}

	for i := 0; i < 5; i++ {
		bus.Publish(testDelta(models.DeltaCreated, "ABC", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return received[0] == 5 && received[1] == 5
	}, time.Second, 5*time.Millisecond)
}

func TestDeliveryOrderPreservedPerSubscriber(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())
	defer bus.Close()

	var (
		mu    sync.Mutex
		kinds []models.DeltaKind
	)

	bus.Subscribe(func(delta models.Delta) {
		// Simulate a slow presentation layer; order must still hold.
		time.Sleep(time.Millisecond)

		mu.Lock()
		kinds = append(kinds, delta.Kind)
		mu.Unlock()
	})

	expected := []models.DeltaKind{
		models.DeltaCreated,
		models.DeltaDisconnected,
		models.DeltaReconnected,
		models.DeltaDisconnected,
	}

	for i, kind := range expected {
		bus.Publish(testDelta(kind, "ABC", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(kinds) == len(expected)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, expected, kinds)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())
	defer bus.Close()

	var (
		mu    sync.Mutex
		count int
	)

	sub := bus.Subscribe(func(models.Delta) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(testDelta(models.DeltaCreated, "ABC", 0))
	bus.Unsubscribe(sub)

	// Unsubscribe drains queued deltas before returning.
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	bus.Publish(testDelta(models.DeltaDisconnected, "ABC", 1))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())

	var (
		mu    sync.Mutex
		count int
	)

	bus.Subscribe(func(models.Delta) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Close()
	bus.Publish(testDelta(models.DeltaCreated, "ABC", 0))

	mu.Lock()
	assert.Zero(t, count)
	mu.Unlock()
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(logger.NewTestLogger())
	defer bus.Close()

	release := make(chan struct{})

	bus.Subscribe(func(models.Delta) {
		<-release
	})

	done := make(chan struct{})

	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(testDelta(models.DeltaCreated, "ABC", i))
		}

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}

	close(release)
}
