package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meliorisse/cordwatch/pkg/logger"
	"github.com/meliorisse/cordwatch/pkg/models"
	"github.com/meliorisse/cordwatch/pkg/registry"
)

type fakeSource struct {
	present []models.RawEvent
	events  chan models.RawEvent
}

func newFakeSource(present ...models.RawEvent) *fakeSource {
	return &fakeSource{
		present: present,
		events:  make(chan models.RawEvent, 16),
	}
}

func (f *fakeSource) List(_ context.Context) ([]models.RawEvent, error) {
	return f.present, nil
}

func (f *fakeSource) Watch(_ context.Context) (<-chan models.RawEvent, error) {
	return f.events, nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []models.ConnectionEvent
}

func (c *captureRecorder) Record(event models.ConnectionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, event)
}

func (c *captureRecorder) all() []models.ConnectionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]models.ConnectionEvent(nil), c.events...)
}

type captureBus struct {
	mu     sync.Mutex
	deltas []models.Delta
}

func (c *captureBus) Publish(delta models.Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deltas = append(c.deltas, delta)
}

func (c *captureBus) all() []models.Delta {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]models.Delta(nil), c.deltas...)
}

func (c *captureBus) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.deltas)
}

func attachEvent(devPath, serial, port string, speed string) models.RawEvent {
	attrs := map[string]string{
		models.AttrVendorID:  "0951",
		models.AttrProductID: "1666",
		models.AttrPortPath:  port,
		models.AttrSpeedMbps: speed,
	}
	if serial != "" {
		attrs[models.AttrSerial] = serial
	}

	return models.RawEvent{Kind: models.EventAdded, DevPath: devPath, Attrs: attrs}
}

func removeEvent(devPath string) models.RawEvent {
	return models.RawEvent{Kind: models.EventRemoved, DevPath: devPath}
}

type harness struct {
	monitor  *Monitor
	source   *fakeSource
	registry *registry.Registry
	recorder *captureRecorder
	bus      *captureBus
	runErr   chan error
}

func startMonitor(t *testing.T, present ...models.RawEvent) *harness {
	t.Helper()

	h := &harness{
		source:   newFakeSource(present...),
		registry: registry.New(logger.NewTestLogger()),
		recorder: &captureRecorder{},
		bus:      &captureBus{},
		runErr:   make(chan error, 1),
	}

	h.monitor = New(h.source, h.registry, h.recorder, h.bus, logger.NewTestLogger())

	// Deterministic, strictly increasing timestamps.
	var tick int64

	base := time.Unix(1700000000, 0).UTC()
	h.monitor.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	go func() {
		h.runErr <- h.monitor.Run(context.Background())
	}()

	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()

	h.monitor.Stop()

	select {
	case err := <-h.runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func (h *harness) waitDeltas(t *testing.T, n int) []models.Delta {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.bus.count() >= n
	}, time.Second, time.Millisecond)

	return h.bus.all()
}

// Full reconciliation scenario: a device enumerated at startup establishes
// the best-speed baseline, disappears, and returns on another port at USB 2
// speed. The registry must fold all three observations into one record and
// flag the downgrade.
func TestEnumerateRemoveReaddOnNewPort(t *testing.T) {
	h := startMonitor(t, attachEvent("/sys/devices/usb1/1-2", "ABC123", "1-2", "5000"))

	deltas := h.waitDeltas(t, 1)
	assert.Equal(t, models.DeltaCreated, deltas[0].Kind)
	assert.Equal(t, 5000, deltas[0].Device.BestSpeedMbps)

	h.source.events <- removeEvent("/sys/devices/usb1/1-2")
	h.source.events <- attachEvent("/sys/devices/usb2/2-1", "ABC123", "2-1", "480")

	deltas = h.waitDeltas(t, 3)
	h.stop(t)

	require.Len(t, deltas, 3)
	assert.Equal(t, models.DeltaDisconnected, deltas[1].Kind)
	assert.Equal(t, models.DeltaReconnected, deltas[2].Kind)

	final := deltas[2].Device
	assert.Equal(t, models.SerialKey("ABC123"), final.Key)
	assert.True(t, final.Downgraded)
	assert.Equal(t, 5000, final.BestSpeedMbps)
	require.NotNil(t, final.CurrentSpeedMbps)
	assert.Equal(t, 480, *final.CurrentSpeedMbps)

	assert.Equal(t, 1, h.registry.Len(), "same serial on a new port is the same device")

	events := h.recorder.all()
	require.Len(t, events, 3)
	assert.Equal(t, models.ConnectionConnected, events[0].Type)
	assert.Equal(t, 5000, events[0].SpeedMbps)
	assert.Equal(t, models.ConnectionDisconnected, events[1].Type)
	assert.Equal(t, models.ConnectionConnected, events[2].Type)
	assert.Equal(t, 480, events[2].SpeedMbps)
}

func TestSeriallessDevicesOnTwoPorts(t *testing.T) {
	h := startMonitor(t)

	h.source.events <- attachEvent("/sys/devices/usb1/1-1", "", "1-1", "480")
	h.source.events <- attachEvent("/sys/devices/usb1/1-2", "", "1-2", "480")

	deltas := h.waitDeltas(t, 2)
	h.stop(t)

	assert.NotEqual(t, deltas[0].Key, deltas[1].Key)
	assert.Equal(t, 2, h.registry.Len())
}

func TestMalformedEventIsSkipped(t *testing.T) {
	h := startMonitor(t)

	h.source.events <- models.RawEvent{
		Kind:    models.EventAdded,
		DevPath: "/sys/devices/usb1/1-9",
		Attrs:   map[string]string{models.AttrPortPath: "1-9"},
	}
	h.source.events <- attachEvent("/sys/devices/usb1/1-1", "GOOD", "1-1", "480")

	deltas := h.waitDeltas(t, 1)
	h.stop(t)

	require.Len(t, deltas, 1)
	assert.Equal(t, models.SerialKey("GOOD"), deltas[0].Key)
}

func TestRemoveForUnknownPathIsSkipped(t *testing.T) {
	h := startMonitor(t)

	h.source.events <- removeEvent("/sys/devices/usb1/never-added")
	h.source.events <- attachEvent("/sys/devices/usb1/1-1", "GOOD", "1-1", "480")

	deltas := h.waitDeltas(t, 1)
	h.stop(t)

	require.Len(t, deltas, 1)
	assert.Equal(t, models.DeltaCreated, deltas[0].Kind)
	assert.Equal(t, 1, h.registry.Len())
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	h := startMonitor(t)

	h.source.events <- attachEvent("/sys/devices/usb1/1-1", "ABC123", "1-1", "480")
	h.source.events <- attachEvent("/sys/devices/usb1/1-1", "ABC123", "1-1", "480")

	deltas := h.waitDeltas(t, 2)
	h.stop(t)

	assert.Equal(t, models.DeltaCreated, deltas[0].Kind)
	assert.Equal(t, models.DeltaUpdated, deltas[1].Kind)
	assert.Equal(t, 1, h.registry.Len())

	// The duplicate carried no new speed, so history sees one entry.
	events := h.recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.ConnectionConnected, events[0].Type)
}

func TestUnbindLeavesDeviceConnected(t *testing.T) {
	h := startMonitor(t)

	h.source.events <- attachEvent("/sys/devices/usb1/1-1", "ABC123", "1-1", "480")
	h.waitDeltas(t, 1)

	h.source.events <- models.RawEvent{Kind: models.EventUnbound, DevPath: "/sys/devices/usb1/1-1"}
	h.source.events <- removeEvent("/sys/devices/usb1/1-1")

	deltas := h.waitDeltas(t, 2)
	h.stop(t)

	require.Len(t, deltas, 2)
	assert.Equal(t, models.DeltaDisconnected, deltas[1].Kind)
}

func TestDeltaOrderUnderConcurrentSnapshots(t *testing.T) {
	h := startMonitor(t)

	stopReads := make(chan struct{})

	var readers sync.WaitGroup

	readers.Add(1)

	go func() {
		defer readers.Done()

		for {
			select {
			case <-stopReads:
				return
			default:
				h.registry.Snapshot()
			}
		}
	}()

	for i := 0; i < 20; i++ {
		h.source.events <- attachEvent("/sys/devices/usb1/1-1", "ABC123", "1-1", "480")
		h.source.events <- removeEvent("/sys/devices/usb1/1-1")
	}

	deltas := h.waitDeltas(t, 40)

	close(stopReads)
	readers.Wait()
	h.stop(t)

	for i, delta := range deltas {
		if i%2 == 0 {
			assert.NotEqual(t, models.DeltaDisconnected, delta.Kind, "delta %d out of order", i)
		} else {
			assert.Equal(t, models.DeltaDisconnected, delta.Kind, "delta %d out of order", i)
		}
	}

	for i := 1; i < len(deltas); i++ {
		assert.False(t, deltas[i].Timestamp.Before(deltas[i-1].Timestamp), "timestamps regressed at %d", i)
	}
}

func TestSubscriptionLost(t *testing.T) {
	h := startMonitor(t)

	close(h.source.events)

	select {
	case err := <-h.runErr:
		assert.ErrorIs(t, err, ErrSubscriptionLost)
	case <-time.After(time.Second):
		t.Fatal("monitor did not report the lost subscription")
	}
}

func TestContextCancellation(t *testing.T) {
	source := newFakeSource()
	mon := New(source, registry.New(logger.NewTestLogger()), nil, nil, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)

	go func() {
		runErr <- mon.Run(ctx)
	}()

	cancel()

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not honor cancellation")
	}
}
